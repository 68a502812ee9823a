// Package bus is the single choke point for external-collaborator calls.
// Every call is keyed by (action_type, idempotency_key); replaying a key
// returns the stored outcome instead of invoking the collaborator again.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/repo"
)

// Handler executes one action type against an external collaborator.
// Handlers are the only place collaborator calls occur.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// ActionFailed wraps a collaborator failure, including handler panics.
type ActionFailed struct {
	ActionType     string
	IdempotencyKey string
	Message        string
}

func (e ActionFailed) Error() string {
	return fmt.Sprintf("action %s (%s) failed: %s", e.ActionType, e.IdempotencyKey, e.Message)
}

// ErrUnknownAction reports an action type with no registered handler.
type ErrUnknownAction struct {
	ActionType string
}

func (e ErrUnknownAction) Error() string {
	return "no handler registered for action type " + e.ActionType
}

type Bus struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	flight   singleflight.Group
}

func New(db *sql.DB) *Bus {
	return &Bus{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Register binds a handler to an action type. Re-registering replaces the
// previous handler, which is how tests substitute collaborators.
func (b *Bus) Register(actionType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[actionType] = h
}

func (b *Bus) handler(actionType string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[actionType]
	return h, ok
}

// ExecuteRequest names one de-duplicated collaborator call.
type ExecuteRequest struct {
	ActionType     string
	IdempotencyKey string
	Input          map[string]any
	ActorID        string
	// RetryFailed re-runs the handler when the stored action failed.
	// Succeeded actions always short-circuit.
	RetryFailed bool
}

// Execute runs an action exactly once per (action_type, idempotency_key).
// Concurrent callers with the same key share a single handler invocation and
// receive the same stored result. The returned error is non-nil iff the
// action's stored status is failed.
func (b *Bus) Execute(ctx context.Context, req ExecuteRequest) (domain.Action, error) {
	if req.ActionType == "" || req.IdempotencyKey == "" {
		return domain.Action{}, fmt.Errorf("action_type and idempotency_key are required")
	}
	key := req.ActionType + "\x00" + req.IdempotencyKey
	v, err, _ := b.flight.Do(key, func() (any, error) {
		return b.execute(ctx, req)
	})
	if v == nil {
		return domain.Action{}, err
	}
	a := v.(domain.Action)
	if a.Status == "failed" {
		return a, ActionFailed{ActionType: a.Type, IdempotencyKey: a.IdempotencyKey, Message: a.Error}
	}
	return a, err
}

func (b *Bus) execute(ctx context.Context, req ExecuteRequest) (domain.Action, error) {
	existing, err := b.Repo.GetAction(ctx, req.ActionType, req.IdempotencyKey)
	switch {
	case err == nil:
		if existing.Status == "succeeded" {
			return existing, nil
		}
		if existing.Status == "failed" && !req.RetryFailed {
			return existing, nil
		}
		started := b.now().UTC().Format(time.RFC3339)
		if err := b.Repo.ResetAction(ctx, existing.ID, started); err != nil {
			return domain.Action{}, err
		}
		existing.Status = "pending"
		existing.Result = nil
		existing.Error = ""
		existing.StartedAt = &started
		existing.CompletedAt = nil
		if req.Input != nil {
			existing.Input = req.Input
		}
		return b.run(ctx, existing, req.ActorID)
	case err == repo.ErrNotFound:
		now := b.now().UTC().Format(time.RFC3339)
		a := domain.Action{
			ID:             uuid.New().String(),
			Type:           req.ActionType,
			IdempotencyKey: req.IdempotencyKey,
			Status:         "pending",
			Input:          req.Input,
			CreatedAt:      now,
			StartedAt:      &now,
		}
		if err := b.Repo.InsertAction(ctx, a); err != nil {
			return domain.Action{}, err
		}
		return b.run(ctx, a, req.ActorID)
	default:
		return domain.Action{}, err
	}
}

// run invokes the handler and persists the outcome. Handler errors and
// panics never propagate; they become a failed action plus an event.
func (b *Bus) run(ctx context.Context, a domain.Action, actorID string) (domain.Action, error) {
	h, ok := b.handler(a.Type)
	if !ok {
		return domain.Action{}, ErrUnknownAction{ActionType: a.Type}
	}
	result, handlerErr := b.invoke(ctx, h, a.Input)
	completed := b.now().UTC().Format(time.RFC3339)
	a.CompletedAt = &completed
	if handlerErr != nil {
		a.Status = "failed"
		a.Error = handlerErr.Error()
	} else {
		a.Status = "succeeded"
		a.Result = result
	}
	if err := b.Repo.CompleteAction(ctx, a); err != nil {
		return a, err
	}
	evtType := "action.succeeded"
	payload := events.EventPayload{"action_type": a.Type, "idempotency_key": a.IdempotencyKey}
	if a.Status == "failed" {
		evtType = "action.failed"
		payload["error"] = a.Error
	}
	if actorID == "" {
		actorID = "action-bus"
	}
	if err := b.appendEvent(ctx, evtType, "action", a.ID, actorID, a.ID, payload); err != nil {
		return a, err
	}
	return a, nil
}

// invoke calls the handler with panic containment. A panicking handler is
// reported as a generic failure so callers never see partial state.
func (b *Bus) invoke(ctx context.Context, h Handler, input map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("internal handler failure")
		}
	}()
	return h(ctx, input)
}

// Emit appends an event describing an externally observed fact, e.g. a
// webhook reporting a merge that happened outside this system.
func (b *Bus) Emit(ctx context.Context, evtType, entityKind, entityID, actorID, actionID string, payload events.EventPayload) (domain.Event, error) {
	if evtType == "" {
		return domain.Event{}, fmt.Errorf("event_type is required")
	}
	if entityKind == "" {
		entityKind = "external"
	}
	id, err := b.appendEventID(ctx, evtType, entityKind, entityID, actorID, actionID, payload)
	if err != nil {
		return domain.Event{}, err
	}
	data, _ := json.Marshal(payload)
	return domain.Event{
		ID:         id,
		TS:         b.now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		ActionID:   actionID,
		Payload:    string(data),
	}, nil
}

func (b *Bus) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID, actionID string, payload events.EventPayload) error {
	_, err := b.appendEventID(ctx, evtType, entityKind, entityID, actorID, actionID, payload)
	return err
}

func (b *Bus) appendEventID(ctx context.Context, evtType, entityKind, entityID, actorID, actionID string, payload events.EventPayload) (int64, error) {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	w := b.Events
	w.Now = b.Now
	id, err := w.AppendID(ctx, tx, evtType, entityKind, entityID, actorID, actionID, payload)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (b *Bus) ListActions(ctx context.Context, f repo.ActionFilters) ([]domain.Action, error) {
	return b.Repo.ListActions(ctx, f)
}

func (b *Bus) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return b.Repo.ListEvents(ctx, f)
}
