// Package pipeline drives the idea-to-deployment sequence for job work
// items. Steps run strictly in order through the action bus, so a re-run
// never repeats a step that already succeeded.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"devflow/internal/bus"
	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/store"
)

const actorOrchestrator = "orchestrator"

type Orchestrator struct {
	Store *store.Store
	Bus   *bus.Bus
	Steps []StepDef
	// Async runs each pipeline on its own goroutine. Synchronous mode is
	// for tests and one-shot CLI runs.
	Async bool
	Now   func() time.Time

	wg sync.WaitGroup
}

func New(st *store.Store, b *bus.Bus) *Orchestrator {
	return &Orchestrator{
		Store: st,
		Bus:   b,
		Steps: DefaultSteps(),
		Now:   time.Now,
	}
}

func (o *Orchestrator) now() string {
	if o.Now != nil {
		return o.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Wait blocks until every in-flight asynchronous pipeline has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

type StartOptions struct {
	IdeaReference string
	Title         string
	ActorID       string
}

// Start creates a job work item with one pending step row per step and
// begins executing. In synchronous mode the returned status is final; in
// asynchronous mode it reflects the queued job and callers poll GetStatus.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (domain.JobStatus, error) {
	if opts.IdeaReference == "" {
		return domain.JobStatus{}, store.ValidationError{Field: "idea_reference", Reason: "is required"}
	}
	title := opts.Title
	if title == "" {
		title = "Pipeline: " + opts.IdeaReference
	}

	item, err := o.Store.CreateItem(ctx, store.CreateItemOptions{
		Title:      title,
		Type:       "job",
		ReporterID: opts.ActorID,
		Metadata:   map[string]any{"idea_reference": opts.IdeaReference},
	})
	if err != nil {
		return domain.JobStatus{}, err
	}

	tx, err := o.Store.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobStatus{}, err
	}
	defer tx.Rollback()
	names := make([]string, 0, len(o.Steps))
	for i, def := range o.Steps {
		names = append(names, def.Name)
		step := domain.Step{JobID: item.ID, Name: def.Name, Position: i, Status: "pending"}
		if err := o.Store.Repo.InsertStep(ctx, tx, step); err != nil {
			return domain.JobStatus{}, err
		}
	}
	err = o.Store.Events.Append(ctx, tx, "job.created", "job", item.ID, opts.ActorID, "", events.EventPayload{
		"idea_reference": opts.IdeaReference,
		"steps":          names,
	})
	if err != nil {
		return domain.JobStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JobStatus{}, err
	}

	o.dispatch(ctx, item.ID, false)
	return o.GetStatus(ctx, item.ID)
}

// Retry resumes a failed job. Steps that already succeeded short-circuit
// through the bus; the failed step and everything after re-run. Running,
// cancelled and succeeded jobs are rejected so only one step loop can be
// in flight for a job.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (domain.JobStatus, error) {
	js, err := o.GetStatus(ctx, jobID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	switch js.Status {
	case "running", "cancelled", "succeeded":
		return domain.JobStatus{}, store.TransitionError{From: js.Status, To: "running"}
	}
	o.dispatch(ctx, jobID, true)
	return o.GetStatus(ctx, jobID)
}

// Cancel marks the job cancelled. A running pipeline notices before its
// next step and stops; the step in flight is allowed to finish.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, actorID string) (domain.JobStatus, error) {
	if _, err := o.GetStatus(ctx, jobID); err != nil {
		return domain.JobStatus{}, err
	}
	cancelled := "cancelled"
	_, err := o.Store.UpdateItem(ctx, jobID, store.ItemPatch{Status: &cancelled, ActorID: actorID})
	if err != nil {
		return domain.JobStatus{}, err
	}
	if _, err := o.Bus.Emit(ctx, "job.cancelled", "job", jobID, actorID, "", nil); err != nil {
		return domain.JobStatus{}, err
	}
	return o.GetStatus(ctx, jobID)
}

// GetStatus reports the derived pipeline status plus the ordered steps.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	item, err := o.Store.GetItem(ctx, jobID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	if item.Type != "job" {
		return domain.JobStatus{}, store.ValidationError{Field: "job_id", Reason: "work item is not a job"}
	}
	steps, err := o.Store.Repo.ListSteps(ctx, jobID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return domain.JobStatus{
		JobID:  jobID,
		Status: domain.DeriveJobStatus(item.Status, steps),
		Steps:  steps,
	}, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, jobID string, retry bool) {
	if !o.Async {
		if err := o.run(ctx, jobID, retry); err != nil {
			log.Printf("pipeline %s: %v", jobID, err)
		}
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.run(context.Background(), jobID, retry); err != nil {
			log.Printf("pipeline %s: %v", jobID, err)
		}
	}()
}

func (o *Orchestrator) run(ctx context.Context, jobID string, retry bool) error {
	item, err := o.Store.GetItem(ctx, jobID)
	if err != nil {
		return err
	}
	if item.Status == "open" || item.Status == "blocked" {
		inProgress := "in_progress"
		item, err = o.Store.UpdateItem(ctx, jobID, store.ItemPatch{Status: &inProgress, ActorID: actorOrchestrator})
		if err != nil {
			return err
		}
	}
	started := "job.started"
	if retry {
		started = "job.retried"
	}
	if _, err := o.Bus.Emit(ctx, started, "job", jobID, actorOrchestrator, "", nil); err != nil {
		return err
	}

	rows, err := o.Store.Repo.ListSteps(ctx, jobID)
	if err != nil {
		return err
	}
	byName := make(map[string]domain.Step, len(rows))
	for _, row := range rows {
		byName[row.Name] = row
	}

	outputs := make(map[string]map[string]any)
	for _, def := range o.Steps {
		// Cancellation is checked between steps, never mid-step.
		item, err = o.Store.GetItem(ctx, jobID)
		if err != nil {
			return err
		}
		if item.Status == "cancelled" {
			return nil
		}

		row, ok := byName[def.Name]
		if !ok {
			row = domain.Step{JobID: jobID, Name: def.Name, Status: "pending"}
		}
		if row.Status == "succeeded" {
			outputs[def.Name] = row.Output
			continue
		}

		startedAt := o.now()
		row.Status = "running"
		row.StartedAt = &startedAt
		row.Error = ""
		row.FinishedAt = nil
		if err := o.Store.Repo.UpdateStep(ctx, row); err != nil {
			return err
		}
		if def.StartEvent != "" {
			_, err = o.Bus.Emit(ctx, def.StartEvent, "job", jobID, actorOrchestrator, "", events.EventPayload{"step": def.Name})
			if err != nil {
				return err
			}
		}

		a, execErr := o.Bus.Execute(ctx, bus.ExecuteRequest{
			ActionType:     def.Name,
			IdempotencyKey: jobID + ":" + def.Name,
			Input:          def.BuildInput(item, outputs),
			ActorID:        actorOrchestrator,
			RetryFailed:    retry,
		})
		finishedAt := o.now()
		row.FinishedAt = &finishedAt

		if execErr != nil {
			row.Status = "failed"
			row.Error = stepError(execErr)
			if err := o.Store.Repo.UpdateStep(ctx, row); err != nil {
				return err
			}
			return o.failJob(ctx, jobID, def, row.Error, a.ID)
		}

		row.Status = "succeeded"
		row.Output = a.Result
		row.Error = ""
		if err := o.Store.Repo.UpdateStep(ctx, row); err != nil {
			return err
		}
		outputs[def.Name] = a.Result
		_, err = o.Bus.Emit(ctx, "job.step.completed", "job", jobID, actorOrchestrator, a.ID, events.EventPayload{"step": def.Name})
		if err != nil {
			return err
		}
		if def.SuccessEvent != "" {
			_, err = o.Bus.Emit(ctx, def.SuccessEvent, "job", jobID, actorOrchestrator, a.ID, events.EventPayload{"step": def.Name})
			if err != nil {
				return err
			}
		}
	}

	closed := "closed"
	if _, err := o.Store.UpdateItem(ctx, jobID, store.ItemPatch{Status: &closed, ActorID: actorOrchestrator}); err != nil {
		return err
	}
	_, err = o.Bus.Emit(ctx, "job.completed", "job", jobID, actorOrchestrator, "", nil)
	return err
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, def StepDef, msg, actionID string) error {
	payload := events.EventPayload{"step": def.Name, "error": msg}
	if _, err := o.Bus.Emit(ctx, "job.step.failed", "job", jobID, actorOrchestrator, actionID, payload); err != nil {
		return err
	}
	if def.FailureEvent != "" {
		if _, err := o.Bus.Emit(ctx, def.FailureEvent, "job", jobID, actorOrchestrator, actionID, payload); err != nil {
			return err
		}
	}
	blocked := "blocked"
	if _, err := o.Store.UpdateItem(ctx, jobID, store.ItemPatch{Status: &blocked, ActorID: actorOrchestrator}); err != nil {
		return err
	}
	_, err := o.Bus.Emit(ctx, "job.failed", "job", jobID, actorOrchestrator, actionID, payload)
	return err
}

// stepError distinguishes a handler's own failure from bus or store
// breakage so the step row records something actionable.
func stepError(err error) string {
	var af bus.ActionFailed
	if errors.As(err, &af) {
		return af.Message
	}
	var unknown bus.ErrUnknownAction
	if errors.As(err, &unknown) {
		return unknown.Error()
	}
	return "internal: " + err.Error()
}
