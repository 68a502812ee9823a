package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"devflow/internal/domain"
	"devflow/internal/events"
	"devflow/internal/lock"
	"devflow/internal/repo"
)

// depGraphKey serializes dependency-edge writes. Cycle detection reads the
// whole dependency graph, so these writes cannot be keyed per item without
// letting two opposing edges slip past each other's checks.
const depGraphKey = "dependency-graph"

// Store is the work item graph: durable CRUD over items and relationships
// with enum, lifecycle and acyclicity invariants enforced transactionally.
type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Locks  *lock.MutexMap
	Now    func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Locks:  lock.NewMutexMap(),
		Now:    time.Now,
	}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateItemOptions are parameters for creating a work item.
type CreateItemOptions struct {
	ID             string
	Title          string
	Description    string
	Type           string
	Status         string
	Priority       string
	AssigneeID     string
	ReporterID     string
	ParentID       string
	EstimatedHours *float64
	ActualHours    *float64
	DueDate        string
	Tags           []string
	Metadata       map[string]any
}

func (s *Store) CreateItem(ctx context.Context, opts CreateItemOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, ValidationError{Field: "title", Reason: "is required"}
	}
	if opts.ReporterID == "" {
		return domain.WorkItem{}, ValidationError{Field: "reporter_id", Reason: "is required"}
	}
	if opts.Type == "" {
		opts.Type = "task"
	}
	if !domain.ValidItemType(opts.Type) {
		return domain.WorkItem{}, ValidationError{Field: "type", Reason: "unknown value " + opts.Type}
	}
	if opts.Status == "" {
		opts.Status = "open"
	}
	if !domain.ValidItemStatus(opts.Status) {
		return domain.WorkItem{}, ValidationError{Field: "status", Reason: "unknown value " + opts.Status}
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	if !domain.ValidItemPriority(opts.Priority) {
		return domain.WorkItem{}, ValidationError{Field: "priority", Reason: "unknown value " + opts.Priority}
	}
	if opts.ParentID != "" {
		if _, err := s.Repo.GetItem(ctx, opts.ParentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.WorkItem{}, ValidationError{Field: "parent_id", Reason: "unknown item " + opts.ParentID}
			}
			return domain.WorkItem{}, err
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now()
	w := domain.WorkItem{
		ID:             id,
		Title:          opts.Title,
		Description:    opts.Description,
		Type:           opts.Type,
		Status:         opts.Status,
		Priority:       opts.Priority,
		AssigneeID:     optionalString(opts.AssigneeID),
		ReporterID:     opts.ReporterID,
		ParentID:       optionalString(opts.ParentID),
		EstimatedHours: opts.EstimatedHours,
		ActualHours:    opts.ActualHours,
		DueDate:        optionalString(opts.DueDate),
		Tags:           opts.Tags,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if domain.StatusTerminal(w.Status) {
		closed := now
		w.ClosedAt = &closed
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertItem(ctx, tx, w); err != nil {
		return domain.WorkItem{}, err
	}
	if err := s.Events.Append(ctx, tx, "item.created", "work_item", w.ID, w.ReporterID, "", events.EventPayload{
		"title": w.Title, "type": w.Type, "status": w.Status,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// ItemPatch is a partial update. Pointer fields distinguish "leave alone"
// from "set"; empty string through a pointer clears the field.
type ItemPatch struct {
	Title          *string
	Description    *string
	Status         *string
	Priority       *string
	AssigneeID     *string
	ParentID       *string
	EstimatedHours *float64
	ActualHours    *float64
	DueDate        *string
	Tags           *[]string
	Metadata       map[string]any
	ActorID        string
}

func (s *Store) UpdateItem(ctx context.Context, id string, patch ItemPatch) (domain.WorkItem, error) {
	s.Locks.Lock(id)
	defer s.Locks.Unlock(id)

	w, err := s.Repo.GetItem(ctx, id)
	if err != nil {
		return w, err
	}
	original := w

	if patch.Title != nil {
		if *patch.Title == "" {
			return w, ValidationError{Field: "title", Reason: "cannot be empty"}
		}
		w.Title = *patch.Title
	}
	if patch.Description != nil {
		w.Description = *patch.Description
	}
	if patch.Priority != nil {
		if !domain.ValidItemPriority(*patch.Priority) {
			return w, ValidationError{Field: "priority", Reason: "unknown value " + *patch.Priority}
		}
		w.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		w.AssigneeID = optionalString(*patch.AssigneeID)
	}
	if patch.ParentID != nil {
		if *patch.ParentID == "" {
			w.ParentID = nil
		} else {
			if _, err := s.Repo.GetItem(ctx, *patch.ParentID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return w, ValidationError{Field: "parent_id", Reason: "unknown item " + *patch.ParentID}
				}
				return w, err
			}
			if err := s.ensureNoParentCycle(ctx, *patch.ParentID, w.ID); err != nil {
				return w, err
			}
			w.ParentID = patch.ParentID
		}
	}
	if patch.EstimatedHours != nil {
		w.EstimatedHours = patch.EstimatedHours
	}
	if patch.ActualHours != nil {
		w.ActualHours = patch.ActualHours
	}
	if patch.DueDate != nil {
		w.DueDate = optionalString(*patch.DueDate)
	}
	if patch.Tags != nil {
		w.Tags = *patch.Tags
	}
	if patch.Metadata != nil {
		w.Metadata = patch.Metadata
	}
	now := s.now()
	if patch.Status != nil && *patch.Status != w.Status {
		if !domain.ValidItemStatus(*patch.Status) {
			return w, ValidationError{Field: "status", Reason: "unknown value " + *patch.Status}
		}
		if err := ensureStatusTransition(w.Status, *patch.Status); err != nil {
			return w, err
		}
		w.Status = *patch.Status
		// closed_at moves atomically with the terminal status set.
		if domain.StatusTerminal(w.Status) {
			closed := now
			w.ClosedAt = &closed
		} else {
			w.ClosedAt = nil
		}
	}
	w.UpdatedAt = now

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := s.Events.Append(ctx, tx, "item.updated", "work_item", w.ID, patch.ActorID, "", events.EventPayload{
		"from_status": original.Status,
		"to_status":   w.Status,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return s.Repo.GetItem(ctx, id)
}

func (s *Store) ListItems(ctx context.Context, f repo.ItemFilters) ([]domain.WorkItem, error) {
	return s.Repo.ListItems(ctx, f)
}

func (s *Store) DeleteItem(ctx context.Context, id, actorID string) error {
	s.Locks.Lock(id)
	defer s.Locks.Unlock(id)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.DeleteItem(ctx, tx, id); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "item.deleted", "work_item", id, actorID, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Link adds a typed relationship. Self-loops are rejected, exact duplicates
// conflict, and dependency edges are checked for cycles before insert.
func (s *Store) Link(ctx context.Context, sourceID, targetID, relType, description, actorID string) (domain.Relationship, error) {
	var rel domain.Relationship
	if !domain.ValidRelationship(relType) {
		return rel, ValidationError{Field: "relationship_type", Reason: "unknown value " + relType}
	}
	if sourceID == targetID {
		return rel, ValidationError{Field: "target_id", Reason: "self-loop not allowed"}
	}
	if _, err := s.Repo.GetItem(ctx, sourceID); err != nil {
		return rel, err
	}
	if _, err := s.Repo.GetItem(ctx, targetID); err != nil {
		return rel, err
	}

	dependency := relType == "depends_on" || relType == "blocks"
	if dependency {
		s.Locks.Lock(depGraphKey)
		defer s.Locks.Unlock(depGraphKey)
	} else {
		s.Locks.Lock(sourceID)
		defer s.Locks.Unlock(sourceID)
	}

	exists, err := s.Repo.RelationshipExists(ctx, sourceID, targetID, relType)
	if err != nil {
		return rel, err
	}
	if exists {
		return rel, ConflictError{SourceID: sourceID, TargetID: targetID, Type: relType}
	}
	if dependency {
		if err := s.ensureNoDependencyCycle(ctx, sourceID, targetID, relType); err != nil {
			return rel, err
		}
	}
	rel = domain.Relationship{
		SourceID:    sourceID,
		TargetID:    targetID,
		Type:        relType,
		Description: description,
		CreatedBy:   actorID,
		CreatedAt:   s.now(),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rel, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertRelationship(ctx, tx, rel); err != nil {
		return rel, err
	}
	if err := s.Events.Append(ctx, tx, "item.linked", "work_item", sourceID, actorID, "", events.EventPayload{
		"target_id": targetID, "relationship_type": relType,
	}); err != nil {
		return rel, err
	}
	if err := tx.Commit(); err != nil {
		return rel, err
	}
	return rel, nil
}

func (s *Store) Unlink(ctx context.Context, sourceID, targetID, relType, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.DeleteRelationship(ctx, tx, sourceID, targetID, relType); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "item.unlinked", "work_item", sourceID, actorID, "", events.EventPayload{
		"target_id": targetID, "relationship_type": relType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListRelationships(ctx context.Context, itemID string) ([]domain.Relationship, error) {
	if _, err := s.Repo.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return s.Repo.ListRelationships(ctx, itemID)
}

// Graph is the induced subgraph around one item.
type Graph struct {
	Items         []domain.WorkItem     `json:"items"`
	Relationships []domain.Relationship `json:"relationships"`
}

// GetGraph walks relationships breadth-first in both directions from itemID
// up to depth hops and returns the induced subgraph.
func (s *Store) GetGraph(ctx context.Context, itemID string, depth int) (Graph, error) {
	var g Graph
	root, err := s.Repo.GetItem(ctx, itemID)
	if err != nil {
		return g, err
	}
	if depth < 0 {
		depth = 0
	}
	visited := map[string]bool{root.ID: true}
	seenEdge := map[[3]string]bool{}
	g.Items = append(g.Items, root)
	frontier := []string{root.ID}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			rels, err := s.Repo.ListRelationships(ctx, id)
			if err != nil {
				return g, err
			}
			for _, rel := range rels {
				key := [3]string{rel.SourceID, rel.TargetID, rel.Type}
				if !seenEdge[key] {
					seenEdge[key] = true
					g.Relationships = append(g.Relationships, rel)
				}
				other := rel.TargetID
				if other == id {
					other = rel.SourceID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				item, err := s.Repo.GetItem(ctx, other)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						continue
					}
					return g, err
				}
				g.Items = append(g.Items, item)
				next = append(next, other)
			}
		}
		frontier = next
	}
	// Items on the outermost ring never had their own relationships listed,
	// so edges between two such items are still missing from the result.
	for _, id := range frontier {
		rels, err := s.Repo.ListRelationships(ctx, id)
		if err != nil {
			return g, err
		}
		for _, rel := range rels {
			if !visited[rel.SourceID] || !visited[rel.TargetID] {
				continue
			}
			key := [3]string{rel.SourceID, rel.TargetID, rel.Type}
			if !seenEdge[key] {
				seenEdge[key] = true
				g.Relationships = append(g.Relationships, rel)
			}
		}
	}
	return g, nil
}

// ensureNoParentCycle climbs the parent chain from parentID and rejects the
// assignment if it passes through childID.
func (s *Store) ensureNoParentCycle(ctx context.Context, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		if cur == childID {
			return CycleError{SourceID: childID, TargetID: parentID}
		}
		item, err := s.Repo.GetItem(ctx, cur)
		if err != nil {
			return err
		}
		if item.ParentID == nil {
			return nil
		}
		cur = *item.ParentID
	}
	return nil
}

// ensureNoDependencyCycle checks reachability from the candidate edge's
// dependency target back to its source over existing depends_on/blocks
// edges. blocks is the inverse dependency direction.
func (s *Store) ensureNoDependencyCycle(ctx context.Context, sourceID, targetID, relType string) error {
	from, to := sourceID, targetID
	if relType == "blocks" {
		from, to = targetID, sourceID
	}
	edges, err := s.Repo.DependencyEdges(ctx)
	if err != nil {
		return err
	}
	// Adding from->to closes a cycle iff from is already reachable from to.
	visited := map[string]bool{}
	queue := []string{to}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == from {
			return CycleError{SourceID: sourceID, TargetID: targetID}
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		queue = append(queue, edges[cur]...)
	}
	return nil
}

// ensureStatusTransition enforces the item lifecycle:
// open -> in_progress -> {blocked <-> in_progress} -> closed, cancelled from
// any non-terminal state, and explicit re-open out of the terminal states.
func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "open":
		if newStatus == "in_progress" || newStatus == "cancelled" {
			return nil
		}
	case "in_progress":
		if newStatus == "blocked" || newStatus == "closed" || newStatus == "cancelled" {
			return nil
		}
	case "blocked":
		if newStatus == "in_progress" || newStatus == "cancelled" {
			return nil
		}
	case "closed", "cancelled":
		if newStatus == "open" {
			return nil
		}
	}
	return TransitionError{From: oldStatus, To: newStatus}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
