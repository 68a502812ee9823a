package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"devflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const itemColumns = `id,title,description,type,status,priority,assignee_id,reporter_id,parent_id,estimated_hours,actual_hours,due_date,tags_json,metadata_json,created_at,updated_at,closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var description, assigneeID, parentID, dueDate, tagsJSON, metadataJSON, closedAt sql.NullString
	var estimated, actual sql.NullFloat64
	err := row.Scan(&w.ID, &w.Title, &description, &w.Type, &w.Status, &w.Priority, &assigneeID, &w.ReporterID,
		&parentID, &estimated, &actual, &dueDate, &tagsJSON, &metadataJSON, &w.CreatedAt, &w.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	if assigneeID.Valid {
		w.AssigneeID = &assigneeID.String
	}
	if parentID.Valid {
		w.ParentID = &parentID.String
	}
	if estimated.Valid {
		w.EstimatedHours = &estimated.Float64
	}
	if actual.Valid {
		w.ActualHours = &actual.Float64
	}
	if dueDate.Valid {
		w.DueDate = &dueDate.String
	}
	if closedAt.Valid {
		w.ClosedAt = &closedAt.String
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &w.Tags); err != nil {
			return w, fmt.Errorf("decode tags for %s: %w", w.ID, err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &w.Metadata); err != nil {
			return w, fmt.Errorf("decode metadata for %s: %w", w.ID, err)
		}
	}
	return w, nil
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMetadata(md map[string]any) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	tags, err := marshalTags(w.Tags)
	if err != nil {
		return err
	}
	md, err := marshalMetadata(w.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Title, nullable(w.Description), w.Type, w.Status, w.Priority, nullableStringPtr(w.AssigneeID), w.ReporterID,
		nullableStringPtr(w.ParentID), nullableFloatPtr(w.EstimatedHours), nullableFloatPtr(w.ActualHours),
		nullableStringPtr(w.DueDate), tags, md, w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.ClosedAt))
	return err
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	tags, err := marshalTags(w.Tags)
	if err != nil {
		return err
	}
	md, err := marshalMetadata(w.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET title=?, description=?, type=?, status=?, priority=?, assignee_id=?, parent_id=?, estimated_hours=?, actual_hours=?, due_date=?, tags_json=?, metadata_json=?, updated_at=?, closed_at=? WHERE id=?`,
		w.Title, nullable(w.Description), w.Type, w.Status, w.Priority, nullableStringPtr(w.AssigneeID),
		nullableStringPtr(w.ParentID), nullableFloatPtr(w.EstimatedHours), nullableFloatPtr(w.ActualHours),
		nullableStringPtr(w.DueDate), tags, md, w.UpdatedAt, nullableStringPtr(w.ClosedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
}

func (r Repo) DeleteItem(ctx context.Context, tx *sql.Tx, id string) error {
	// Relationship rows go with the item via ON DELETE CASCADE.
	res, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ItemFilters struct {
	Type       string
	Status     string
	Priority   string
	AssigneeID string
	ParentID   string
	ReporterID string
	Tag        string
	Limit      int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.ReporterID != "" {
		clauses = append(clauses, "reporter_id=?")
		args = append(args, f.ReporterID)
	}
	if f.Tag != "" {
		// tags_json is a JSON array; match the quoted element.
		clauses = append(clauses, "tags_json LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) InsertRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO relationships(source_id,target_id,relationship_type,description,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		rel.SourceID, rel.TargetID, rel.Type, nullable(rel.Description), rel.CreatedBy, rel.CreatedAt)
	return err
}

func (r Repo) DeleteRelationship(ctx context.Context, tx *sql.Tx, sourceID, targetID, relType string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source_id=? AND target_id=? AND relationship_type=?`, sourceID, targetID, relType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RelationshipExists(ctx context.Context, sourceID, targetID, relType string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM relationships WHERE source_id=? AND target_id=? AND relationship_type=?`, sourceID, targetID, relType).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanRelationships(rows *sql.Rows) ([]domain.Relationship, error) {
	var res []domain.Relationship
	for rows.Next() {
		var rel domain.Relationship
		var description sql.NullString
		if err := rows.Scan(&rel.SourceID, &rel.TargetID, &rel.Type, &description, &rel.CreatedBy, &rel.CreatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			rel.Description = description.String
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

// ListRelationships returns every edge touching the item, both directions.
func (r Repo) ListRelationships(ctx context.Context, itemID string) ([]domain.Relationship, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT source_id,target_id,relationship_type,description,created_by,created_at FROM relationships WHERE source_id=? OR target_id=? ORDER BY created_at, source_id`, itemID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// DependencyEdges returns the depends_on/blocks edges normalized to
// "source depends on target" direction, for reachability checks.
func (r Repo) DependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT source_id,target_id,relationship_type FROM relationships WHERE relationship_type IN ('depends_on','blocks')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	edges := map[string][]string{}
	for rows.Next() {
		var src, tgt, relType string
		if err := rows.Scan(&src, &tgt, &relType); err != nil {
			return nil, err
		}
		if relType == "blocks" {
			// A blocks B means B depends on A.
			src, tgt = tgt, src
		}
		edges[src] = append(edges[src], tgt)
	}
	return edges, rows.Err()
}

const actionColumns = `id,action_type,idempotency_key,status,input_json,result_json,error,created_at,started_at,completed_at`

func scanAction(row rowScanner) (domain.Action, error) {
	var a domain.Action
	var input, result, errMsg, startedAt, completedAt sql.NullString
	err := row.Scan(&a.ID, &a.Type, &a.IdempotencyKey, &a.Status, &input, &result, &errMsg, &a.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &a.Input); err != nil {
			return a, fmt.Errorf("decode action input for %s: %w", a.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &a.Result); err != nil {
			return a, fmt.Errorf("decode action result for %s: %w", a.ID, err)
		}
	}
	if errMsg.Valid {
		a.Error = errMsg.String
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, a domain.Action) error {
	input, err := marshalMetadata(a.Input)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO actions(id,action_type,idempotency_key,status,input_json,created_at,started_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.IdempotencyKey, a.Status, input, a.CreatedAt, nullableStringPtr(a.StartedAt))
	return err
}

// CompleteAction records the terminal outcome of a pending action.
func (r Repo) CompleteAction(ctx context.Context, a domain.Action) error {
	result, err := marshalMetadata(a.Result)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=?, result_json=?, error=?, completed_at=? WHERE id=?`,
		a.Status, result, nullable(a.Error), nullableStringPtr(a.CompletedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetAction returns a failed action to pending ahead of an explicit retry.
func (r Repo) ResetAction(ctx context.Context, id, startedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE actions SET status='pending', result_json=NULL, error=NULL, started_at=?, completed_at=NULL WHERE id=?`, startedAt, id)
	return err
}

func (r Repo) GetAction(ctx context.Context, actionType, idempotencyKey string) (domain.Action, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE action_type=? AND idempotency_key=?`, actionType, idempotencyKey))
}

func (r Repo) GetActionByID(ctx context.Context, id string) (domain.Action, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

type ActionFilters struct {
	Type   string
	Status string
	Limit  int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + actionColumns + ` FROM actions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	After      int64
	Limit      int

	// ascending forces oldest-first order even when After is zero.
	ascending bool
}

// EventsAfter returns up to limit events with id greater than after, in
// ascending id order. Webhook delivery cursors rely on this ordering.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.ListEvents(ctx, EventFilters{After: after, Limit: limit, ascending: true})
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	order := "DESC"
	if f.After > 0 || f.ascending {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id,ts,event_type,entity_kind,entity_id,actor_id,action_id,payload_json FROM events WHERE %s ORDER BY id %s LIMIT ?`,
		strings.Join(clauses, " AND "), order)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, actionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &actionID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if actionID.Valid {
			e.ActionID = actionID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
