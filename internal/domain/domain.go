package domain

// Work item enums. These are closed sets; the store rejects anything else.

var ItemTypes = []string{"task", "bug", "feature", "epic", "story", "issue", "pull_request", "commit", "test", "deployment", "job"}

var ItemStatuses = []string{"open", "in_progress", "blocked", "closed", "cancelled"}

var ItemPriorities = []string{"low", "medium", "high", "critical"}

var RelationshipTypes = []string{"depends_on", "blocks", "relates_to", "duplicates", "parent_of", "child_of"}

type WorkItem struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Type           string         `json:"type" enum:"task,bug,feature,epic,story,issue,pull_request,commit,test,deployment,job"`
	Status         string         `json:"status" enum:"open,in_progress,blocked,closed,cancelled"`
	Priority       string         `json:"priority" enum:"low,medium,high,critical"`
	AssigneeID     *string        `json:"assignee_id,omitempty"`
	ReporterID     string         `json:"reporter_id"`
	ParentID       *string        `json:"parent_id,omitempty"`
	EstimatedHours *float64       `json:"estimated_hours,omitempty"`
	ActualHours    *float64       `json:"actual_hours,omitempty"`
	DueDate        *string        `json:"due_date,omitempty" format:"date-time"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	ClosedAt       *string        `json:"closed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the item status admits no further transitions
// except an explicit re-open.
func (w WorkItem) Terminal() bool {
	return StatusTerminal(w.Status)
}

func StatusTerminal(status string) bool {
	return status == "closed" || status == "cancelled"
}

type Relationship struct {
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id"`
	Type        string `json:"relationship_type" enum:"depends_on,blocks,relates_to,duplicates,parent_of,child_of"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Action is one de-duplicated external-collaborator call. The pair
// (Type, IdempotencyKey) identifies the effect; replays return the stored
// outcome instead of calling out again.
type Action struct {
	ID             string         `json:"id"`
	Type           string         `json:"action_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         string         `json:"status" enum:"pending,succeeded,failed"`
	Input          map[string]any `json:"input,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	StartedAt      *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"event_type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	ActionID   string `json:"action_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Step is one pipeline step of a job. Steps run strictly in Position order.
type Step struct {
	JobID      string         `json:"job_id"`
	Name       string         `json:"name"`
	Position   int            `json:"position"`
	Status     string         `json:"status" enum:"pending,running,succeeded,failed"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *string        `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string        `json:"finished_at,omitempty" format:"date-time"`
}

// JobStatus is the polling view of one pipeline run: the job work item's
// derived pipeline status plus the ordered step list.
type JobStatus struct {
	JobID  string `json:"job_id"`
	Status string `json:"status" enum:"queued,running,succeeded,failed,cancelled"`
	Steps  []Step `json:"steps"`
}

// DeriveJobStatus computes the overall pipeline status from the step list
// and the job work item's own status. Cancellation wins; otherwise the job
// is failed as soon as any step failed, succeeded only when every step
// succeeded, queued while nothing has started.
func DeriveJobStatus(itemStatus string, steps []Step) string {
	if itemStatus == "cancelled" {
		return "cancelled"
	}
	allSucceeded := len(steps) > 0
	started := false
	for _, s := range steps {
		switch s.Status {
		case "failed":
			return "failed"
		case "succeeded":
			started = true
		case "running":
			started = true
			allSucceeded = false
		default:
			allSucceeded = false
		}
	}
	if allSucceeded {
		return "succeeded"
	}
	if started || itemStatus == "in_progress" {
		return "running"
	}
	return "queued"
}

func ValidItemType(v string) bool     { return contains(ItemTypes, v) }
func ValidItemStatus(v string) bool   { return contains(ItemStatuses, v) }
func ValidItemPriority(v string) bool { return contains(ItemPriorities, v) }
func ValidRelationship(v string) bool { return contains(RelationshipTypes, v) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
