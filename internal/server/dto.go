package server

// Request payloads

type CreateItemRequest struct {
	Title          string         `json:"title"`
	Description    *string        `json:"description,omitempty"`
	Type           string         `json:"type,omitempty" enum:"task,bug,feature,epic,story,issue,pull_request,commit,test,deployment,job"`
	Status         string         `json:"status,omitempty" enum:"open,in_progress,blocked,closed,cancelled"`
	Priority       string         `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssigneeID     *string        `json:"assignee_id,omitempty"`
	ReporterID     *string        `json:"reporter_id,omitempty"`
	ParentID       *string        `json:"parent_id,omitempty"`
	EstimatedHours *float64       `json:"estimated_hours,omitempty"`
	DueDate        *string        `json:"due_date,omitempty" format:"date-time"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type UpdateItemRequest struct {
	Title          *string        `json:"title,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Status         *string        `json:"status,omitempty" enum:"open,in_progress,blocked,closed,cancelled"`
	Priority       *string        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssigneeID     *string        `json:"assignee_id,omitempty"`
	ParentID       *string        `json:"parent_id,omitempty"`
	EstimatedHours *float64       `json:"estimated_hours,omitempty"`
	ActualHours    *float64       `json:"actual_hours,omitempty"`
	DueDate        *string        `json:"due_date,omitempty" format:"date-time"`
	Tags           *[]string      `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type CreateRelationshipRequest struct {
	TargetID    string  `json:"target_id"`
	Type        string  `json:"relationship_type" enum:"depends_on,blocks,relates_to,duplicates,parent_of,child_of"`
	Description *string `json:"description,omitempty"`
}

type ExecuteActionRequest struct {
	ActionType     string         `json:"action_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Input          map[string]any `json:"input,omitempty"`
	RetryFailed    bool           `json:"retry_failed,omitempty"`
}

type EmitEventRequest struct {
	EventType  string         `json:"event_type"`
	EntityKind string         `json:"entity_kind,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type StartPipelineRequest struct {
	IdeaReference string `json:"idea_reference"`
	Title         string `json:"title,omitempty"`
}
