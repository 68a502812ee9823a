package store

import "fmt"

// ValidationError rejects bad input before any effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError reports an exact duplicate relationship triple.
type ConflictError struct {
	SourceID string
	TargetID string
	Type     string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("relationship %s -> %s (%s) already exists", e.SourceID, e.TargetID, e.Type)
}

// CycleError reports that a write would make the dependency graph (or the
// parent chain) cyclic. The write is rejected and the graph left unchanged.
type CycleError struct {
	SourceID string
	TargetID string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("edge %s -> %s would create a dependency cycle", e.SourceID, e.TargetID)
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
