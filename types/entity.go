// Package types provides money and timestamp types shared across tally.
package types

import "time"

// Entity carries the creation and last-mutation times of a stored record.
// Times are UTC.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates an Entity stamped with the wall clock.
func NewEntity() Entity {
	return NewEntityAt(time.Now())
}

// NewEntityAt creates an Entity stamped with at, for callers that carry
// their own clock.
func NewEntityAt(at time.Time) Entity {
	at = at.UTC()
	return Entity{CreatedAt: at, UpdatedAt: at}
}

// Touch records a mutation at the given time. UpdatedAt never moves
// backwards, so a skewed clock cannot reorder a record's history.
func (e *Entity) Touch(at time.Time) {
	at = at.UTC()
	if at.After(e.UpdatedAt) {
		e.UpdatedAt = at
	}
}
