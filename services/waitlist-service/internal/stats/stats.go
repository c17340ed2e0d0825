// Package stats counts the outcomes of signup requests.
//
// Recording is best-effort: callers log a failed Record and carry on.
package stats

import (
	"context"
	"time"

	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
)

type Outcome string

const (
	Success     Outcome = "success"
	Invalid     Outcome = "validation"
	Duplicate   Outcome = "duplicate"
	Unavailable Outcome = "unavailable"
	Failed      Outcome = "internal"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{Success, Invalid, Duplicate, Unavailable, Failed}

// OutcomeOf maps the result of a signup to the counter it increments.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Success
	}
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return Invalid
	case apperr.Duplicate:
		return Duplicate
	case apperr.ServerSelection, apperr.Network:
		return Unavailable
	default:
		return Failed
	}
}

type Event struct {
	Outcome Outcome
	At      time.Time
}

// Snapshot holds cumulative counters keyed by outcome. Every outcome is
// present, zero or not.
type Snapshot map[Outcome]int64

func newSnapshot() Snapshot {
	s := make(Snapshot, len(Outcomes))
	for _, o := range Outcomes {
		s[o] = 0
	}
	return s
}

type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Snapshot(ctx context.Context) (Snapshot, error)
}
