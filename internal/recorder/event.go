package recorder

import (
	"time"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
)

// Kind identifies what an Event carries.
type Kind string

const (
	KindDecision Kind = "decision"
	KindBreaker  Kind = "breaker"
	KindAccess   Kind = "access"
)

// Event is one journal entry. Exactly one of Decision, Breaker or Access is set.
type Event struct {
	ID       string              `json:"id"`
	Time     time.Time           `json:"time"`
	Kind     Kind                `json:"kind"`
	Decision *DecisionRecord     `json:"decision,omitempty"`
	Breaker  *breaker.Transition `json:"breaker,omitempty"`
	Access   *access.Change      `json:"access,omitempty"`
}

// DecisionRecord pairs an admission request with the decision it produced.
type DecisionRecord struct {
	Request  admission.Request  `json:"request"`
	Decision admission.Decision `json:"decision"`
}

// DecisionEvent builds a journal entry for an admission decision.
func DecisionEvent(at time.Time, req admission.Request, d admission.Decision) Event {
	return Event{
		ID:       uuid.NewString(),
		Time:     at,
		Kind:     KindDecision,
		Decision: &DecisionRecord{Request: req, Decision: d},
	}
}

// BreakerEvent builds a journal entry for a breaker state change.
func BreakerEvent(t breaker.Transition) Event {
	return Event{
		ID:      uuid.NewString(),
		Time:    t.At,
		Kind:    KindBreaker,
		Breaker: &t,
	}
}

// AccessEvent builds a journal entry for a list mutation.
func AccessEvent(at time.Time, c access.Change) Event {
	return Event{
		ID:     uuid.NewString(),
		Time:   at,
		Kind:   KindAccess,
		Access: &c,
	}
}
