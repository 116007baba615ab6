package deal

import (
	"sort"
	"sync"
	"time"
)

const (
	EventTypeDealCreated      = "deal.created"
	EventTypeCarrierAccepted  = "deal.carrier_accepted"
	EventTypeSigned           = "deal.signed"
	EventTypeEscrowLocked     = "deal.escrow_locked"
	EventTypeEscrowPayout     = "deal.escrow_payout"
	EventTypeReadyToFinalize  = "deal.ready_to_finalize"
	EventTypePaidOut          = "deal.paid_out"
	EventTypeDisputed         = "deal.disputed"
	EventTypeDeadlineExtended = "deal.deadline_extended"
	EventTypePayoutStalled    = "deal.payout_stalled"
	EventTypeBatchListed      = "batch.listed"
	EventTypeCustodyChanged   = "batch.custody_changed"
)

// Event is a lifecycle change recorded against a deal or batch. Attributes
// carry string encoded values only so the payload can be stored and published
// without further schema.
type Event struct {
	Type       string
	DealID     string
	BatchID    string
	At         time.Time
	Attributes map[string]string
}

// EventType returns the event discriminator.
func (e Event) EventType() string { return e.Type }

// AttributeKeys returns the attribute names in stable order.
func (e Event) AttributeKeys() []string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StatusChangeEvent returns the event emitted when status moves from prev to
// next, or false when nothing worth announcing happened.
func StatusChangeEvent(dealID string, prev, next Status, at time.Time) (Event, bool) {
	if prev == next {
		return Event{}, false
	}
	var typ string
	switch next {
	case StatusReadyToFinalize:
		typ = EventTypeReadyToFinalize
	case StatusPaidOut:
		typ = EventTypePaidOut
	case StatusDisputed:
		typ = EventTypeDisputed
	default:
		return Event{}, false
	}
	return Event{
		Type:   typ,
		DealID: dealID,
		At:     at,
		Attributes: map[string]string{
			"from": string(prev),
			"to":   string(next),
		},
	}, true
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans an event out to every wrapped emitter in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Recorder keeps every emitted event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
