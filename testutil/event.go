package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/eventsrc"
)

const PingedEventType = "TestPinged"

// Pinged is a minimal event for exercising ledgers and relays.
type Pinged struct {
	Seq int `json:"seq"`
}

func (e *Pinged) EventType() string { return PingedEventType }

func init() {
	eventsrc.RegisterEvent(PingedEventType, func() eventsrc.Event { return &Pinged{} })
}

// Record builds the ledger record of a Pinged event at the given version.
func Record(aggregateID uuid.UUID, version int, tag string) eventsrc.Record {
	rec, err := eventsrc.EncodeEvent("tests", aggregateID, version, eventsrc.WithTag(&Pinged{Seq: version}, tag))
	if err != nil {
		panic(err)
	}
	rec.Ts = rec.Ts.Truncate(time.Microsecond)
	return rec
}
