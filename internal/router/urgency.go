package router

import (
	"time"

	"github.com/carelink-protocol/carelink/pkg/a2a"
)

// UrgencyClass binds an urgency level to its queue priority and the deadline
// a handler gets for messages at that level.
type UrgencyClass struct {
	Level          a2a.Urgency
	Priority       int
	HandlerTimeout time.Duration
}

// DefaultUrgencyTable returns the scheduling table ordered highest priority
// first. Workers drain queues in this order; a lower queue is only consulted
// when every higher one is empty at poll time.
func DefaultUrgencyTable() []UrgencyClass {
	return []UrgencyClass{
		{Level: a2a.UrgencyEmergency, Priority: 4, HandlerTimeout: 5 * time.Second},
		{Level: a2a.UrgencyCritical, Priority: 3, HandlerTimeout: 10 * time.Second},
		{Level: a2a.UrgencyHigh, Priority: 2, HandlerTimeout: 30 * time.Second},
		{Level: a2a.UrgencyMedium, Priority: 1, HandlerTimeout: 60 * time.Second},
		{Level: a2a.UrgencyLow, Priority: 0, HandlerTimeout: 120 * time.Second},
	}
}
