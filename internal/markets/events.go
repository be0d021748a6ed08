package markets

import (
	"context"

	"github.com/google/uuid"
)

// EventsChannel is the pub/sub channel engine events are published on.
const EventsChannel = "pm15:events"

const (
	EventMarketCreated   = "market.created"
	EventBetPlaced       = "bet.placed"
	EventMarketClosed    = "market.closed"
	EventMarketResolved  = "market.resolved"
	EventMarketCancelled = "market.cancelled"
	EventPositionClaimed = "position.claimed"
	EventFeesWithdrawn   = "fees.withdrawn"
)

// Event describes a committed state change.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Timestamp   int64     `json:"timestamp"`
	Market      *Market   `json:"market,omitempty"`
	Position    *Position `json:"position,omitempty"`
	Participant string    `json:"participant,omitempty"`
	Side        *Side     `json:"side,omitempty"`
	Amount      uint64    `json:"amount,omitempty"`
	Fee         uint64    `json:"fee,omitempty"`
}

// publish is best effort: the state change has already committed.
func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = e.now().Unix()
	if err := e.events.Publish(ctx, EventsChannel, ev); err != nil {
		e.logger.Warnw("Failed to publish event", "type", ev.Type, "error", err)
	}
}
