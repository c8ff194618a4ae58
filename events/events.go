// Package events provides the in-process lifecycle event bus. Every
// committed bounty transition is published here; the server's SSE
// stream and anything else interested subscribe. Delivery is best
// effort and in-memory only; durable webhook delivery is a separate
// layer's job.
package events

import "time"

// Type identifies the kind of lifecycle event.
type Type string

const (
	AgentRegistered Type = "agent.registered"
	BountyCreated   Type = "bounty.created"
	BountyClaimed   Type = "bounty.claimed"
	BountySubmitted Type = "bounty.submitted"
	BountyPaid      Type = "bounty.paid"
	BountyRejected  Type = "bounty.rejected"
	BountyDisputed  Type = "bounty.disputed"
	BountyResolved  Type = "bounty.resolved"
	BountyCancelled Type = "bounty.cancelled"
	BountyExpired   Type = "bounty.expired"
)

// Event is one committed lifecycle transition.
type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	BountyID uint64    `json:"bounty_id,omitempty"`
	AgentID  uint64    `json:"agent_id,omitempty"`
	At       time.Time `json:"at"`
	Detail   string    `json:"detail,omitempty"`
}

// Handler receives published events.
type Handler func(Event)
