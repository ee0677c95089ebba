// Package envelope implements the Message Envelope (C2): construction
// validation and the hop-count-incrementing forward operation the Message
// Bus (bus package) uses on every route.
package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/tier"
)

// MaxHopCount is the absolute cap on hop count (§3.3): a message at this
// count is rejected, never forwarded.
const MaxHopCount = 5

// MessageType enumerates the envelope's type discriminator.
type MessageType string

const (
	TypeIntent         MessageType = "intent"
	TypeDelegation     MessageType = "delegation"
	TypeEscalation     MessageType = "escalation"
	TypeVoteProposal   MessageType = "vote_proposal"
	TypeVoteCast       MessageType = "vote_cast"
	TypeNotification   MessageType = "notification"
	TypeKnowledgeShare MessageType = "knowledge_share"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeLiquidation    MessageType = "liquidation"
)

// Priority enumerates envelope priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Enrichment holds the optional semantic/constitutional attachments the
// Semantic Context Store (semantic package) adds via enrich(); it never
// mutates the envelope's original content.
type Enrichment struct {
	SemanticHits          []string
	ConstitutionArticles  []string
}

// Envelope is an immutable message record. Every field is set at
// construction or by Forward, WithEnrichment or WithCorrelationID, each
// of which returns a new Envelope rather than mutating the receiver.
type Envelope struct {
	MessageID     string
	CorrelationID string

	SenderID    string
	RecipientID string
	Direction   tier.Direction

	Type    MessageType
	Payload []byte
	Content string

	Enrichment *Enrichment

	Priority     Priority
	TTLSeconds   int
	Timestamp    time.Time
	HopCount     int
	RequiresAck  bool
}

// New constructs an Envelope, validating sender/recipient id format, TTL
// positivity, and that hop count starts below the cap. Hop count always
// starts at 0 for a freshly constructed envelope.
func New(senderID, recipientID string, direction tier.Direction, msgType MessageType, content string, payload []byte, priority Priority, ttlSeconds int) (*Envelope, error) {
	if recipientID != tier.BroadcastRecipient {
		if _, err := tier.TierOf(recipientID); err != nil {
			return nil, core.WrapID("envelope.New", "hierarchy", recipientID, err)
		}
	}
	if _, err := tier.TierOf(senderID); err != nil {
		return nil, core.WrapID("envelope.New", "hierarchy", senderID, err)
	}
	if ttlSeconds <= 0 {
		return nil, core.Wrap("envelope.New", "config", core.ErrInvalidConfiguration)
	}

	return &Envelope{
		MessageID:   uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Direction:   direction,
		Type:        msgType,
		Payload:     payload,
		Content:     content,
		Priority:    priority,
		TTLSeconds:  ttlSeconds,
		Timestamp:   time.Now().UTC(),
		HopCount:    0,
	}, nil
}

// Forward produces a new Envelope with hop count incremented by one,
// leaving the receiver untouched, mirroring the spec's "never mutated in
// place" invariant. Returns core.ErrHopCountExceeded if the receiver is
// already at the cap.
func (e *Envelope) Forward() (*Envelope, error) {
	if e.HopCount >= MaxHopCount {
		return nil, core.WrapID("envelope.Forward", "hierarchy", e.MessageID, core.ErrHopCountExceeded)
	}
	next := *e
	next.HopCount = e.HopCount + 1
	return &next, nil
}

// WithEnrichment returns a copy of e with Enrichment set, leaving the
// receiver untouched; enrich() never alters original content per §4.4.
func (e *Envelope) WithEnrichment(enr *Enrichment) *Envelope {
	next := *e
	next.Enrichment = enr
	return &next
}

// WithCorrelationID returns a copy of e with CorrelationID set.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	next := *e
	next.CorrelationID = id
	return &next
}

// Expired reports whether the envelope's TTL has elapsed since Timestamp.
func (e *Envelope) Expired(now time.Time) bool {
	return now.After(e.Timestamp.Add(time.Duration(e.TTLSeconds) * time.Second))
}
