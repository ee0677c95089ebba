// Package tier implements the Hierarchy Validator (C1): a pure, stateless
// predicate over agent identifiers and routing direction. Its only
// dependency is core, for error wrapping — the spec calls it out as a
// pure function of (parent.tier, child.tier), and it stays that way here.
package tier

import (
	"strconv"

	"github.com/agentium/governance-core/core"
)

// Tier is the numeric rank derived from an agent id's first digit.
type Tier int

const (
	TierHead    Tier = 0
	TierCouncil Tier = 1
	TierLead    Tier = 2
	TierTask    Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierHead:
		return "head"
	case TierCouncil:
		return "council"
	case TierLead:
		return "lead"
	case TierTask:
		return "task"
	default:
		return "unknown"
	}
}

// Direction is the relative routing direction between sender and recipient.
type Direction string

const (
	DirectionUp        Direction = "up"
	DirectionDown      Direction = "down"
	DirectionLateral   Direction = "lateral"
	DirectionBroadcast Direction = "broadcast"
)

// BroadcastRecipient is the sentinel destination meaning "every subordinate
// tier", valid only as a recipient and only when the sender is Head.
const BroadcastRecipient = "broadcast"

// HeadID is the single Head agent's fixed identifier.
const HeadID = "00001"

// AgentIDLength is the fixed width of every tiered agent identifier.
const AgentIDLength = 5

// TierOf derives an agent's tier from the first digit of its id. Returns an
// error if id isn't a 5-character decimal string.
func TierOf(id string) (Tier, error) {
	if len(id) != AgentIDLength {
		return 0, core.WrapID("tier.TierOf", "hierarchy", id, errInvalidAgentID)
	}
	digit, err := strconv.Atoi(id[:1])
	if err != nil {
		return 0, core.WrapID("tier.TierOf", "hierarchy", id, errInvalidAgentID)
	}
	t := Tier(digit)
	if t < TierHead || t > TierTask {
		return 0, core.WrapID("tier.TierOf", "hierarchy", id, errInvalidAgentID)
	}
	return t, nil
}

var errInvalidAgentID = core.ErrInvalidConfiguration

// CanSpawn reports whether a parent of tier parentTier may spawn a child of
// tier childTier: Head -> Council/Lead, Lead -> Task. Council may not
// spawn; Task may not spawn.
func CanSpawn(parentTier, childTier Tier) bool {
	switch parentTier {
	case TierHead:
		return childTier == TierCouncil || childTier == TierLead
	case TierLead:
		return childTier == TierTask
	default:
		return false
	}
}

// CanRoute implements the Hierarchy Validator's can_route predicate: given
// a sender id, recipient id, and claimed direction, reports whether the
// routing is permitted.
//
//   - recipient == broadcast: only the Head may address it.
//   - up: only adjacent descending tiers (Task->Lead, Lead->Council,
//     Council->Head); skipping a tier is forbidden.
//   - down: only the immediately lower tier; skipping is forbidden.
//   - lateral: only equal tiers.
func CanRoute(fromID, toID string, direction Direction) bool {
	if toID == BroadcastRecipient {
		return direction == DirectionBroadcast && fromID == HeadID
	}

	fromTier, err := TierOf(fromID)
	if err != nil {
		return false
	}
	toTier, err := TierOf(toID)
	if err != nil {
		return false
	}

	switch direction {
	case DirectionUp:
		return int(fromTier)-int(toTier) == 1
	case DirectionDown:
		return int(toTier)-int(fromTier) == 1
	case DirectionLateral:
		return fromTier == toTier
	default:
		return false
	}
}
