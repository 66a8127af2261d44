package rooms

import (
	"encoding/json"

	"github.com/mxhs/homeserver/pdu"
)

// authEvents bundles the events selected by spec §4.4 step 2 that
// together gate whether a candidate PDU may be appended.
type authEvents struct {
	create       *pdu.PDU
	powerLevels  *pdu.PDU
	joinRules    *pdu.PDU
	senderMember *pdu.PDU
	targetMember *pdu.PDU
}

type powerLevelsContent struct {
	Ban           *int           `json:"ban,omitempty"`
	Kick          *int           `json:"kick,omitempty"`
	Redact        *int           `json:"redact,omitempty"`
	Invite        *int           `json:"invite,omitempty"`
	EventsDefault *int           `json:"events_default,omitempty"`
	StateDefault  *int           `json:"state_default,omitempty"`
	UsersDefault  *int           `json:"users_default,omitempty"`
	Events        map[string]int `json:"events,omitempty"`
	Users         map[string]int `json:"users,omitempty"`
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func (c powerLevelsContent) levelFor(userID, creatorID string) int {
	if lvl, ok := c.Users[userID]; ok {
		return lvl
	}
	if userID == creatorID {
		return 100
	}
	return intOr(c.UsersDefault, 0)
}

func (c powerLevelsContent) requiredFor(eventType string, isState bool) int {
	if lvl, ok := c.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return intOr(c.StateDefault, 50)
	}
	return intOr(c.EventsDefault, 0)
}

func decodePowerLevels(p *pdu.PDU) powerLevelsContent {
	var c powerLevelsContent
	if p != nil && len(p.Content) > 0 {
		_ = json.Unmarshal(p.Content, &c)
	}
	return c
}

type joinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

func decodeJoinRule(p *pdu.PDU) string {
	if p == nil {
		return "invite"
	}
	var c joinRulesContent
	if len(p.Content) > 0 {
		_ = json.Unmarshal(p.Content, &c)
	}
	if c.JoinRule == "" {
		return "invite"
	}
	return c.JoinRule
}

type memberContent struct {
	Membership string `json:"membership"`
}

func decodeMembership(p *pdu.PDU) string {
	if p == nil {
		return "leave"
	}
	var c memberContent
	if len(p.Content) > 0 {
		_ = json.Unmarshal(p.Content, &c)
	}
	return c.Membership
}

type createContent struct {
	Creator string `json:"creator"`
}

func decodeCreator(p *pdu.PDU) string {
	if p == nil {
		return ""
	}
	var c createContent
	if len(p.Content) > 0 {
		_ = json.Unmarshal(p.Content, &c)
	}
	return c.Creator
}

// authorize runs a simplified Matrix authorization check against the
// selected auth events (spec §4.4 step 4). It returns false rather
// than an error for a rejected event; the caller maps that to
// Forbidden.
func authorize(candidate *pdu.PDU, aux authEvents) bool {
	if candidate.Kind == pdu.TypeCreate {
		// The create event authorizes itself: it must be the room's
		// first event (no prior create event recorded).
		return aux.create == nil
	}
	if aux.create == nil {
		return false
	}
	creator := decodeCreator(aux.create)
	pls := decodePowerLevels(aux.powerLevels)
	senderLevel := pls.levelFor(candidate.Sender, creator)

	if candidate.Kind == pdu.TypeMember {
		return authorizeMembership(candidate, aux, creator, pls, senderLevel)
	}

	required := pls.requiredFor(candidate.Kind, candidate.IsState())
	return senderLevel >= required
}

func authorizeMembership(candidate *pdu.PDU, aux authEvents, creator string, pls powerLevelsContent, senderLevel int) bool {
	if candidate.StateKey == nil {
		return false
	}
	target := *candidate.StateKey
	newMembership := decodeMembership(candidate)
	currentTarget := decodeMembership(aux.targetMember)
	currentSender := decodeMembership(aux.senderMember)

	switch newMembership {
	case pdu.MembershipJoin:
		if target != candidate.Sender {
			return false
		}
		if currentTarget == pdu.MembershipBan {
			return false
		}
		switch decodeJoinRule(aux.joinRules) {
		case "public":
			return true
		case "invite":
			return currentTarget == pdu.MembershipInvite || target == creator
		default:
			return false
		}
	case pdu.MembershipInvite:
		if currentSender != pdu.MembershipJoin {
			return false
		}
		if currentTarget == pdu.MembershipBan || currentTarget == pdu.MembershipJoin {
			return false
		}
		return senderLevel >= intOr(pls.Invite, 0)
	case pdu.MembershipLeave:
		if target == candidate.Sender {
			return currentTarget != pdu.MembershipBan
		}
		// Kick.
		targetLevel := pls.levelFor(target, creator)
		return currentSender == pdu.MembershipJoin && senderLevel >= intOr(pls.Kick, 50) && senderLevel > targetLevel
	case pdu.MembershipBan:
		targetLevel := pls.levelFor(target, creator)
		return currentSender == pdu.MembershipJoin && senderLevel >= intOr(pls.Ban, 50) && senderLevel > targetLevel
	default:
		return false
	}
}
