// Package push implements the push-rule evaluator: Matrix's
// override/content/room/sender/underride tiered ruleset, matched
// against a PDU and a recipient to decide notification actions (spec
// §4.7).
package push

import (
	"encoding/json"
	"strings"

	"github.com/mxhs/homeserver/pdu"
)

// Tier orders rule evaluation; rules are tried override-first.
type Tier int

const (
	TierOverride Tier = iota
	TierContent
	TierRoom
	TierSender
	TierUnderride
)

// MatchContext carries everything a rule's match function needs,
// gathered by the caller (the dispatcher's push destination handling)
// before evaluation.
type MatchContext struct {
	PDU                    *pdu.PDU
	Content                map[string]interface{}
	Recipient              string
	RecipientDisplayName   string
	RecipientLocalpart     string
	RoomMemberCount        int
	SenderPowerLevel       int
	NotificationsRoomLevel int
}

func bodyOf(ctx MatchContext) string {
	body, _ := ctx.Content["body"].(string)
	return body
}

// Rule is one entry of a ruleset: a tier, a match predicate, and the
// outcome when it matches.
type Rule struct {
	RuleID     string
	Tier       Tier
	Enabled    bool
	Match      func(MatchContext) bool
	DontNotify bool
	Tweaks     map[string]interface{}
}

func stateKeyIs(p *pdu.PDU, v string) bool {
	return p.StateKey != nil && *p.StateKey == v
}

// DefaultRules returns the minimum rule set spec §4.7 requires, in
// evaluation order (tier, then priority within tier). Real Matrix
// servers additionally let users mute specific rooms/senders (room
// and sender tiers); this core carries those tiers structurally but
// populates only the rules the spec names.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:     ".m.rule.master",
			Tier:       TierOverride,
			Enabled:    false, // master is opt-in: disables all notifications when the user turns it on
			Match:      func(MatchContext) bool { return true },
			DontNotify: true,
		},
		{
			RuleID:  ".m.rule.suppress_notices",
			Tier:    TierOverride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				if ctx.PDU.Kind != pdu.TypeMessage {
					return false
				}
				msgtype, _ := ctx.Content["msgtype"].(string)
				return msgtype == "m.notice"
			},
			DontNotify: true,
		},
		{
			RuleID:  ".m.rule.invite_for_me",
			Tier:    TierOverride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				if ctx.PDU.Kind != pdu.TypeMember || !stateKeyIs(ctx.PDU, ctx.Recipient) {
					return false
				}
				membership, _ := ctx.Content["membership"].(string)
				return membership == pdu.MembershipInvite
			},
			Tweaks: map[string]interface{}{"sound": "default"},
		},
		{
			RuleID:  ".m.rule.member_event",
			Tier:    TierOverride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeMember
			},
			DontNotify: true,
		},
		{
			RuleID:  ".m.rule.tombstone",
			Tier:    TierOverride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeTombstone && stateKeyIs(ctx.PDU, "")
			},
			Tweaks: map[string]interface{}{"highlight": true, "sound": "default"},
		},
		{
			RuleID:  ".m.rule.roomnotif",
			Tier:    TierOverride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeMessage &&
					strings.Contains(bodyOf(ctx), "@room") &&
					ctx.SenderPowerLevel >= ctx.NotificationsRoomLevel
			},
			Tweaks: map[string]interface{}{"highlight": true},
		},
		{
			RuleID:  ".m.rule.call",
			Tier:    TierOverride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeCallInvite
			},
			Tweaks: map[string]interface{}{"sound": "ring"},
		},
		{
			RuleID:  ".m.rule.contains_display_name",
			Tier:    TierContent,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeMessage &&
					ctx.RecipientDisplayName != "" &&
					strings.Contains(bodyOf(ctx), ctx.RecipientDisplayName)
			},
			Tweaks: map[string]interface{}{"highlight": true, "sound": "default"},
		},
		{
			RuleID:  ".m.rule.contains_user_name",
			Tier:    TierContent,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeMessage &&
					ctx.RecipientLocalpart != "" &&
					strings.Contains(bodyOf(ctx), ctx.RecipientLocalpart)
			},
			Tweaks: map[string]interface{}{"highlight": true, "sound": "default"},
		},
		{
			RuleID:  ".m.rule.encrypted_room_one_to_one",
			Tier:    TierUnderride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeEncrypted && ctx.RoomMemberCount == 2
			},
			Tweaks: map[string]interface{}{"sound": "default"},
		},
		{
			RuleID:  ".m.rule.room_one_to_one",
			Tier:    TierUnderride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeMessage && ctx.RoomMemberCount == 2
			},
		},
		{
			RuleID:  ".m.rule.message",
			Tier:    TierUnderride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeMessage
			},
		},
		{
			RuleID:  ".m.rule.encrypted",
			Tier:    TierUnderride,
			Enabled: true,
			Match: func(ctx MatchContext) bool {
				return ctx.PDU.Kind == pdu.TypeEncrypted
			},
		},
	}
}

// Ruleset is the recipient's personal ruleset: the default rules with
// per-id enabled overrides layered on top (spec §4.7's "personal
// rules overlaying the default set").
type Ruleset struct {
	Rules    []Rule
	Overlays map[string]bool
}

// DefaultRuleset returns the minimum server-side ruleset with no
// personal overlays.
func DefaultRuleset() Ruleset {
	return Ruleset{Rules: DefaultRules()}
}

func (r Ruleset) enabled(rule Rule) bool {
	if v, ok := r.Overlays[rule.RuleID]; ok {
		return v
	}
	return rule.Enabled
}

// DecodeContent is a convenience for building a MatchContext's
// Content map from a PDU's raw content.
func DecodeContent(p *pdu.PDU) map[string]interface{} {
	var m map[string]interface{}
	if len(p.Content) > 0 {
		_ = json.Unmarshal(p.Content, &m)
	}
	return m
}
