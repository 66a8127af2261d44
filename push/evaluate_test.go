package push_test

import (
	"encoding/json"
	"testing"

	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/push"
	"github.com/mxhs/homeserver/storage/eventstore"
	"github.com/stretchr/testify/require"
)

func messagePDU(t *testing.T, contentJSON string) *pdu.PDU {
	t.Helper()
	return &pdu.PDU{
		RoomID:  "!room:example.org",
		Sender:  "@bob:example.org",
		Kind:    pdu.TypeMessage,
		EventID: "$msg1",
		Content: json.RawMessage(contentJSON),
	}
}

func TestSuppressNoticesShortCircuits(t *testing.T) {
	p := messagePDU(t, `{"msgtype":"m.notice","body":"automated"}`)
	ctx := push.MatchContext{PDU: p, Content: push.DecodeContent(p), Recipient: "@alice:example.org"}

	notify, _ := push.Evaluate(ctx, push.DefaultRuleset())
	require.False(t, notify)
}

func TestRoomOneToOneNotifiesWithEventIDOnlyPusher(t *testing.T) {
	p := messagePDU(t, `{"msgtype":"m.text","body":"hi"}`)
	ctx := push.MatchContext{PDU: p, Content: push.DecodeContent(p), Recipient: "@alice:example.org", RoomMemberCount: 2}

	notify, tweaks := push.Evaluate(ctx, push.DefaultRuleset())
	require.True(t, notify)

	pusher := eventstore.Pusher{AppID: "org.example.app", Pushkey: "devtoken", Data: eventstore.PusherData{Format: "event_id_only"}}
	n := push.BuildNotification(p, "@alice:example.org", 3, pusher, tweaks, "", "")

	require.Equal(t, "low", n.Priority)
	require.Equal(t, "$msg1", n.EventID)
	require.Equal(t, "!room:example.org", n.RoomID)
	require.Equal(t, 3, n.Counts.Unread)
	require.Empty(t, n.Sender)
	require.Empty(t, n.Content)
	require.Len(t, n.Devices, 1)
}

func TestMasterRuleDisabledByDefaultLeavesOtherRulesActive(t *testing.T) {
	p := messagePDU(t, `{"msgtype":"m.text","body":"hi"}`)
	ctx := push.MatchContext{PDU: p, Content: push.DecodeContent(p), Recipient: "@alice:example.org", RoomMemberCount: 5}

	notify, _ := push.Evaluate(ctx, push.DefaultRuleset())
	require.True(t, notify)
}

func TestMasterRuleEnabledSuppressesEverything(t *testing.T) {
	p := messagePDU(t, `{"msgtype":"m.text","body":"hi"}`)
	ctx := push.MatchContext{PDU: p, Content: push.DecodeContent(p), Recipient: "@alice:example.org", RoomMemberCount: 5}

	rs := push.DefaultRuleset()
	rs.Overlays = map[string]bool{".m.rule.master": true}

	notify, _ := push.Evaluate(ctx, rs)
	require.False(t, notify)
}

func TestContainsDisplayNameHighlights(t *testing.T) {
	p := messagePDU(t, `{"msgtype":"m.text","body":"hey alice, check this out"}`)
	ctx := push.MatchContext{PDU: p, Content: push.DecodeContent(p), Recipient: "@alice:example.org", RecipientDisplayName: "alice", RoomMemberCount: 5}

	notify, tweaks := push.Evaluate(ctx, push.DefaultRuleset())
	require.True(t, notify)
	require.Equal(t, true, tweaks["highlight"])
}
