package eventstore_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/storage/eventstore"
	"github.com/mxhs/homeserver/storage/kv"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) pdu.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pdu.Signer{ServerName: "example.org", KeyID: "ed25519:1", PrivateKey: priv}
}

func buildAndAppend(t *testing.T, s *eventstore.Store, roomID string, b pdu.Builder, parents []string, depth uint64) *pdu.PDU {
	t.Helper()
	p, err := pdu.HashAndBuild(b, roomID, "@alice:example.org", parents, depth, parents, testSigner(t), func() time.Time { return time.Unix(1700000000, 0) })
	require.NoError(t, err)
	_, _, err = s.AppendPDU(context.Background(), p)
	require.NoError(t, err)
	return p
}

func TestAppendPDUAndGetPDU(t *testing.T) {
	s := eventstore.New(kv.NewMemStore())
	p := buildAndAppend(t, s, "!room:example.org", pdu.Builder{EventType: pdu.TypeMessage, Content: json.RawMessage(`{"body":"hi"}`)}, nil, 0)

	got, err := s.GetPDU(context.Background(), p.EventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, p.EventID, got.EventID)
	require.JSONEq(t, string(p.Content), string(got.Content))
}

func TestPDUCountIsMonotonicPerRoom(t *testing.T) {
	s := eventstore.New(kv.NewMemStore())
	p1 := buildAndAppend(t, s, "!room:example.org", pdu.Builder{EventType: pdu.TypeMessage, Content: json.RawMessage(`{}`)}, nil, 0)
	p2 := buildAndAppend(t, s, "!room:example.org", pdu.Builder{EventType: pdu.TypeMessage, Content: json.RawMessage(`{}`)}, []string{p1.EventID}, 1)

	c1, ok, err := s.PDUCount(context.Background(), p1.EventID)
	require.NoError(t, err)
	require.True(t, ok)
	c2, ok, err := s.PDUCount(context.Background(), p2.EventID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Less(t, c1, c2)
}

func TestRoomStateGetReturnsLatestByAppendOrder(t *testing.T) {
	s := eventstore.New(kv.NewMemStore())
	sk := ""
	first := buildAndAppend(t, s, "!room:example.org", pdu.Builder{EventType: pdu.TypeName, StateKey: &sk, Content: json.RawMessage(`{"name":"first"}`)}, nil, 0)
	second := buildAndAppend(t, s, "!room:example.org", pdu.Builder{EventType: pdu.TypeName, StateKey: &sk, Content: json.RawMessage(`{"name":"second"}`)}, []string{first.EventID}, 1)

	_, p, err := s.RoomStateGet(context.Background(), "!room:example.org", pdu.TypeName, "")
	require.NoError(t, err)
	require.Equal(t, second.EventID, p.EventID)
}

func TestMembershipIndexTracksJoinAndLeave(t *testing.T) {
	s := eventstore.New(kv.NewMemStore())
	roomID := "!room:example.org"
	userKey := "@bob:example.org"

	buildAndAppend(t, s, roomID, pdu.Builder{EventType: pdu.TypeMember, StateKey: &userKey, Content: json.RawMessage(`{"membership":"join"}`)}, nil, 0)

	joined, err := s.IsJoined(context.Background(), userKey, roomID)
	require.NoError(t, err)
	require.True(t, joined)

	members, err := s.RoomMembers(context.Background(), roomID)
	require.NoError(t, err)
	require.Contains(t, members, userKey)

	rooms, err := s.RoomsJoined(context.Background(), userKey)
	require.NoError(t, err)
	require.Contains(t, rooms, roomID)

	buildAndAppend(t, s, roomID, pdu.Builder{EventType: pdu.TypeMember, StateKey: &userKey, Content: json.RawMessage(`{"membership":"leave"}`)}, nil, 1)

	joined, err = s.IsJoined(context.Background(), userKey, roomID)
	require.NoError(t, err)
	require.False(t, joined)

	rooms, err = s.RoomsJoined(context.Background(), userKey)
	require.NoError(t, err)
	require.NotContains(t, rooms, roomID)
}

func TestExtremitiesAdvanceReplacesParentsWithChild(t *testing.T) {
	s := eventstore.New(kv.NewMemStore())
	ctx := context.Background()
	ext := s.Extremities()

	require.NoError(t, ext.Advance(ctx, "!room:example.org", nil, "$a"))
	require.NoError(t, ext.Advance(ctx, "!room:example.org", nil, "$b"))

	list, err := ext.List(ctx, "!room:example.org")
	require.NoError(t, err)
	require.Equal(t, []string{"$a", "$b"}, list)

	require.NoError(t, ext.Advance(ctx, "!room:example.org", []string{"$a", "$b"}, "$c"))
	list, err = ext.List(ctx, "!room:example.org")
	require.NoError(t, err)
	require.Equal(t, []string{"$c"}, list)
}

func TestSetAndGetPushers(t *testing.T) {
	s := eventstore.New(kv.NewMemStore())
	ctx := context.Background()
	p := eventstore.Pusher{UserID: "@alice:example.org", Pushkey: "abc", Kind: "http", AppID: "org.example", Data: eventstore.PusherData{URL: "https://push.example.org", Format: "event_id_only"}}
	require.NoError(t, s.SetPusher(ctx, p))

	pushers, err := s.GetPushers(ctx, "@alice:example.org")
	require.NoError(t, err)
	require.Len(t, pushers, 1)
	require.Equal(t, "https://push.example.org", pushers[0].Data.URL)

	require.NoError(t, s.SetPusher(ctx, eventstore.Pusher{UserID: "@alice:example.org", Pushkey: "abc", Kind: ""}))
	pushers, err = s.GetPushers(ctx, "@alice:example.org")
	require.NoError(t, err)
	require.Empty(t, pushers)
}

func TestIDFromAliasResolvesCanonicalAlias(t *testing.T) {
	s := eventstore.New(kv.NewMemStore())
	require.NoError(t, s.SetAlias(context.Background(), "#room:example.org", "!room:example.org"))

	roomID, ok, err := s.IDFromAlias(context.Background(), "#room:example.org")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "!room:example.org", roomID)
}
