package rooms_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/rooms"
	"github.com/mxhs/homeserver/storage/eventstore"
	"github.com/mxhs/homeserver/storage/kv"
	"github.com/stretchr/testify/require"
)

type recordingOutbound struct {
	normal      []string
	appservices []string
	pushes      int
}

func (r *recordingOutbound) EnqueueNormal(_ context.Context, destServer string, _ []byte) error {
	r.normal = append(r.normal, destServer)
	return nil
}

func (r *recordingOutbound) EnqueueAppservice(_ context.Context, id string, _ []byte) error {
	r.appservices = append(r.appservices, id)
	return nil
}

func (r *recordingOutbound) EnqueuePush(context.Context, []byte) error {
	r.pushes++
	return nil
}

func newPipeline(t *testing.T) (*rooms.Pipeline, *recordingOutbound) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	out := &recordingOutbound{}
	return &rooms.Pipeline{
		Store:      eventstore.New(kv.NewMemStore()),
		Signer:     pdu.Signer{ServerName: "example.org", KeyID: "ed25519:1", PrivateKey: priv},
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		Outbound:   out,
		ServerName: "example.org",
	}, out
}

func createRoom(t *testing.T, p *rooms.Pipeline, creator string) string {
	t.Helper()
	roomID := "!room1:example.org"
	sk := ""
	_, err := p.BuildAndAppendPDU(context.Background(), pdu.Builder{
		EventType: pdu.TypeCreate,
		StateKey:  &sk,
		Content:   json.RawMessage(`{"creator":"` + creator + `"}`),
	}, creator, roomID)
	require.NoError(t, err)

	_, err = p.BuildAndAppendPDU(context.Background(), pdu.Builder{
		EventType: pdu.TypeMember,
		StateKey:  &creator,
		Content:   json.RawMessage(`{"membership":"join"}`),
	}, creator, roomID)
	require.NoError(t, err)
	return roomID
}

func TestFirstMessageInNewRoom(t *testing.T) {
	p, _ := newPipeline(t)
	creator := "@alice:example.org"
	roomID := createRoom(t, p, creator)

	eventID, err := p.BuildAndAppendPDU(context.Background(), pdu.Builder{
		EventType: pdu.TypeMessage,
		Content:   json.RawMessage(`{"msgtype":"m.text","body":"hi"}`),
	}, creator, roomID)
	require.NoError(t, err)

	msg, err := p.Store.GetPDU(context.Background(), eventID)
	require.NoError(t, err)
	require.NotZero(t, msg.Depth)
	require.NotEmpty(t, msg.PrevEvents)

	full, err := p.Store.RoomStateFull(context.Background(), roomID)
	require.NoError(t, err)
	require.Contains(t, full, [2]string{pdu.TypeCreate, ""})
}

func TestDisplaynameChangeUpdatesCurrentState(t *testing.T) {
	p, _ := newPipeline(t)
	creator := "@alice:example.org"
	roomID := createRoom(t, p, creator)

	eventID, err := p.BuildAndAppendPDU(context.Background(), pdu.Builder{
		EventType: pdu.TypeMember,
		StateKey:  &creator,
		Content:   json.RawMessage(`{"membership":"join","displayname":"alice"}`),
	}, creator, roomID)
	require.NoError(t, err)

	_, current, err := p.Store.RoomStateGet(context.Background(), roomID, pdu.TypeMember, creator)
	require.NoError(t, err)
	require.Equal(t, eventID, current.EventID)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(current.Content, &content))
	require.Equal(t, "alice", content["displayname"])
	require.Equal(t, "join", content["membership"])
}

func TestCanonicalAliasForbiddenWhenAliasPointsElsewhere(t *testing.T) {
	p, out := newPipeline(t)
	creator := "@alice:example.org"
	roomID := createRoom(t, p, creator)
	require.NoError(t, p.Store.SetAlias(context.Background(), "#taken:example.org", "!other:example.org"))

	_, err := p.BuildAndAppendPDU(context.Background(), pdu.Builder{
		EventType: pdu.TypeCanonicalAlias,
		StateKey:  strPtr(""),
		Content:   json.RawMessage(`{"alias":"#taken:example.org"}`),
	}, creator, roomID)

	require.Error(t, err)
	var forbidden *rooms.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	_, state, err := p.Store.RoomStateGet(context.Background(), roomID, pdu.TypeCanonicalAlias, "")
	require.NoError(t, err)
	require.Nil(t, state)
	require.Equal(t, 2, out.pushes) // only create+join enqueued; the rejected alias event enqueued nothing
}

func strPtr(s string) *string { return &s }
