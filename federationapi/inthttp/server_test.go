package inthttp_test

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/mxhs/homeserver/appservice"
	"github.com/mxhs/homeserver/federationapi/inthttp"
	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/rooms"
	"github.com/mxhs/homeserver/storage/eventstore"
	"github.com/mxhs/homeserver/storage/kv"
)

type noopOutbound struct{}

func (noopOutbound) EnqueueNormal(context.Context, string, []byte) error     { return nil }
func (noopOutbound) EnqueueAppservice(context.Context, string, []byte) error { return nil }
func (noopOutbound) EnqueuePush(context.Context, []byte) error               { return nil }

func TestBuildAndAppendPDUOverRPCRoundTrips(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := eventstore.New(kv.NewMemStore())
	pipeline := &rooms.Pipeline{
		Store:       store,
		Signer:      pdu.Signer{ServerName: "origin.example.org", KeyID: "ed25519:1", PrivateKey: priv},
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
		Outbound:    noopOutbound{},
		Appservices: appservice.NewRegistry(nil),
		ServerName:  "origin.example.org",
	}

	r := mux.NewRouter()
	inthttp.AddRoutes(pipeline, store, r)
	server := httptest.NewServer(r)
	defer server.Close()

	client := inthttp.NewClient(server.URL, &http.Client{})

	appendRes := &inthttp.BuildAndAppendPDUResponse{}
	sk := ""
	err = client.BuildAndAppendPDU(context.Background(), &inthttp.BuildAndAppendPDURequest{
		Builder: pdu.Builder{EventType: pdu.TypeCreate, StateKey: &sk, Content: []byte(`{"creator":"@alice:origin.example.org"}`)},
		Sender:  "@alice:origin.example.org",
		RoomID:  "!room:origin.example.org",
	}, appendRes)
	require.NoError(t, err)
	require.NotEmpty(t, appendRes.EventID)

	stateRes := &inthttp.RoomStateGetResponse{}
	err = client.RoomStateGet(context.Background(), &inthttp.RoomStateGetRequest{
		RoomID:    "!room:origin.example.org",
		EventType: pdu.TypeCreate,
		StateKey:  "",
	}, stateRes)
	require.NoError(t, err)
	require.NotNil(t, stateRes.PDU)
	require.Equal(t, appendRes.EventID, stateRes.PDU.EventID)
}

func TestSetAndGetPushersOverRPC(t *testing.T) {
	store := eventstore.New(kv.NewMemStore())
	r := mux.NewRouter()
	inthttp.AddRoutes(&rooms.Pipeline{Store: store, Outbound: noopOutbound{}}, store, r)
	server := httptest.NewServer(r)
	defer server.Close()

	client := inthttp.NewClient(server.URL, &http.Client{})

	err := client.SetPusher(context.Background(), &inthttp.SetPusherRequest{
		Pusher: eventstore.Pusher{UserID: "@alice:origin.example.org", Pushkey: "devtoken", Kind: "http", AppID: "org.example.app"},
	}, &inthttp.SetPusherResponse{})
	require.NoError(t, err)

	getRes := &inthttp.GetPushersResponse{}
	err = client.GetPushers(context.Background(), &inthttp.GetPushersRequest{UserID: "@alice:origin.example.org"}, getRes)
	require.NoError(t, err)
	require.Len(t, getRes.Pushers, 1)
	require.Equal(t, "devtoken", getRes.Pushers[0].Pushkey)
}
