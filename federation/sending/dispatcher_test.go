package sending

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mxhs/homeserver/appservice"
	"github.com/mxhs/homeserver/storage/eventstore"
	"github.com/mxhs/homeserver/storage/kv"
)

// statusTransport answers every request with a fixed status code and
// counts how many requests it has seen. sendFederationTransaction
// tolerates pdu_ids that don't resolve to a stored PDU (they're
// logged and skipped), so these tests exercise dispatch/backoff
// behavior with fabricated pdu_ids and never touch real PDU content.
type statusTransport struct {
	status atomic.Int32
	calls  atomic.Int32
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return &http.Response{
		StatusCode: int(t.status.Load()),
		Body:       http.NoBody,
		Header:     make(http.Header),
	}, nil
}

func fabricatedPDUID(n byte) []byte {
	id := make([]byte, pduIDLen)
	id[7] = 1 // room_index
	id[len(id)-1] = n
	return id
}

// TestBackoffSkipsRetryUntilWindowElapses exercises scenario A4: three
// consecutive transaction failures to the same destination must push
// the next retry at least 540s out (60*3^2), clearing the reservation
// marker between attempts so a later retry can re-acquire it.
func TestBackoffSkipsRetryUntilWindowElapses(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemStore()
	store := eventstore.New(mem)
	d := NewDispatcher(store, mem, appservice.NewRegistry(nil), "origin.example.org")

	transport := &statusTransport{}
	transport.status.Store(500)
	d.httpClient = &http.Client{Transport: transport, Timeout: transactionTimeout}

	clock := time.Unix(2000000000, 0)
	d.now = func() time.Time { return clock }
	d.backoff = newBackoffTracker(d.now)

	dest := Destination{Kind: Normal, ID: "peer.example.org"}
	completions := make(chan completion, 4)

	for i := 0; i < 3; i++ {
		require.NoError(t, mem.Put(ctx, reservationKey(dest), []byte{}))
		require.NoError(t, mem.Put(ctx, inflightKey(dest, fabricatedPDUID(byte(i))), []byte{}))

		d.dispatch(ctx, dest, [][]byte{fabricatedPDUID(byte(i))}, completions)
		c := <-completions
		require.Error(t, c.err)
		d.handleCompletion(ctx, c, completions)

		destKey := string(dest.prefix())
		require.True(t, d.backoff.ShouldSkip(destKey))

		v, getErr := mem.Get(ctx, reservationKey(dest))
		require.NoError(t, getErr)
		require.Nil(t, v, "reservation marker must be cleared after a failed transaction")

		clock = clock.Add(delay(uint32(i + 1)))
	}

	require.Equal(t, int32(3), transport.calls.Load())

	destKey := string(dest.prefix())
	require.False(t, d.backoff.ShouldSkip(destKey), "backoff window must have elapsed by the third retry")

	transport.status.Store(200)
	require.NoError(t, mem.Put(ctx, reservationKey(dest), []byte{}))
	d.dispatch(ctx, dest, [][]byte{fabricatedPDUID(9)}, completions)
	c := <-completions
	require.NoError(t, c.err)
	d.backoff.RecordSuccess(destKey)
	require.False(t, d.backoff.ShouldSkip(destKey))
}

func TestDelayFormulaMatchesQuadraticBackoff(t *testing.T) {
	require.Equal(t, 60*time.Second, delay(1))
	require.Equal(t, 240*time.Second, delay(2))
	require.Equal(t, 540*time.Second, delay(3))
	require.Equal(t, 24*time.Hour, delay(10000))
}

// TestRecoverInFlightRedispatchesGroupedByDestination exercises spec
// §4.6's startup recovery: every in-flight entry left by a prior
// process must be regrouped by destination and redispatched as one
// transaction per destination, ignoring the bare reservation marker.
func TestRecoverInFlightRedispatchesGroupedByDestination(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemStore()
	store := eventstore.New(mem)
	d := NewDispatcher(store, mem, appservice.NewRegistry(nil), "origin.example.org")

	transport := &statusTransport{}
	transport.status.Store(200)
	d.httpClient = &http.Client{Transport: transport, Timeout: transactionTimeout}

	dest := Destination{Kind: Normal, ID: "peer.example.org"}
	pduA := fabricatedPDUID(1)
	pduB := fabricatedPDUID(2)
	require.NoError(t, mem.Put(ctx, inflightKey(dest, pduA), []byte{}))
	require.NoError(t, mem.Put(ctx, inflightKey(dest, pduB), []byte{}))
	require.NoError(t, mem.Put(ctx, reservationKey(dest), []byte{}))

	completions := make(chan completion, 4)
	require.NoError(t, d.recoverInFlight(ctx, completions))

	c := <-completions
	require.NoError(t, c.err)
	require.ElementsMatch(t, [][]byte{pduA, pduB}, c.pduIDs)
	require.Equal(t, dest, c.dest)
}

// TestHandlePendingInsertRedispatchesStrandedInFlight exercises spec
// §4.6(b): a transaction failure clears the reservation but leaves its
// pdu_ids in-flight, so the next pending wakeup for that destination
// must redispatch them alongside the newly drained pdu rather than
// stranding them until a process restart.
func TestHandlePendingInsertRedispatchesStrandedInFlight(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemStore()
	store := eventstore.New(mem)
	d := NewDispatcher(store, mem, appservice.NewRegistry(nil), "origin.example.org")

	transport := &statusTransport{}
	transport.status.Store(200)
	d.httpClient = &http.Client{Transport: transport, Timeout: transactionTimeout}

	dest := Destination{Kind: Normal, ID: "peer.example.org"}
	stranded := fabricatedPDUID(1)
	require.NoError(t, mem.Put(ctx, inflightKey(dest, stranded), []byte{}))

	fresh := fabricatedPDUID(2)
	require.NoError(t, mem.Put(ctx, pendingKey(dest, fresh), []byte{}))

	completions := make(chan completion, 4)
	d.handlePendingInsert(ctx, pendingKey(dest, fresh), completions)

	c := <-completions
	require.NoError(t, c.err)
	require.ElementsMatch(t, [][]byte{stranded, fresh}, c.pduIDs)
	require.Equal(t, dest, c.dest)
}

func TestPushOpaqueIDIsDeterministicHex(t *testing.T) {
	id := fabricatedPDUID(0xab)
	require.Equal(t, pushOpaqueID(id), pushOpaqueID(id))
	require.Len(t, pushOpaqueID(id), pduIDLen*2)
}
