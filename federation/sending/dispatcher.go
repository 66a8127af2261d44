// Package sending implements the outbound transaction dispatcher: a
// single long-running worker that drains the pending-table watch into
// per-destination transactions under a CAS reservation, with
// persistent in-flight tracking and per-destination quadratic backoff,
// min(60·failures² s, 24 h) (spec §4.6).
package sending

import (
	"context"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mxhs/homeserver/appservice"
	"github.com/mxhs/homeserver/storage/eventstore"
	"github.com/mxhs/homeserver/storage/kv"
)

// maxBatchSize is the cap on PDUs drawn from the pending table into a
// single follow-on transaction once the previous one completes (spec
// §4.6 "take up to 50 pdu_ids").
const maxBatchSize = 50

// outboundSemaphoreWeight is the global concurrent-HTTP-request cap
// (spec §5, "bound ≈ 500").
const outboundSemaphoreWeight = 500

// transactionTimeout is the hard per-transaction HTTP deadline (spec §4.6).
const transactionTimeout = 5 * time.Second

// Dispatcher is the single outbound worker described in spec §4.6.
// Exactly one should run per process; it owns the pending/in-flight
// tables and the in-memory backoff map exclusively.
type Dispatcher struct {
	kv          kv.Store
	store       *eventstore.Store
	appservices *appservice.Registry
	httpClient  *http.Client
	sem         *semaphore.Weighted
	backoff     *backoffTracker
	serverName  string
	now         func() time.Time
	log         *logrus.Entry
}

// NewDispatcher builds a Dispatcher over store's keyed byte store.
func NewDispatcher(store *eventstore.Store, kvStore kv.Store, appservices *appservice.Registry, serverName string) *Dispatcher {
	now := time.Now
	return &Dispatcher{
		kv:          kvStore,
		store:       store,
		appservices: appservices,
		httpClient:  &http.Client{Timeout: transactionTimeout},
		sem:         semaphore.NewWeighted(outboundSemaphoreWeight),
		backoff:     newBackoffTracker(now),
		serverName:  serverName,
		now:         now,
		log:         logrus.WithField("component", "sending.Dispatcher"),
	}
}

// EnqueueNormal writes a pending entry for a federation peer.
func (d *Dispatcher) EnqueueNormal(ctx context.Context, destServer string, pduID []byte) error {
	return d.kv.Put(ctx, pendingKey(Destination{Kind: Normal, ID: destServer}, pduID), []byte{})
}

// EnqueueAppservice writes a pending entry for an application service.
func (d *Dispatcher) EnqueueAppservice(ctx context.Context, appserviceID string, pduID []byte) error {
	return d.kv.Put(ctx, pendingKey(Destination{Kind: Appservice, ID: appserviceID}, pduID), []byte{})
}

// EnqueuePush writes a pending entry that fans out to every joined
// member's pushers when it is dispatched. The destination id is the
// PDU's own id hex-encoded, giving each event its own push
// destination as spec §4.6 describes.
func (d *Dispatcher) EnqueuePush(ctx context.Context, pduID []byte) error {
	return d.kv.Put(ctx, pendingKey(Destination{Kind: Push, ID: pushOpaqueID(pduID)}, pduID), []byte{})
}

type completion struct {
	dest   Destination
	pduIDs [][]byte
	err    error
}

// Run drives the dispatcher until ctx is cancelled: it first recovers
// any transactions left in flight by a prior process, then services
// the pending-table watch and transaction completions forever.
func (d *Dispatcher) Run(ctx context.Context) error {
	completions := make(chan completion, 256)

	if err := d.recoverInFlight(ctx, completions); err != nil {
		return err
	}

	watch, err := d.kv.WatchPrefix(ctx, tablePending)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watch:
			if !ok {
				return nil
			}
			if ev.Kind != kv.EventInsert {
				continue
			}
			d.handlePendingInsert(ctx, ev.KV.Key, completions)
		case c := <-completions:
			d.handleCompletion(ctx, c, completions)
		}
	}
}

// recoverInFlight restarts a transaction for every destination that
// still has in-flight entries, guaranteeing no PDU is lost across
// restarts (spec §4.6 "Startup recovery").
func (d *Dispatcher) recoverInFlight(ctx context.Context, completions chan completion) error {
	entries, err := d.kv.ScanPrefix(ctx, tableInflight)
	if err != nil {
		return err
	}
	grouped := map[string][][]byte{}
	dests := map[string]Destination{}
	for _, e := range entries {
		destPrefix, pduID := decodeInflightKey(e.Key)
		if pduID == nil {
			continue // bare reservation marker
		}
		key := string(destPrefix)
		grouped[key] = append(grouped[key], pduID)
		dests[key] = decodePrefix(destPrefix)
	}
	for key, pduIDs := range grouped {
		d.dispatch(ctx, dests[key], pduIDs, completions)
	}
	return nil
}

func (d *Dispatcher) handlePendingInsert(ctx context.Context, key []byte, completions chan completion) {
	dest, pduID := decodePendingKey(key)
	destKey := string(dest.prefix())

	if d.backoff.ShouldSkip(destKey) {
		return
	}

	if err := d.kv.CompareAndSwap(ctx, reservationKey(dest), nil, []byte{}); err != nil {
		if _, ok := err.(kv.ErrCASMismatch); ok {
			return // another transaction already holds this destination
		}
		d.log.WithError(err).Error("reserve destination")
		return
	}

	if err := d.kv.Put(ctx, inflightKey(dest, pduID), []byte{}); err != nil {
		d.log.WithError(err).Error("move pdu to in-flight")
		return
	}
	if err := d.kv.Delete(ctx, pendingKey(dest, pduID)); err != nil {
		d.log.WithError(err).Error("remove pdu from pending")
		return
	}

	// A previous transaction to dest may have failed and left its
	// pdu_ids in-flight (spec §4.6(b): failure clears the reservation
	// but retains the in-flight entries for the next retry to pick
	// up). Re-scan so this dispatch carries them alongside pduID
	// instead of stranding them until a process restart.
	inflightIDs, err := d.scanInflight(ctx, dest)
	if err != nil {
		d.log.WithError(err).Error("scan in-flight before dispatch")
		inflightIDs = [][]byte{pduID}
	}

	d.dispatch(ctx, dest, inflightIDs, completions)
}

// scanInflight returns every pdu_id currently recorded in-flight for
// dest, skipping the bare reservation marker entry.
func (d *Dispatcher) scanInflight(ctx context.Context, dest Destination) ([][]byte, error) {
	entries, err := d.kv.ScanPrefix(ctx, inflightBase(dest))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		_, pduID := decodeInflightKey(e.Key)
		if pduID == nil {
			continue // bare reservation marker
		}
		out = append(out, pduID)
	}
	return out, nil
}

func (d *Dispatcher) handleCompletion(ctx context.Context, c completion, completions chan completion) {
	destKey := string(c.dest.prefix())

	if c.err != nil {
		d.backoff.RecordFailure(destKey)
		if err := d.kv.Delete(ctx, reservationKey(c.dest)); err != nil {
			d.log.WithError(err).Error("clear reservation after failure")
		}
		return
	}

	for _, pduID := range c.pduIDs {
		if err := d.kv.Delete(ctx, inflightKey(c.dest, pduID)); err != nil {
			d.log.WithError(err).Error("clear in-flight entry")
		}
	}
	d.backoff.RecordSuccess(destKey)

	entries, err := d.kv.ScanPrefix(ctx, pendingPrefix(c.dest))
	if err != nil {
		d.log.WithError(err).Error("scan pending after completion")
		return
	}
	if len(entries) > maxBatchSize {
		entries = entries[:maxBatchSize]
	}
	if len(entries) == 0 {
		if err := d.kv.Delete(ctx, reservationKey(c.dest)); err != nil {
			d.log.WithError(err).Error("clear reservation after drain")
		}
		return
	}

	pendingPrefixWithDelim := append(append([]byte(nil), pendingPrefix(c.dest)...), kv.Delim)
	next := make([][]byte, 0, len(entries))
	for _, e := range entries {
		pduID := e.Key[len(pendingPrefixWithDelim):]
		if err := d.kv.Put(ctx, inflightKey(c.dest, pduID), []byte{}); err != nil {
			d.log.WithError(err).Error("move pdu to in-flight")
			return
		}
		if err := d.kv.Delete(ctx, e.Key); err != nil {
			d.log.WithError(err).Error("remove pdu from pending")
			return
		}
		next = append(next, pduID)
	}
	d.dispatch(ctx, c.dest, next, completions)
}

// dispatch runs one transaction for dest in its own goroutine, bound
// by the global outbound semaphore.
func (d *Dispatcher) dispatch(ctx context.Context, dest Destination, pduIDs [][]byte, completions chan completion) {
	go func() {
		start := time.Now()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			completions <- completion{dest: dest, pduIDs: pduIDs, err: err}
			return
		}
		defer d.sem.Release(1)

		err := d.sendTransaction(ctx, dest, pduIDs)
		observeTransaction(dest.Kind, start, err)
		completions <- completion{dest: dest, pduIDs: pduIDs, err: err}
	}()
}

func newTxnID() string {
	return ulid.Make().String()[:16]
}

func pushOpaqueID(pduID []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(pduID)*2)
	for i, b := range pduID {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
