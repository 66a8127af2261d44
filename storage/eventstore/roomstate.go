package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/storage/kv"
)

// Pusher is a per-user, per-pushkey push delivery target (spec §3).
type Pusher struct {
	UserID  string          `json:"user_id"`
	Pushkey string          `json:"pushkey"`
	Kind    string          `json:"kind"` // "http", "email", or "" meaning delete
	AppID   string          `json:"app_id"`
	Data    PusherData      `json:"data"`
	Tweaks  json.RawMessage `json:"tweaks,omitempty"`
}

// PusherData carries the delivery-target specifics for an http pusher.
type PusherData struct {
	URL    string `json:"url,omitempty"`
	Format string `json:"format,omitempty"` // "event_id_only" or "" (full)
}

// SetPusher creates, updates, or (kind == "") deletes a pusher. Key is
// (user_id, pushkey) per spec §3.
func (s *Store) SetPusher(ctx context.Context, p Pusher) error {
	key := pusherKey(p.UserID, p.Pushkey)
	if p.Kind == "" {
		return s.kv.Delete(ctx, key)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return &pdu.BadDatabaseError{Reason: fmt.Sprintf("encode pusher: %v", err)}
	}
	return s.kv.Put(ctx, key, raw)
}

// GetPushers returns every pusher configured by userID.
func (s *Store) GetPushers(ctx context.Context, userID string) ([]Pusher, error) {
	entries, err := s.kv.ScanPrefix(ctx, pusherUserPrefix(userID))
	if err != nil {
		return nil, err
	}
	out := make([]Pusher, 0, len(entries))
	for _, e := range entries {
		var p Pusher
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, &pdu.BadDatabaseError{Reason: fmt.Sprintf("decode pusher: %v", err)}
		}
		out = append(out, p)
	}
	return out, nil
}

// SetPresence records userID's presence state in roomID (spec §4.4
// step 10 models presence as a per-room side effect of profile
// changes, not a standalone subsystem).
func (s *Store) SetPresence(ctx context.Context, roomID, userID, presence string) error {
	return s.kv.Put(ctx, presenceKey(roomID, userID), []byte(presence))
}

// GetPresence returns userID's last recorded presence in roomID, if any.
func (s *Store) GetPresence(ctx context.Context, roomID, userID string) (string, bool, error) {
	v, err := s.kv.Get(ctx, presenceKey(roomID, userID))
	if err != nil || v == nil {
		return "", false, err
	}
	return string(v), true, nil
}

// Extremities tracks a room's forward extremity set: the event ids
// not yet listed as anyone's prev_event (spec §3, invariant 3).
type Extremities struct {
	store *Store
}

// Extremities returns the extremity-set accessor for this store.
func (s *Store) Extremities() Extremities { return Extremities{store: s} }

// List returns the room's current extremities in ascending
// lexicographic event-id order, the tie-break order spec §4.4
// requires when listing multiple parents in prev_events.
func (e Extremities) List(ctx context.Context, roomID string) ([]string, error) {
	entries, err := e.store.kv.ScanPrefix(ctx, extremityRoomPrefix(roomID))
	if err != nil {
		return nil, err
	}
	withDelim := kv.Join(extremityRoomPrefix(roomID), nil)
	ids := make([]string, 0, len(entries))
	for _, ent := range entries {
		ids = append(ids, string(bytes.TrimPrefix(ent.Key, withDelim)))
	}
	sort.Strings(ids)
	return ids, nil
}

// Advance removes every event in consumedParents from the extremity
// set and inserts newEventID, per spec §4.4 step 8.
func (e Extremities) Advance(ctx context.Context, roomID string, consumedParents []string, newEventID string) error {
	for _, parent := range consumedParents {
		if err := e.store.kv.Delete(ctx, extremityKey(roomID, parent)); err != nil {
			return err
		}
	}
	return e.store.kv.Put(ctx, extremityKey(roomID, newEventID), []byte{})
}
