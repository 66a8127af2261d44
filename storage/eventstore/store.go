package eventstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/storage/kv"
)

// Store is the durable PDU log plus its secondary indexes (spec
// §4.3). It owns no concurrency control of its own beyond what the
// underlying kv.Store guarantees per key; callers that need
// room-level exclusivity (the append pipeline) provide it themselves.
type Store struct {
	kv kv.Store
}

// New wraps an already-open keyed byte store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// RoomIndex returns the short numeric index assigned to roomID,
// allocating one on first use. The index is what actually appears in
// pdu_id, keeping pdu_id fixed-width regardless of room_id length.
func (s *Store) RoomIndex(ctx context.Context, roomID string) (uint64, error) {
	key := roomIndexKey(roomID)
	existing, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return binary.BigEndian.Uint64(existing), nil
	}
	for {
		nextRaw, err := s.kv.Get(ctx, []byte("room_index_next"))
		if err != nil {
			return 0, err
		}
		var next uint64
		if nextRaw != nil {
			next = binary.BigEndian.Uint64(nextRaw)
		}
		if err := s.kv.CompareAndSwap(ctx, []byte("room_index_next"), nextRaw, be64(next+1)); err != nil {
			if _, ok := err.(kv.ErrCASMismatch); ok {
				continue
			}
			return 0, err
		}
		if err := s.kv.CompareAndSwap(ctx, key, nil, be64(next)); err != nil {
			if _, ok := err.(kv.ErrCASMismatch); ok {
				// Lost the race; someone else assigned this room an
				// index concurrently. Read back the winner.
				existing, err := s.kv.Get(ctx, key)
				if err != nil {
					return 0, err
				}
				return binary.BigEndian.Uint64(existing), nil
			}
			return 0, err
		}
		return next, nil
	}
}

// nextCounter allocates the next monotonic counter for roomIndex via
// CAS retry. Safe under concurrent callers, though the append
// pipeline additionally serializes appends per room to satisfy the
// "exclusive section" ordering guarantee of spec §5.
func (s *Store) nextCounter(ctx context.Context, roomIndex uint64) (uint64, error) {
	key := roomCounterKey(roomIndex)
	for {
		cur, err := s.kv.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		var count uint64
		if cur != nil {
			count = binary.BigEndian.Uint64(cur)
		}
		if err := s.kv.CompareAndSwap(ctx, key, cur, be64(count+1)); err != nil {
			if _, ok := err.(kv.ErrCASMismatch); ok {
				continue
			}
			return 0, err
		}
		return count, nil
	}
}

// AppendPDU allocates the next pdu_id for p.RoomID and durably writes
// it along with the event-id index and, for state events, the current
// state and membership indexes. It does not touch extremities or
// outbound queues; those are the append pipeline's job.
func (s *Store) AppendPDU(ctx context.Context, p *pdu.PDU) (pduID []byte, count uint64, err error) {
	roomIndex, err := s.RoomIndex(ctx, p.RoomID)
	if err != nil {
		return nil, 0, err
	}
	count, err = s.nextCounter(ctx, roomIndex)
	if err != nil {
		return nil, 0, err
	}
	pduID = pduIDKey(roomIndex, count)

	raw, err := pdu.ToCanonicalJSONBytes(p)
	if err != nil {
		return nil, 0, err
	}
	if err := s.kv.Put(ctx, pduStorageKey(pduID), raw); err != nil {
		return nil, 0, err
	}
	if err := s.kv.Put(ctx, eventIDIndexKey(p.EventID), pduID); err != nil {
		return nil, 0, err
	}
	if p.IsState() {
		if err := s.kv.Put(ctx, stateIndexKey(p.RoomID, p.Kind, *p.StateKey), pduID); err != nil {
			return nil, 0, err
		}
	}
	if p.Kind == pdu.TypeMember && p.IsState() {
		if err := s.applyMembership(ctx, p); err != nil {
			return nil, 0, err
		}
	}
	if p.Kind == pdu.TypeCanonicalAlias && p.IsState() {
		if err := s.applyCanonicalAlias(ctx, p); err != nil {
			return nil, 0, err
		}
	}
	return pduID, count, nil
}

type membershipContent struct {
	Membership string `json:"membership"`
}

func (s *Store) applyMembership(ctx context.Context, p *pdu.PDU) error {
	var c membershipContent
	if len(p.Content) > 0 {
		if err := json.Unmarshal(p.Content, &c); err != nil {
			return &pdu.BadDatabaseError{Reason: fmt.Sprintf("decode membership content: %v", err)}
		}
	}
	userID := *p.StateKey
	switch c.Membership {
	case pdu.MembershipJoin:
		if err := s.kv.Put(ctx, membershipKey(p.RoomID, userID), []byte(c.Membership)); err != nil {
			return err
		}
		return s.kv.Put(ctx, joinedRoomsKey(userID, p.RoomID), []byte{})
	case pdu.MembershipLeave, pdu.MembershipBan:
		if err := s.kv.Put(ctx, membershipKey(p.RoomID, userID), []byte(c.Membership)); err != nil {
			return err
		}
		return s.kv.Delete(ctx, joinedRoomsKey(userID, p.RoomID))
	default:
		return s.kv.Put(ctx, membershipKey(p.RoomID, userID), []byte(c.Membership))
	}
}

type canonicalAliasContent struct {
	Alias      string   `json:"alias,omitempty"`
	AltAliases []string `json:"alt_aliases,omitempty"`
}

func (s *Store) applyCanonicalAlias(ctx context.Context, p *pdu.PDU) error {
	var c canonicalAliasContent
	if len(p.Content) > 0 {
		if err := json.Unmarshal(p.Content, &c); err != nil {
			return &pdu.BadDatabaseError{Reason: fmt.Sprintf("decode canonical_alias content: %v", err)}
		}
	}
	aliases := c.AltAliases
	if c.Alias != "" {
		aliases = append(aliases, c.Alias)
	}
	for _, alias := range aliases {
		if err := s.kv.Put(ctx, aliasKey(alias), []byte(p.RoomID)); err != nil {
			return err
		}
	}
	return nil
}

// SetAlias records alias → roomID directly, used by room-creation and
// alias-management flows outside of a canonical_alias state event.
func (s *Store) SetAlias(ctx context.Context, alias, roomID string) error {
	return s.kv.Put(ctx, aliasKey(alias), []byte(roomID))
}

// ApplyRedaction mutates the stored PDU for targetEventID in place,
// replacing its content with the whitelisted redaction projection and
// recording reason (the m.room.redaction event) under
// unsigned.redacted_because. Unlike AppendPDU this does not allocate a
// new pdu_id: the timeline position of the redaction itself is the
// separately-appended reason event (spec §4.4 step 6).
func (s *Store) ApplyRedaction(ctx context.Context, targetEventID string, reason *pdu.PDU) error {
	pduID, err := s.kv.Get(ctx, eventIDIndexKey(targetEventID))
	if err != nil {
		return err
	}
	if pduID == nil {
		return &pdu.BadDatabaseError{Reason: "redaction target does not exist: " + targetEventID}
	}
	target, err := s.GetPDUFromID(ctx, pduID)
	if err != nil {
		return err
	}
	redacted, err := pdu.Redact(target, reason)
	if err != nil {
		return err
	}
	raw, err := pdu.ToCanonicalJSONBytes(redacted)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, pduStorageKey(pduID), raw)
}

// GetPDU looks up a PDU by its content-addressed event id.
func (s *Store) GetPDU(ctx context.Context, eventID string) (*pdu.PDU, error) {
	raw, err := s.GetPDUJSON(ctx, eventID)
	if err != nil || raw == nil {
		return nil, err
	}
	return pdu.FromCanonicalJSON(raw)
}

// GetPDUJSON looks up a PDU's stored canonical JSON by event id.
func (s *Store) GetPDUJSON(ctx context.Context, eventID string) (json.RawMessage, error) {
	pduID, err := s.kv.Get(ctx, eventIDIndexKey(eventID))
	if err != nil || pduID == nil {
		return nil, err
	}
	return s.kv.Get(ctx, pduStorageKey(pduID))
}

// GetPDUFromID is the dispatcher's fast path: look up a PDU directly
// by its internal pdu_id, bypassing the event-id index.
func (s *Store) GetPDUFromID(ctx context.Context, pduID []byte) (*pdu.PDU, error) {
	raw, err := s.kv.Get(ctx, pduStorageKey(pduID))
	if err != nil || raw == nil {
		return nil, err
	}
	return pdu.FromCanonicalJSON(raw)
}

// PDUCount returns the dense per-room append index assigned to
// eventID's PDU, used by read receipts to order events without
// exposing pdu_ids.
func (s *Store) PDUCount(ctx context.Context, eventID string) (uint64, bool, error) {
	pduID, err := s.kv.Get(ctx, eventIDIndexKey(eventID))
	if err != nil || pduID == nil {
		return 0, false, err
	}
	if len(pduID) != 17 {
		return 0, false, &pdu.BadDatabaseError{Reason: "malformed pdu_id"}
	}
	return binary.BigEndian.Uint64(pduID[9:]), true, nil
}

// RoomStateGet returns the pdu_id and PDU currently authoritative for
// (eventType, stateKey) in roomID, or nil if there is none.
func (s *Store) RoomStateGet(ctx context.Context, roomID, eventType, stateKey string) ([]byte, *pdu.PDU, error) {
	pduID, err := s.kv.Get(ctx, stateIndexKey(roomID, eventType, stateKey))
	if err != nil || pduID == nil {
		return nil, nil, err
	}
	p, err := s.GetPDUFromID(ctx, pduID)
	return pduID, p, err
}

// RoomStateFull returns every currently-authoritative state event in
// roomID, keyed by [2]string{type, state_key}.
func (s *Store) RoomStateFull(ctx context.Context, roomID string) (map[[2]string]*pdu.PDU, error) {
	entries, err := s.kv.ScanPrefix(ctx, stateIndexRoomPrefix(roomID))
	if err != nil {
		return nil, err
	}
	out := make(map[[2]string]*pdu.PDU, len(entries))
	withDelim := kv.Join(stateIndexRoomPrefix(roomID), nil)
	for _, e := range entries {
		rest := bytes.TrimPrefix(e.Key, withDelim)
		parts := bytes.SplitN(rest, []byte{kv.Delim}, 2)
		if len(parts) != 2 {
			continue
		}
		p, err := s.GetPDUFromID(ctx, e.Value)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		out[[2]string{string(parts[0]), string(parts[1])}] = p
	}
	return out, nil
}

// RoomMembers returns every user whose current membership in roomID
// is "join".
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	entries, err := s.kv.ScanPrefix(ctx, membershipRoomPrefix(roomID))
	if err != nil {
		return nil, err
	}
	withDelim := kv.Join(membershipRoomPrefix(roomID), nil)
	var members []string
	for _, e := range entries {
		if string(e.Value) != pdu.MembershipJoin {
			continue
		}
		userID := bytes.TrimPrefix(e.Key, withDelim)
		members = append(members, string(userID))
	}
	return members, nil
}

// RoomsJoined returns every room userID currently has membership
// "join" in.
func (s *Store) RoomsJoined(ctx context.Context, userID string) ([]string, error) {
	entries, err := s.kv.ScanPrefix(ctx, joinedRoomsUserPrefix(userID))
	if err != nil {
		return nil, err
	}
	withDelim := kv.Join(joinedRoomsUserPrefix(userID), nil)
	var rooms []string
	for _, e := range entries {
		roomID := bytes.TrimPrefix(e.Key, withDelim)
		rooms = append(rooms, string(roomID))
	}
	return rooms, nil
}

// IsJoined reports whether userID's current membership in roomID is
// "join".
func (s *Store) IsJoined(ctx context.Context, userID, roomID string) (bool, error) {
	v, err := s.kv.Get(ctx, membershipKey(roomID, userID))
	if err != nil {
		return false, err
	}
	return string(v) == pdu.MembershipJoin, nil
}

// IDFromAlias resolves a room alias to a room id, if this server
// knows it.
func (s *Store) IDFromAlias(ctx context.Context, alias string) (string, bool, error) {
	v, err := s.kv.Get(ctx, aliasKey(alias))
	if err != nil || v == nil {
		return "", false, err
	}
	return string(v), true, nil
}
