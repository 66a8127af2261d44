// Package eventstore implements the durable PDU log and the
// secondary indexes over it (spec §4.3, §6's storage key layout):
// event-id lookup, current-state snapshot, membership, and pushers.
// All tables share a single kv.Store, namespaced by a short table
// prefix so prefix scans never cross tables.
package eventstore

import (
	"encoding/binary"

	"github.com/mxhs/homeserver/storage/kv"
)

// Table name prefixes. Kept as single bytes so key comparisons stay
// cheap and namespaces sort independently of each other.
var (
	tablePDU         = []byte("p")
	tableEventID     = []byte("e")
	tableState       = []byte("s")
	tableMembership  = []byte("m")
	tableJoinedRooms = []byte("j")
	tablePusher      = []byte("u")
	tableAlias       = []byte("a")
	tableExtremity   = []byte("x")
	tableRoomIndex   = []byte("r")
	tableRoomCounter = []byte("c")
	tablePresence    = []byte("z")
)

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// pduIDKey builds the pdu_id itself: room_index ‖ 0xFF ‖ counter, both
// big-endian, per spec §6.
func pduIDKey(roomIndex, counter uint64) []byte {
	return kv.Join(be64(roomIndex), be64(counter))
}

// pduStorageKey is the full store key under which a PDU's JSON lives.
func pduStorageKey(pduID []byte) []byte {
	return kv.Join(tablePDU, pduID)
}

func eventIDIndexKey(eventID string) []byte {
	return kv.Join(tableEventID, []byte(eventID))
}

func stateIndexKey(roomID, eventType, stateKey string) []byte {
	return kv.Join(tableState, []byte(roomID), []byte(eventType), []byte(stateKey))
}

func stateIndexRoomPrefix(roomID string) []byte {
	return kv.Join(tableState, []byte(roomID))
}

func membershipKey(roomID, userID string) []byte {
	return kv.Join(tableMembership, []byte(roomID), []byte(userID))
}

func membershipRoomPrefix(roomID string) []byte {
	return kv.Join(tableMembership, []byte(roomID))
}

func joinedRoomsKey(userID, roomID string) []byte {
	return kv.Join(tableJoinedRooms, []byte(userID), []byte(roomID))
}

func joinedRoomsUserPrefix(userID string) []byte {
	return kv.Join(tableJoinedRooms, []byte(userID))
}

func pusherKey(userID, pushkey string) []byte {
	return kv.Join(tablePusher, []byte(userID), []byte(pushkey))
}

func pusherUserPrefix(userID string) []byte {
	return kv.Join(tablePusher, []byte(userID))
}

func aliasKey(alias string) []byte {
	return kv.Join(tableAlias, []byte(alias))
}

func extremityKey(roomID, eventID string) []byte {
	return kv.Join(tableExtremity, []byte(roomID), []byte(eventID))
}

func extremityRoomPrefix(roomID string) []byte {
	return kv.Join(tableExtremity, []byte(roomID))
}

func roomIndexKey(roomID string) []byte {
	return kv.Join(tableRoomIndex, []byte(roomID))
}

// roomCounterKey is the per-room monotonic PDU counter used to derive
// the next pdu_id, keyed by the room's index rather than its id so it
// sorts adjacent to nothing else of interest.
func roomCounterKey(roomIndex uint64) []byte {
	return kv.Join(tableRoomCounter, be64(roomIndex))
}

func presenceKey(roomID, userID string) []byte {
	return kv.Join(tablePresence, []byte(roomID), []byte(userID))
}
