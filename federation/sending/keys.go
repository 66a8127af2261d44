package sending

import "github.com/mxhs/homeserver/storage/kv"

// DestinationKind tags which of the three transaction flavors a
// destination is (spec §4.6).
type DestinationKind int

const (
	Normal DestinationKind = iota
	Appservice
	Push
)

// Destination identifies one outbound transaction target: a
// federation peer, an application service, or a single push
// notification.
type Destination struct {
	Kind DestinationKind
	ID   string // server name, appservice id, or opaque push id
}

// prefix is the destination-tag-prefix encoding of spec §4.6:
// federation peers use the raw server name, appservices are
// '+'-prefixed, pushes are '$'-prefixed.
func (d Destination) prefix() []byte {
	switch d.Kind {
	case Appservice:
		return append([]byte{'+'}, d.ID...)
	case Push:
		return append([]byte{'$'}, d.ID...)
	default:
		return []byte(d.ID)
	}
}

var (
	tablePending  = []byte("servernamepduids")
	tableInflight = []byte("servercurrentpdus")
)

func pendingKey(d Destination, pduID []byte) []byte {
	return kv.Join(tablePending, d.prefix(), pduID)
}

func pendingPrefix(d Destination) []byte {
	return kv.Join(tablePending, d.prefix())
}

// inflightBase is the in-flight prefix without the trailing delimiter
// that both the reservation marker and individual entries share.
func inflightBase(d Destination) []byte {
	return kv.Join(tableInflight, d.prefix())
}

// reservationKey is inflightBase ‖ 0xFF with nothing appended: "ends
// at the delimiter with no PDU-id" per spec §4.6.
func reservationKey(d Destination) []byte {
	return kv.Join(inflightBase(d), nil)
}

func inflightKey(d Destination, pduID []byte) []byte {
	return kv.Join(inflightBase(d), pduID)
}

// pduIDLen is the fixed width of a pdu_id: room_index (8 bytes) ‖ 0xFF
// ‖ counter (8 bytes), both big-endian (see
// storage/eventstore.pduIDKey).
const pduIDLen = 17

// decodePendingKey recovers the Destination and pdu_id encoded in a
// pending-table key. Pending-table entries always carry a pdu_id (the
// bare reservation marker only ever exists in the in-flight table).
func decodePendingKey(key []byte) (Destination, []byte) {
	rest := key[len(tablePending)+1:] // strip "servernamepduids" ‖ 0xFF
	pduID := rest[len(rest)-pduIDLen:]
	prefix := rest[:len(rest)-pduIDLen-1] // also strips the delimiter before pduID
	return decodePrefix(prefix), pduID
}

// decodeInflightKey splits an in-flight-table key into its
// destination prefix and, if present, the trailing pdu_id. A bare
// reservation marker (spec §4.6: "ends at the delimiter with no
// PDU-id") yields a nil pdu_id. Destination prefixes never contain
// the delimiter byte, since they are built from server names and
// textual ids, so the presence of a delimiter pduIDLen+1 bytes from
// the end unambiguously marks a real entry.
func decodeInflightKey(key []byte) (destPrefix, pduID []byte) {
	rest := key[len(tableInflight)+1:]
	if len(rest) >= pduIDLen+1 && rest[len(rest)-pduIDLen-1] == kv.Delim {
		return rest[:len(rest)-pduIDLen-1], rest[len(rest)-pduIDLen:]
	}
	if len(rest) >= 1 && rest[len(rest)-1] == kv.Delim {
		return rest[:len(rest)-1], nil
	}
	return rest, nil
}

func decodePrefix(prefix []byte) Destination {
	if len(prefix) == 0 {
		return Destination{Kind: Normal, ID: ""}
	}
	switch prefix[0] {
	case '+':
		return Destination{Kind: Appservice, ID: string(prefix[1:])}
	case '$':
		return Destination{Kind: Push, ID: string(prefix[1:])}
	default:
		return Destination{Kind: Normal, ID: string(prefix)}
	}
}
