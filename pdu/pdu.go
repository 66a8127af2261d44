// Package pdu implements the Persistent Data Unit: canonical JSON
// encoding, reference-hash event-id derivation, the redaction
// projection, and the narrow client/federation shapes a PDU is
// projected into. This is the wire format the rest of the core
// (storage/eventstore, rooms, federation/sending) is built around.
package pdu

import "encoding/json"

// PDU is the atomic unit of room history (spec §3).
type PDU struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	OriginServerTS uint64                       `json:"origin_server_ts"`
	Kind           string                       `json:"type"`
	Content        json.RawMessage              `json:"content"`
	StateKey       *string                      `json:"state_key,omitempty"`
	PrevEvents     []string                     `json:"prev_events"`
	Depth          uint64                       `json:"depth"`
	AuthEvents     []string                     `json:"auth_events"`
	Redacts        string                       `json:"redacts,omitempty"`
	Unsigned       map[string]json.RawMessage   `json:"unsigned,omitempty"`
	Hashes         map[string]string            `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
}

// IsState reports whether this PDU is a state event, i.e. StateKey is
// present (including the empty string).
func (p *PDU) IsState() bool { return p.StateKey != nil }

// Clone returns a deep copy of p, safe to mutate independently.
func (p *PDU) Clone() *PDU {
	out := *p
	out.PrevEvents = append([]string(nil), p.PrevEvents...)
	out.AuthEvents = append([]string(nil), p.AuthEvents...)
	if p.StateKey != nil {
		sk := *p.StateKey
		out.StateKey = &sk
	}
	if p.Content != nil {
		out.Content = append(json.RawMessage(nil), p.Content...)
	}
	if p.Unsigned != nil {
		out.Unsigned = make(map[string]json.RawMessage, len(p.Unsigned))
		for k, v := range p.Unsigned {
			out.Unsigned[k] = append(json.RawMessage(nil), v...)
		}
	}
	if p.Hashes != nil {
		out.Hashes = make(map[string]string, len(p.Hashes))
		for k, v := range p.Hashes {
			out.Hashes[k] = v
		}
	}
	if p.Signatures != nil {
		out.Signatures = make(map[string]map[string]string, len(p.Signatures))
		for server, keys := range p.Signatures {
			m := make(map[string]string, len(keys))
			for k, v := range keys {
				m[k] = v
			}
			out.Signatures[server] = m
		}
	}
	return &out
}

// Builder carries the caller-supplied fields of a not-yet-built PDU
// (spec §4.4 step 1-3 input). It is the Go analogue of conduit's
// PduBuilder.
type Builder struct {
	EventType string
	Content   json.RawMessage
	Unsigned  map[string]json.RawMessage
	StateKey  *string
	Redacts   string
}

// Event type constants used throughout the auth/append pipeline and
// the push evaluator.
const (
	TypeCreate             = "m.room.create"
	TypeMember             = "m.room.member"
	TypePowerLevels        = "m.room.power_levels"
	TypeJoinRules          = "m.room.join_rules"
	TypeCanonicalAlias     = "m.room.canonical_alias"
	TypeHistoryVisibility  = "m.room.history_visibility"
	TypeMessage            = "m.room.message"
	TypeEncrypted          = "m.room.encrypted"
	TypeName               = "m.room.name"
	TypeTombstone          = "m.room.tombstone"
	TypeCallInvite         = "m.call.invite"
	TypePushRules          = "m.push_rules"
	TypeRedaction          = "m.room.redaction"
)

// Membership values.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipInvite = "invite"
	MembershipKnock  = "knock"
)
