package pdu

import "encoding/json"

// The views below are narrow JSON projections of a PDU for the public
// client surface, each emitting a different field set, grounded on
// original_source/src/pdu.rs's to_room_event/to_state_event/etc.
// family. They are plain structs rather than a single PDU with
// omitempty so each shape's field set is explicit at the call site.

// RoomEvent is a timeline event as returned outside of sync (GET
// /rooms/{roomId}/event/{eventId} and similar).
type RoomEvent struct {
	Content        json.RawMessage            `json:"content"`
	Kind           string                     `json:"type"`
	EventID        string                     `json:"event_id"`
	Sender         string                     `json:"sender"`
	OriginServerTS uint64                     `json:"origin_server_ts"`
	Unsigned       map[string]json.RawMessage `json:"unsigned,omitempty"`
	RoomID         string                     `json:"room_id"`
	StateKey       *string                    `json:"state_key,omitempty"`
	Redacts        string                     `json:"redacts,omitempty"`
}

// SyncRoomEvent is a timeline event as embedded in a /sync response,
// where room_id is implied by the surrounding room object.
type SyncRoomEvent struct {
	Content        json.RawMessage            `json:"content"`
	Kind           string                     `json:"type"`
	EventID        string                     `json:"event_id"`
	Sender         string                     `json:"sender"`
	OriginServerTS uint64                     `json:"origin_server_ts"`
	Unsigned       map[string]json.RawMessage `json:"unsigned,omitempty"`
	StateKey       *string                    `json:"state_key,omitempty"`
	Redacts        string                     `json:"redacts,omitempty"`
}

// StateEvent is a state event as returned outside of sync.
type StateEvent struct {
	Content        json.RawMessage            `json:"content"`
	Kind           string                     `json:"type"`
	EventID        string                     `json:"event_id"`
	Sender         string                     `json:"sender"`
	OriginServerTS uint64                     `json:"origin_server_ts"`
	Unsigned       map[string]json.RawMessage `json:"unsigned,omitempty"`
	RoomID         string                     `json:"room_id"`
	StateKey       string                     `json:"state_key"`
}

// SyncStateEvent is a state event as embedded in a /sync response.
type SyncStateEvent struct {
	Content        json.RawMessage            `json:"content"`
	Kind           string                     `json:"type"`
	EventID        string                     `json:"event_id"`
	Sender         string                     `json:"sender"`
	OriginServerTS uint64                     `json:"origin_server_ts"`
	Unsigned       map[string]json.RawMessage `json:"unsigned,omitempty"`
	StateKey       string                     `json:"state_key"`
}

// StrippedStateEvent carries only enough of a state event to preview
// an invite: no event_id, origin_server_ts or room_id.
type StrippedStateEvent struct {
	Content  json.RawMessage `json:"content"`
	Kind     string          `json:"type"`
	Sender   string          `json:"sender"`
	StateKey string          `json:"state_key"`
}

// MemberEvent is the full shape of an m.room.member state event,
// including redacts (members can be the target of a redaction when
// an invite/knock is retracted).
type MemberEvent struct {
	Content        json.RawMessage            `json:"content"`
	Kind           string                     `json:"type"`
	EventID        string                     `json:"event_id"`
	Sender         string                     `json:"sender"`
	OriginServerTS uint64                     `json:"origin_server_ts"`
	Redacts        string                     `json:"redacts,omitempty"`
	Unsigned       map[string]json.RawMessage `json:"unsigned,omitempty"`
	RoomID         string                     `json:"room_id"`
	StateKey       string                     `json:"state_key"`
}

func stateKeyOrEmpty(p *PDU) string {
	if p.StateKey == nil {
		return ""
	}
	return *p.StateKey
}

// ToRoomEvent projects p as a RoomEvent.
func (p *PDU) ToRoomEvent() RoomEvent {
	return RoomEvent{
		Content:        p.Content,
		Kind:           p.Kind,
		EventID:        p.EventID,
		Sender:         p.Sender,
		OriginServerTS: p.OriginServerTS,
		Unsigned:       p.Unsigned,
		RoomID:         p.RoomID,
		StateKey:       p.StateKey,
		Redacts:        p.Redacts,
	}
}

// ToSyncRoomEvent projects p as a SyncRoomEvent.
func (p *PDU) ToSyncRoomEvent() SyncRoomEvent {
	return SyncRoomEvent{
		Content:        p.Content,
		Kind:           p.Kind,
		EventID:        p.EventID,
		Sender:         p.Sender,
		OriginServerTS: p.OriginServerTS,
		Unsigned:       p.Unsigned,
		StateKey:       p.StateKey,
		Redacts:        p.Redacts,
	}
}

// ToStateEvent projects p as a StateEvent. Callers must only invoke
// this on a PDU for which p.IsState() holds.
func (p *PDU) ToStateEvent() StateEvent {
	return StateEvent{
		Content:        p.Content,
		Kind:           p.Kind,
		EventID:        p.EventID,
		Sender:         p.Sender,
		OriginServerTS: p.OriginServerTS,
		Unsigned:       p.Unsigned,
		RoomID:         p.RoomID,
		StateKey:       stateKeyOrEmpty(p),
	}
}

// ToSyncStateEvent projects p as a SyncStateEvent.
func (p *PDU) ToSyncStateEvent() SyncStateEvent {
	return SyncStateEvent{
		Content:        p.Content,
		Kind:           p.Kind,
		EventID:        p.EventID,
		Sender:         p.Sender,
		OriginServerTS: p.OriginServerTS,
		Unsigned:       p.Unsigned,
		StateKey:       stateKeyOrEmpty(p),
	}
}

// ToStrippedStateEvent projects p for use in an invite/knock preview.
func (p *PDU) ToStrippedStateEvent() StrippedStateEvent {
	return StrippedStateEvent{
		Content:  p.Content,
		Kind:     p.Kind,
		Sender:   p.Sender,
		StateKey: stateKeyOrEmpty(p),
	}
}

// ToMemberEvent projects p as a MemberEvent. Callers must only invoke
// this on a PDU with Kind == TypeMember.
func (p *PDU) ToMemberEvent() MemberEvent {
	return MemberEvent{
		Content:        p.Content,
		Kind:           p.Kind,
		EventID:        p.EventID,
		Sender:         p.Sender,
		OriginServerTS: p.OriginServerTS,
		Redacts:        p.Redacts,
		Unsigned:       p.Unsigned,
		RoomID:         p.RoomID,
		StateKey:       stateKeyOrEmpty(p),
	}
}
