package push

import (
	"encoding/json"

	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/storage/eventstore"
)

// Device is one pusher's descriptor within a Notification payload.
type Device struct {
	AppID     string                 `json:"app_id"`
	Pushkey   string                 `json:"pushkey"`
	PushkeyTS int64                  `json:"pushkey_ts,omitempty"`
	Tweaks    map[string]interface{} `json:"tweaks,omitempty"`
}

// Counts is the unread/missed-call summary sent to a push gateway.
type Counts struct {
	Unread      int `json:"unread"`
	MissedCalls int `json:"missed_calls"`
}

// Notification is the payload POSTed to a pusher's data.url (spec
// §4.7, §6).
type Notification struct {
	Devices           []Device        `json:"devices"`
	EventID           string          `json:"event_id,omitempty"`
	RoomID            string          `json:"room_id,omitempty"`
	Type              string          `json:"type,omitempty"`
	Sender            string          `json:"sender,omitempty"`
	SenderDisplayName string          `json:"sender_display_name,omitempty"`
	RoomName          string          `json:"room_name,omitempty"`
	UserIsTarget      bool            `json:"user_is_target,omitempty"`
	Priority          string          `json:"prio,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
	Counts            Counts          `json:"counts"`
}

// BuildNotification assembles the payload for one pusher. Unless the
// pusher's format is event_id_only, the full event shape (sender,
// type, content, user_is_target, display names) is included.
func BuildNotification(p *pdu.PDU, recipient string, unread int, pusher eventstore.Pusher, tweaks map[string]interface{}, senderDisplayName, roomName string) *Notification {
	_, hasSound := tweaks["sound"]
	highlight, _ := tweaks["highlight"].(bool)
	priority := "low"
	if p.Kind == pdu.TypeEncrypted || highlight || hasSound {
		priority = "high"
	}

	n := &Notification{
		Devices:  []Device{{AppID: pusher.AppID, Pushkey: pusher.Pushkey, Tweaks: tweaks}},
		EventID:  p.EventID,
		RoomID:   p.RoomID,
		Counts:   Counts{Unread: unread},
		Priority: priority,
	}

	if pusher.Data.Format == "event_id_only" {
		return n
	}

	n.Type = p.Kind
	n.Sender = p.Sender
	n.Content = p.Content
	n.UserIsTarget = p.IsState() && p.StateKey != nil && *p.StateKey == recipient
	n.SenderDisplayName = senderDisplayName
	n.RoomName = roomName
	return n
}
