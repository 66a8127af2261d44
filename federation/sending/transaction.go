package sending

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/push"
)

// sendTransaction dispatches a batch of pdu_ids to dest, building the
// transaction shape appropriate to its flavor (spec §4.6 "Transaction
// building per destination flavor").
func (d *Dispatcher) sendTransaction(ctx context.Context, dest Destination, pduIDs [][]byte) error {
	switch dest.Kind {
	case Normal:
		return d.sendFederationTransaction(ctx, dest.ID, pduIDs)
	case Appservice:
		return d.sendAppserviceTransaction(ctx, dest.ID, pduIDs)
	case Push:
		return d.sendPushNotifications(ctx, pduIDs)
	default:
		return fmt.Errorf("sending: unknown destination kind %d", dest.Kind)
	}
}

func (d *Dispatcher) loadPDUs(ctx context.Context, pduIDs [][]byte) ([]*pdu.PDU, error) {
	out := make([]*pdu.PDU, 0, len(pduIDs))
	for _, id := range pduIDs {
		p, err := d.store.GetPDUFromID(ctx, id)
		var badDB *pdu.BadDatabaseError
		if errors.As(err, &badDB) {
			// Spec §7: unrecoverable decode of a stored PDU is logged
			// BadDatabase and that PDU is skipped in dispatch.
			d.log.WithError(err).WithField("pdu_id", fmt.Sprintf("%x", id)).Warn("stored pdu undecodable, skipping")
			continue
		}
		if err != nil {
			return nil, err
		}
		if p == nil {
			// A pdu_id with no stored PDU is likewise logged and skipped.
			d.log.WithField("pdu_id", fmt.Sprintf("%x", id)).Warn("pdu missing at dispatch time, skipping")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *Dispatcher) sendFederationTransaction(ctx context.Context, server string, pduIDs [][]byte) error {
	pdus, err := d.loadPDUs(ctx, pduIDs)
	if err != nil {
		return err
	}
	outgoing := make([]json.RawMessage, 0, len(pdus))
	for _, p := range pdus {
		raw, err := pdu.ToOutgoingFederationPDU(p)
		if err != nil {
			d.log.WithError(err).Warn("encode outgoing pdu, skipping")
			continue
		}
		outgoing = append(outgoing, raw)
	}

	body := map[string]interface{}{
		"origin":            d.serverName,
		"origin_server_ts":  uint64(d.now().UnixMilli()),
		"pdus":              outgoing,
		"edus":              []interface{}{},
	}
	url := fmt.Sprintf("https://%s/_matrix/federation/v1/send/%s", server, newTxnID())
	return d.postJSON(ctx, http.MethodPut, url, body)
}

func (d *Dispatcher) sendAppserviceTransaction(ctx context.Context, appserviceID string, pduIDs [][]byte) error {
	reg, ok := d.appservices.Lookup(appserviceID)
	if !ok {
		return fmt.Errorf("sending: unknown appservice %q", appserviceID)
	}
	pdus, err := d.loadPDUs(ctx, pduIDs)
	if err != nil {
		return err
	}
	events := make([]pdu.RoomEvent, 0, len(pdus))
	for _, p := range pdus {
		events = append(events, p.ToRoomEvent())
	}
	url := strings.TrimRight(reg.PushURL, "/") + "/_matrix/app/v1/transactions/" + newTxnID()
	return d.postJSON(ctx, http.MethodPut, url, map[string]interface{}{"events": events})
}

type powerLevelsForPush struct {
	NotificationsRoom int
	SenderLevel       int
}

func (d *Dispatcher) resolvePushLevels(ctx context.Context, roomID, sender string) powerLevelsForPush {
	_, plPDU, err := d.store.RoomStateGet(ctx, roomID, pdu.TypePowerLevels, "")
	if err != nil || plPDU == nil {
		return powerLevelsForPush{NotificationsRoom: 50, SenderLevel: 0}
	}
	var content struct {
		Notifications struct {
			Room *int `json:"room"`
		} `json:"notifications"`
		Users map[string]int `json:"users"`
	}
	_ = json.Unmarshal(plPDU.Content, &content)
	roomLevel := 50
	if content.Notifications.Room != nil {
		roomLevel = *content.Notifications.Room
	}
	senderLevel := content.Users[sender]
	return powerLevelsForPush{NotificationsRoom: roomLevel, SenderLevel: senderLevel}
}

func (d *Dispatcher) memberDisplayName(ctx context.Context, roomID, userID string) string {
	_, memberPDU, err := d.store.RoomStateGet(ctx, roomID, pdu.TypeMember, userID)
	if err != nil || memberPDU == nil {
		return ""
	}
	var content struct {
		DisplayName string `json:"displayname"`
	}
	_ = json.Unmarshal(memberPDU.Content, &content)
	return content.DisplayName
}

func (d *Dispatcher) roomName(ctx context.Context, roomID string) string {
	_, namePDU, err := d.store.RoomStateGet(ctx, roomID, pdu.TypeName, "")
	if err != nil || namePDU == nil {
		return ""
	}
	var content struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(namePDU.Content, &content)
	return content.Name
}

func localpartOf(userID string) string {
	if !strings.HasPrefix(userID, "@") {
		return ""
	}
	idx := strings.IndexByte(userID, ':')
	if idx < 0 {
		return userID[1:]
	}
	return userID[1:idx]
}

// sendPushNotifications resolves each pdu, evaluates push rules for
// every joined member's pushers, and POSTs one Notification per
// matching pusher (spec §4.6, §4.7).
func (d *Dispatcher) sendPushNotifications(ctx context.Context, pduIDs [][]byte) error {
	pdus, err := d.loadPDUs(ctx, pduIDs)
	if err != nil {
		return err
	}
	for _, p := range pdus {
		if err := d.sendPushNotificationsForPDU(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) sendPushNotificationsForPDU(ctx context.Context, p *pdu.PDU) error {
	members, err := d.store.RoomMembers(ctx, p.RoomID)
	if err != nil {
		return err
	}
	levels := d.resolvePushLevels(ctx, p.RoomID, p.Sender)
	roomName := d.roomName(ctx, p.RoomID)
	senderDisplayName := d.memberDisplayName(ctx, p.RoomID, p.Sender)
	content := push.DecodeContent(p)

	for _, member := range members {
		if member == p.Sender {
			continue
		}
		pushers, err := d.store.GetPushers(ctx, member)
		if err != nil {
			return err
		}
		if len(pushers) == 0 {
			continue
		}

		matchCtx := push.MatchContext{
			PDU:                    p,
			Content:                content,
			Recipient:              member,
			RecipientDisplayName:   d.memberDisplayName(ctx, p.RoomID, member),
			RecipientLocalpart:     localpartOf(member),
			RoomMemberCount:        len(members),
			SenderPowerLevel:       levels.SenderLevel,
			NotificationsRoomLevel: levels.NotificationsRoom,
		}
		notify, tweaks := push.Evaluate(matchCtx, push.DefaultRuleset())
		if !notify {
			continue
		}

		unread, _, err := d.store.PDUCount(ctx, p.EventID)
		if err != nil {
			return err
		}

		for _, pusher := range pushers {
			n := push.BuildNotification(p, member, int(unread), pusher, tweaks, senderDisplayName, roomName)
			if err := d.postJSON(ctx, http.MethodPost, pusher.Data.URL, map[string]interface{}{"notification": n}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) postJSON(ctx context.Context, method, url string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending: outbound request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sending: %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
