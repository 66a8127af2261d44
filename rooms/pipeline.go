// Package rooms implements the PDU append pipeline: authorization,
// extremity/depth resolution, the canonical-alias gate, redaction
// application, and enqueueing appended events to the outbound and
// push queues (spec §4.4).
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mxhs/homeserver/appservice"
	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/storage/eventstore"
)

// ForbiddenError is returned when the authorization check, the
// canonical-alias gate, or a structural precondition rejects a
// candidate PDU. No PDU is appended when this is returned (spec §7:
// append-pipeline failures do not partially commit).
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return "forbidden: " + e.Reason }

func isForbidden(err error) bool {
	var f *ForbiddenError
	return errors.As(err, &f)
}

// OutboundEnqueuer is the append pipeline's narrow view of the
// outbound dispatcher: enqueue-only, so the pipeline never reaches
// back into dispatcher internals (spec §9's "narrow capability trait,
// not a back-reference").
type OutboundEnqueuer interface {
	EnqueueNormal(ctx context.Context, destServer string, pduID []byte) error
	EnqueueAppservice(ctx context.Context, appserviceID string, pduID []byte) error
	EnqueuePush(ctx context.Context, pduID []byte) error
}

// Pipeline runs build_and_append_pdu against a single event store.
type Pipeline struct {
	Store       *eventstore.Store
	Signer      pdu.Signer
	Clock       pdu.Clock
	Outbound    OutboundEnqueuer
	Appservices *appservice.Registry
	ServerName  string

	roomLocks sync.Map // roomID string -> *sync.Mutex
}

func (p *Pipeline) lockRoom(roomID string) func() {
	v, _ := p.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// BuildAndAppendPDU runs the full ten-step pipeline of spec §4.4 and
// returns the newly assigned event id.
func (p *Pipeline) BuildAndAppendPDU(ctx context.Context, b pdu.Builder, sender, roomID string) (eventID string, err error) {
	start := time.Now()
	defer func() {
		switch {
		case err == nil:
			observeAppend(start, "appended")
		case isForbidden(err):
			observeAppend(start, "forbidden")
		default:
			observeAppend(start, "error")
		}
	}()

	// PDU-id allocation must be strictly monotonic per room (spec §5);
	// a per-room mutex gives build_and_append_pdu the "exclusive
	// section" the spec assumes without blocking unrelated rooms.
	unlock := p.lockRoom(roomID)
	defer unlock()

	parents, depth, err := p.resolveParentsAndDepth(ctx, roomID)
	if err != nil {
		return "", err
	}

	aux, authEventIDs, err := p.selectAuthEvents(ctx, roomID, sender, b)
	if err != nil {
		return "", err
	}

	candidate, err := pdu.HashAndBuild(b, roomID, sender, parents, depth, authEventIDs, p.Signer, p.Clock)
	if err != nil {
		return "", err
	}

	if !authorize(candidate, aux) {
		return "", &ForbiddenError{Reason: fmt.Sprintf("%s not authorized for %s in %s", sender, candidate.Kind, roomID)}
	}

	if candidate.Kind == pdu.TypeCanonicalAlias {
		if err := p.checkCanonicalAliasGate(ctx, roomID, candidate); err != nil {
			return "", err
		}
	}

	if candidate.Redacts != "" {
		if err := p.Store.ApplyRedaction(ctx, candidate.Redacts, candidate); err != nil {
			return "", err
		}
	}

	pduID, _, err := p.Store.AppendPDU(ctx, candidate)
	if err != nil {
		return "", err
	}

	if err := p.Store.Extremities().Advance(ctx, roomID, parents, candidate.EventID); err != nil {
		return "", err
	}

	if err := p.enqueueOutbound(ctx, roomID, candidate, pduID); err != nil {
		return "", err
	}

	if err := p.applyPresenceSideEffects(ctx, roomID, candidate); err != nil {
		return "", err
	}

	return candidate.EventID, nil
}

func (p *Pipeline) resolveParentsAndDepth(ctx context.Context, roomID string) ([]string, uint64, error) {
	parents, err := p.Store.Extremities().List(ctx, roomID)
	if err != nil {
		return nil, 0, err
	}
	if len(parents) == 0 {
		return nil, 0, nil
	}
	var maxDepth uint64
	for _, parentID := range parents {
		parentPDU, err := p.Store.GetPDU(ctx, parentID)
		if err != nil {
			return nil, 0, err
		}
		if parentPDU == nil {
			return nil, 0, &pdu.BadDatabaseError{Reason: "extremity references missing PDU " + parentID}
		}
		if parentPDU.Depth > maxDepth {
			maxDepth = parentPDU.Depth
		}
	}
	sort.Strings(parents)
	return parents, maxDepth + 1, nil
}

func (p *Pipeline) selectAuthEvents(ctx context.Context, roomID, sender string, b pdu.Builder) (authEvents, []string, error) {
	var aux authEvents
	var ids []string

	_, create, err := p.Store.RoomStateGet(ctx, roomID, pdu.TypeCreate, "")
	if err != nil {
		return aux, nil, err
	}
	aux.create = create
	if create != nil {
		ids = append(ids, create.EventID)
	}

	if b.EventType == pdu.TypeCreate {
		return aux, ids, nil
	}

	_, powerLevels, err := p.Store.RoomStateGet(ctx, roomID, pdu.TypePowerLevels, "")
	if err != nil {
		return aux, nil, err
	}
	aux.powerLevels = powerLevels
	if powerLevels != nil {
		ids = append(ids, powerLevels.EventID)
	}

	_, joinRules, err := p.Store.RoomStateGet(ctx, roomID, pdu.TypeJoinRules, "")
	if err != nil {
		return aux, nil, err
	}
	aux.joinRules = joinRules
	if joinRules != nil {
		ids = append(ids, joinRules.EventID)
	}

	_, senderMember, err := p.Store.RoomStateGet(ctx, roomID, pdu.TypeMember, sender)
	if err != nil {
		return aux, nil, err
	}
	aux.senderMember = senderMember
	if senderMember != nil {
		ids = append(ids, senderMember.EventID)
	}

	if b.EventType == pdu.TypeMember && b.StateKey != nil {
		_, targetMember, err := p.Store.RoomStateGet(ctx, roomID, pdu.TypeMember, *b.StateKey)
		if err != nil {
			return aux, nil, err
		}
		aux.targetMember = targetMember
		if targetMember != nil {
			ids = append(ids, targetMember.EventID)
		}
	}

	return aux, ids, nil
}

type canonicalAliasContent struct {
	Alias      string   `json:"alias,omitempty"`
	AltAliases []string `json:"alt_aliases,omitempty"`
}

func (p *Pipeline) checkCanonicalAliasGate(ctx context.Context, roomID string, candidate *pdu.PDU) error {
	var c canonicalAliasContent
	if len(candidate.Content) > 0 {
		if err := json.Unmarshal(candidate.Content, &c); err != nil {
			return &pdu.BadDatabaseError{Reason: fmt.Sprintf("decode canonical_alias content: %v", err)}
		}
	}
	aliases := append([]string(nil), c.AltAliases...)
	if c.Alias != "" {
		aliases = append(aliases, c.Alias)
	}
	for _, alias := range aliases {
		resolved, ok, err := p.Store.IDFromAlias(ctx, alias)
		if err != nil {
			return err
		}
		if !ok || resolved != roomID {
			return &ForbiddenError{Reason: "alias " + alias + " does not resolve to this room"}
		}
	}
	return nil
}

func serverNameOf(matrixID string) string {
	idx := strings.IndexByte(matrixID, ':')
	if idx < 0 {
		return ""
	}
	return matrixID[idx+1:]
}

func (p *Pipeline) enqueueOutbound(ctx context.Context, roomID string, candidate *pdu.PDU, pduID []byte) error {
	members, err := p.Store.RoomMembers(ctx, roomID)
	if err != nil {
		return err
	}
	seenServers := map[string]bool{p.ServerName: true}
	for _, member := range members {
		server := serverNameOf(member)
		if server == "" || seenServers[server] {
			continue
		}
		seenServers[server] = true
		if err := p.Outbound.EnqueueNormal(ctx, server, pduID); err != nil {
			return err
		}
	}

	if p.Appservices != nil {
		targets := []string{candidate.Sender}
		if candidate.IsState() && candidate.Kind == pdu.TypeMember {
			targets = append(targets, *candidate.StateKey)
		}
		for _, id := range p.Appservices.Matching(roomID, targets, nil) {
			if err := p.Outbound.EnqueueAppservice(ctx, id, pduID); err != nil {
				return err
			}
		}
	}

	return p.Outbound.EnqueuePush(ctx, pduID)
}

func (p *Pipeline) applyPresenceSideEffects(ctx context.Context, roomID string, candidate *pdu.PDU) error {
	if candidate.Kind != pdu.TypeMember || !candidate.IsState() || *candidate.StateKey != candidate.Sender {
		return nil
	}
	if decodeMembership(candidate) != pdu.MembershipJoin {
		return nil
	}
	rooms, err := p.Store.RoomsJoined(ctx, candidate.Sender)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		if err := p.Store.SetPresence(ctx, r, candidate.Sender, "online"); err != nil {
			return err
		}
	}
	return nil
}
