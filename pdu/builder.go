package pdu

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Signer produces this server's signature over a PDU's canonical
// JSON. There is no signing library among the retrieved examples that
// covers Matrix's event-signing scheme (ed25519 over canonical JSON,
// unpadded base64); crypto/ed25519 is used directly for that reason
// (see DESIGN.md).
type Signer struct {
	ServerName string
	KeyID      string
	PrivateKey ed25519.PrivateKey
}

// Sign returns the unpadded-base64 signature of canon under this
// server's signing key.
func (s Signer) Sign(canon []byte) string {
	sig := ed25519.Sign(s.PrivateKey, canon)
	return base64.RawStdEncoding.EncodeToString(sig)
}

// Clock returns the current wall-clock time in Matrix's
// origin_server_ts unit (unsigned millis since epoch). Exists so
// tests can substitute a fixed clock; production wires time.Now.
type Clock func() time.Time

// HashAndBuild fills origin_server_ts, computes the reference hash to
// assign event_id, and adds this server's signature, per spec §4.2.
func HashAndBuild(builder Builder, roomID, sender string, parents []string, depth uint64, authEvents []string, signer Signer, now Clock) (*PDU, error) {
	if builder.Content == nil {
		builder.Content = json.RawMessage("{}")
	}
	p := &PDU{
		RoomID:         roomID,
		Sender:         sender,
		OriginServerTS: uint64(now().UnixMilli()),
		Kind:           builder.EventType,
		Content:        builder.Content,
		StateKey:       builder.StateKey,
		PrevEvents:     append([]string(nil), parents...),
		Depth:          depth,
		AuthEvents:     append([]string(nil), authEvents...),
		Redacts:        builder.Redacts,
	}
	if builder.Unsigned != nil {
		p.Unsigned = make(map[string]json.RawMessage, len(builder.Unsigned))
		for k, v := range builder.Unsigned {
			p.Unsigned[k] = v
		}
	}

	contentHash, err := contentHashOf(p)
	if err != nil {
		return nil, err
	}
	p.Hashes = map[string]string{"sha256": contentHash}

	eventID, err := ReferenceHash(p)
	if err != nil {
		return nil, err
	}
	p.EventID = eventID

	canon, err := ToCanonicalJSON(withoutSignatures(p))
	if err != nil {
		return nil, err
	}
	p.Signatures = map[string]map[string]string{
		signer.ServerName: {signer.KeyID: signer.Sign(canon)},
	}
	return p, nil
}

// contentHashOf computes the "hashes.sha256" content hash: the
// reference hash taken before signatures exist, i.e. over the PDU
// minus event_id/unsigned/signatures/hashes (the same projection
// ReferenceHash uses, reused here since this server has no prior hash
// to preserve across the two computations).
func contentHashOf(p *PDU) (string, error) {
	id, err := ReferenceHash(p)
	if err != nil {
		return "", err
	}
	// ReferenceHash returns "$"+base64; the content hash is the same
	// digest without the sigil, matching the relationship between
	// hashes.sha256 and the reference hash for an unsigned event.
	return id[1:], nil
}

func withoutSignatures(p *PDU) map[string]interface{} {
	m, _ := referenceHashableJSON(p)
	if m == nil {
		m = map[string]interface{}{}
	}
	if p.Hashes != nil {
		hashes := make(map[string]interface{}, len(p.Hashes))
		for k, v := range p.Hashes {
			hashes[k] = v
		}
		m["hashes"] = hashes
	}
	return m
}

// ToOutgoingFederation renders pduJSON for transmission to a
// federation peer: event_id and unsigned.transaction_id are stripped
// since peers recompute the event id from the reference hash (spec
// §4.2).
func ToOutgoingFederation(pduJSON map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pduJSON))
	for k, v := range pduJSON {
		out[k] = v
	}
	delete(out, "event_id")
	if unsigned, ok := out["unsigned"].(map[string]interface{}); ok {
		u := make(map[string]interface{}, len(unsigned))
		for k, v := range unsigned {
			if k == "transaction_id" {
				continue
			}
			u[k] = v
		}
		out["unsigned"] = u
	}
	return out, nil
}

// ToOutgoingFederationPDU is the typed convenience wrapper around
// ToOutgoingFederation for a stored *PDU.
func ToOutgoingFederationPDU(p *PDU) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("marshal: %v", err)}
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("decode: %v", err)}
	}
	out, err := ToOutgoingFederation(generic)
	if err != nil {
		return nil, err
	}
	return ToCanonicalJSON(out)
}
