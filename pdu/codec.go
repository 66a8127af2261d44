package pdu

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// BadDatabaseError is returned by codec operations that produce or
// consume invalid canonical JSON, matching spec §4.2's failure mode.
// storage/eventstore and rooms return it directly (unwrapped) for
// corrupt or missing stored data as well.
type BadDatabaseError struct {
	Reason string
}

func (e *BadDatabaseError) Error() string { return "bad database: " + e.Reason }

// ToCanonicalJSON renders v (anything JSON-marshalable, typically a
// map[string]interface{} or *PDU) as Matrix canonical JSON: UTF-8,
// no insignificant whitespace, object keys sorted lexicographically
// by their UTF-16 code units (ASCII keys used throughout this core,
// so a plain byte-wise sort is equivalent).
//
// There is no canonical-JSON library among the retrieved examples;
// this is hand-rolled for that reason (see DESIGN.md).
func ToCanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("marshal: %v", err)}
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("decode: %v", err)}
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return &BadDatabaseError{Reason: fmt.Sprintf("encode string: %v", err)}
		}
		buf.Write(enc)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kenc, err := json.Marshal(k)
			if err != nil {
				return &BadDatabaseError{Reason: fmt.Sprintf("encode key: %v", err)}
			}
			buf.Write(kenc)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &BadDatabaseError{Reason: fmt.Sprintf("unsupported canonical JSON type %T", v)}
	}
	return nil
}

// referenceHashableJSON returns the PDU as a generic JSON map with
// event_id, unsigned, signatures and hashes removed, per spec
// invariant 1's named set plus hashes (a PDU's own content hash is
// computed over the event without its hashes field, matching how
// ReferenceHash's caller re-verifies it).
func referenceHashableJSON(p *PDU) (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("marshal: %v", err)}
	}
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("decode: %v", err)}
	}
	delete(m, "event_id")
	delete(m, "unsigned")
	delete(m, "signatures")
	delete(m, "hashes")
	return m, nil
}

// ReferenceHash computes the reference hash of p (sha256 of its
// canonical JSON with event_id/unsigned/signatures/hashes removed)
// and returns it as a "$"-prefixed unpadded-base64 event id, matching
// spec invariant 1.
func ReferenceHash(p *PDU) (string, error) {
	m, err := referenceHashableJSON(p)
	if err != nil {
		return "", err
	}
	canon, err := ToCanonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "$" + base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// VerifyReferenceHash reports whether p.EventID matches the reference
// hash of its content, i.e. spec invariant 1 holds for p.
func VerifyReferenceHash(p *PDU) (bool, error) {
	want, err := ReferenceHash(p)
	if err != nil {
		return false, err
	}
	return want == p.EventID, nil
}

// ToCanonicalJSONBytes renders p itself (including event_id, unsigned
// and signatures) as canonical JSON, used for storage and for the
// codec round-trip property (spec invariant 8).
func ToCanonicalJSONBytes(p *PDU) ([]byte, error) {
	return ToCanonicalJSON(p)
}

// FromCanonicalJSON parses canonical (or any valid) JSON bytes back
// into a PDU.
func FromCanonicalJSON(data []byte) (*PDU, error) {
	var p PDU
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("unmarshal PDU: %v", err)}
	}
	return &p, nil
}
