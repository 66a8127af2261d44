package pdu_test

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mxhs/homeserver/pdu"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) pdu.Clock {
	return func() time.Time { return t }
}

func testSigner(t *testing.T) pdu.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pdu.Signer{ServerName: "example.org", KeyID: "ed25519:1", PrivateKey: priv}
}

func buildMessage(t *testing.T, depth uint64, parents []string) *pdu.PDU {
	t.Helper()
	p, err := pdu.HashAndBuild(
		pdu.Builder{EventType: pdu.TypeMessage, Content: json.RawMessage(`{"body":"hi","msgtype":"m.text"}`)},
		"!room:example.org", "@alice:example.org", parents, depth, parents,
		testSigner(t), fixedClock(time.Unix(1700000000, 0)),
	)
	require.NoError(t, err)
	return p
}

func TestReferenceHashIsStableAndVerifiable(t *testing.T) {
	p := buildMessage(t, 4, []string{"$parent"})
	ok, err := pdu.VerifyReferenceHash(p)
	require.NoError(t, err)
	require.True(t, ok)

	// Mutating content after the fact must invalidate the hash.
	mutated := p.Clone()
	mutated.Content = json.RawMessage(`{"body":"tampered","msgtype":"m.text"}`)
	ok, err = pdu.VerifyReferenceHash(mutated)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanonicalJSONRoundTrip(t *testing.T) {
	p := buildMessage(t, 1, nil)
	canon, err := pdu.ToCanonicalJSONBytes(p)
	require.NoError(t, err)

	back, err := pdu.FromCanonicalJSON(canon)
	require.NoError(t, err)
	require.Equal(t, p.EventID, back.EventID)
	require.Equal(t, p.RoomID, back.RoomID)
	require.JSONEq(t, string(p.Content), string(back.Content))

	canon2, err := pdu.ToCanonicalJSONBytes(back)
	require.NoError(t, err)
	require.Equal(t, canon, canon2)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	raw, err := pdu.ToCanonicalJSON(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, string(raw))
}

func TestCanonicalJSONHasNoInsignificantWhitespace(t *testing.T) {
	raw, err := pdu.ToCanonicalJSON(map[string]interface{}{"a": []interface{}{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, `{"a":[1,2,3]}`, string(raw))
}

func TestRedactPowerLevelsKeepsOnlyWhitelistedKeys(t *testing.T) {
	sk := ""
	p, err := pdu.HashAndBuild(
		pdu.Builder{
			EventType: pdu.TypePowerLevels,
			StateKey:  &sk,
			Content:   json.RawMessage(`{"ban":50,"events":{"m.room.name":100},"invite":0,"users":{"@alice:example.org":100}}`),
		},
		"!room:example.org", "@alice:example.org", nil, 0, nil,
		testSigner(t), fixedClock(time.Unix(1700000000, 0)),
	)
	require.NoError(t, err)

	redacted, err := pdu.Redact(p, nil)
	require.NoError(t, err)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(redacted.Content, &content))
	require.Contains(t, content, "ban")
	require.Contains(t, content, "events")
	require.Contains(t, content, "users")
	require.NotContains(t, content, "invite")
}

func TestRedactIsIdempotent(t *testing.T) {
	p := buildMessage(t, 1, nil)
	once, err := pdu.Redact(p, nil)
	require.NoError(t, err)
	twice, err := pdu.Redact(once, nil)
	require.NoError(t, err)

	var onceContent, twiceContent map[string]interface{}
	require.NoError(t, json.Unmarshal(once.Content, &onceContent))
	require.NoError(t, json.Unmarshal(twice.Content, &twiceContent))
	if diff := cmp.Diff(onceContent, twiceContent); diff != "" {
		t.Fatalf("redact(redact(p)) != redact(p) (-once +twice):\n%s", diff)
	}
}

func TestRedactSetsRedactedBecause(t *testing.T) {
	p := buildMessage(t, 1, nil)
	reason := buildMessage(t, 2, []string{p.EventID})
	redacted, err := pdu.Redact(p, reason)
	require.NoError(t, err)
	require.True(t, pdu.IsRedacted(redacted))
	require.False(t, pdu.IsRedacted(p))
}

func TestToOutgoingFederationStripsEventIDAndTransactionID(t *testing.T) {
	p := buildMessage(t, 1, nil)
	p.Unsigned = map[string]json.RawMessage{"transaction_id": json.RawMessage(`"txn1"`)}

	out, err := pdu.ToOutgoingFederationPDU(p)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &m))
	require.NotContains(t, m, "event_id")
	unsigned, _ := m["unsigned"].(map[string]interface{})
	require.NotContains(t, unsigned, "transaction_id")
}
