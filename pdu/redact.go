package pdu

import (
	"encoding/json"
	"fmt"
)

// redactionWhitelist names the content keys a redaction preserves for
// each event type. Any key not listed here is dropped when the event
// is redacted. Copied from original_source/src/pdu.rs's redaction
// table (itself the room-version-6-and-later algorithm); types not
// listed retain no content keys.
var redactionWhitelist = map[string][]string{
	TypeMember:            {"membership"},
	TypeCreate:            {"creator"},
	TypeJoinRules:         {"join_rule"},
	TypePowerLevels:       {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	TypeHistoryVisibility: {"history_visibility"},
}

// Redact returns a copy of p with its content reduced to the
// redaction whitelist for its type, its unsigned fields cleared, and
// unsigned.redacted_because set to reasonPDU (spec §4.2, invariant 7:
// redaction is idempotent since re-redacting an already-redacted
// event's whitelist projection is a no-op).
func Redact(p *PDU, reasonPDU *PDU) (*PDU, error) {
	out := p.Clone()

	var content map[string]interface{}
	if len(p.Content) > 0 {
		if err := json.Unmarshal(p.Content, &content); err != nil {
			return nil, &BadDatabaseError{Reason: fmt.Sprintf("decode content: %v", err)}
		}
	}
	keep := redactionWhitelist[p.Kind]
	pruned := make(map[string]interface{}, len(keep))
	for _, k := range keep {
		if v, ok := content[k]; ok {
			pruned[k] = v
		}
	}
	prunedJSON, err := json.Marshal(pruned)
	if err != nil {
		return nil, &BadDatabaseError{Reason: fmt.Sprintf("encode redacted content: %v", err)}
	}
	out.Content = prunedJSON
	out.Unsigned = map[string]json.RawMessage{}
	if reasonPDU != nil {
		becauseJSON, err := json.Marshal(reasonPDU)
		if err != nil {
			return nil, &BadDatabaseError{Reason: fmt.Sprintf("encode redacted_because: %v", err)}
		}
		out.Unsigned["redacted_because"] = becauseJSON
	}
	return out, nil
}

// IsRedacted reports whether p carries a redacted_because marker.
func IsRedacted(p *PDU) bool {
	if p.Unsigned == nil {
		return false
	}
	_, ok := p.Unsigned["redacted_because"]
	return ok
}
