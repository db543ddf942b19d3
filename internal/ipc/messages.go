package ipc

import (
	"encoding/json"
)

// inbound is one parsed client→gateway line (spec §4.6): `{type, content,
// clientId?}`. clientId on an inbound line is ignored — the connection's
// assigned id is authoritative.
type inbound struct {
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`
}

// parseInbound decodes one newline-delimited JSON line. It reports ok=false
// for malformed JSON or a missing/empty/non-string type field, both of
// which the gateway discards rather than erroring the connection.
func parseInbound(line []byte) (inbound, bool) {
	var raw struct {
		Type    json.RawMessage `json:"type"`
		Content map[string]any  `json:"content"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return inbound{}, false
	}
	var t string
	if err := json.Unmarshal(raw.Type, &t); err != nil || t == "" {
		return inbound{}, false
	}
	return inbound{Type: t, Content: raw.Content}, true
}

// helloOutbound is the top-level shape sent immediately on connect.
type helloOutbound struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

func helloEnvelope(clientID string) helloOutbound {
	return helloOutbound{Type: "system:hello", ClientID: clientID}
}

// marshalEnvelope renders v in the outbound wire shape. *bus.Event already
// implements MarshalJSON in the envelope shape spec §4.6 describes; other
// values (e.g. the hello message) marshal as plain JSON.
func marshalEnvelope(v any) ([]byte, error) {
	return json.Marshal(v)
}
