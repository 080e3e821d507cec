package streams

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Event is one message consumed from the upstream bus.
type Event struct {
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt int64           `json:"queued_at"` // ms since epoch
}

// ParseEvent decodes a raw upstream message.
func ParseEvent(raw string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// EncodedPayload returns the payload the way transports write it: a JSON
// string value passes through unquoted, anything else is compact JSON text.
func (e Event) EncodedPayload() string {
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Payload); err != nil {
		return string(e.Payload)
	}
	return buf.String()
}

// UpdatePayload is the slice of a status payload the visibility filter
// inspects.
type UpdatePayload struct {
	ID       string         `json:"id"`
	Language *string        `json:"language"`
	Account  PayloadAccount `json:"account"`
	Mentions []Mention      `json:"mentions"`
}

type PayloadAccount struct {
	ID   string `json:"id"`
	Acct string `json:"acct"`
}

type Mention struct {
	ID string `json:"id"`
}

// DecodeUpdate parses the status fields out of an update event's payload.
func (e Event) DecodeUpdate() (UpdatePayload, error) {
	var p UpdatePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// TargetIDs returns the author id followed by every mentioned account id.
func (p UpdatePayload) TargetIDs() []string {
	ids := make([]string, 0, 1+len(p.Mentions))
	ids = append(ids, p.Account.ID)
	for _, m := range p.Mentions {
		ids = append(ids, m.ID)
	}
	return ids
}

// Domain returns the author's domain, or "" for a local account.
func (p UpdatePayload) Domain() string {
	if _, domain, found := strings.Cut(p.Account.Acct, "@"); found {
		return domain
	}
	return ""
}
