package streams

import (
	"reflect"
	"testing"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(`{"event":"update","payload":{"id":"1"},"queued_at":1700000000000}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Event != "update" {
		t.Fatalf("unexpected event %q", ev.Event)
	}
	if ev.QueuedAt != 1700000000000 {
		t.Fatalf("unexpected queued_at %d", ev.QueuedAt)
	}
}

func TestParseEventBadJSON(t *testing.T) {
	if _, err := ParseEvent("not json"); err == nil {
		t.Fatalf("expected error for malformed message")
	}
}

func TestEncodedPayloadObject(t *testing.T) {
	ev, err := ParseEvent(`{"event":"update","payload":{"id": "1", "language": "en"},"queued_at":0}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ev.EncodedPayload(); got != `{"id":"1","language":"en"}` {
		t.Fatalf("unexpected encoding %s", got)
	}
}

func TestEncodedPayloadString(t *testing.T) {
	ev, err := ParseEvent(`{"event":"delete","payload":"12345","queued_at":0}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ev.EncodedPayload(); got != "12345" {
		t.Fatalf("string payload should pass through unquoted, got %s", got)
	}
}

func TestDecodeUpdate(t *testing.T) {
	ev, err := ParseEvent(`{"event":"update","payload":{"id":"1","language":"en","account":{"id":"7","acct":"a@x.test"},"mentions":[{"id":"9"}]},"queued_at":0}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := ev.DecodeUpdate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Language == nil || *p.Language != "en" {
		t.Fatalf("unexpected language %v", p.Language)
	}
	if got := p.TargetIDs(); !reflect.DeepEqual(got, []string{"7", "9"}) {
		t.Fatalf("unexpected targets %v", got)
	}
	if p.Domain() != "x.test" {
		t.Fatalf("unexpected domain %q", p.Domain())
	}
}

func TestDecodeUpdateNullLanguageLocalAccount(t *testing.T) {
	ev, err := ParseEvent(`{"event":"update","payload":{"id":"1","language":null,"account":{"id":"7","acct":"local_user"},"mentions":[]},"queued_at":0}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := ev.DecodeUpdate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Language != nil {
		t.Fatalf("expected nil language, got %v", *p.Language)
	}
	if p.Domain() != "" {
		t.Fatalf("local account should have empty domain, got %q", p.Domain())
	}
	if got := p.TargetIDs(); !reflect.DeepEqual(got, []string{"7"}) {
		t.Fatalf("unexpected targets %v", got)
	}
}
