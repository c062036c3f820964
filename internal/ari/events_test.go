package ari

import "testing"

func TestParseEventStasisStart(t *testing.T) {
	raw := []byte(`{"type":"StasisStart","channel":{"id":"chan-1","name":"PJSIP/trunk-1","state":"Ring"},"args":["call-uuid-123"]}`)

	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Type != EventStasisStart {
		t.Fatalf("Type = %s, want StasisStart", ev.Type)
	}
	if ev.StasisStart == nil {
		t.Fatal("StasisStart field not populated")
	}
	if ev.StasisStart.Channel.ID != "chan-1" {
		t.Errorf("Channel.ID = %q", ev.StasisStart.Channel.ID)
	}
	if len(ev.StasisStart.Args) != 1 || ev.StasisStart.Args[0] != "call-uuid-123" {
		t.Errorf("Args = %v", ev.StasisStart.Args)
	}
}

func TestParseEventDial(t *testing.T) {
	raw := []byte(`{"type":"Dial","peer":{"id":"chan-2"},"caller":{"id":"chan-1"},"dialstatus":"ANSWER"}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Dial == nil || ev.Dial.DialStatus != "ANSWER" {
		t.Fatalf("Dial = %+v", ev.Dial)
	}
}

func TestParseEventUnknownTypeIsIgnorable(t *testing.T) {
	raw := []byte(`{"type":"SomeFutureEvent","foo":"bar"}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Type != "SomeFutureEvent" {
		t.Errorf("Type = %s", ev.Type)
	}
	if ev.StasisStart != nil {
		t.Error("unknown event type should leave all typed fields nil")
	}
}

func TestParseEventMalformedJSON(t *testing.T) {
	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
