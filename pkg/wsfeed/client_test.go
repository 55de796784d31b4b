package wsfeed

import (
	"testing"

	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

func TestParseMessageUpdate(t *testing.T) {
	msg := []byte(`{"ts": 1700000010000, "peer": "tor-01", "type": "UPDATE",
		"announce": ["10.0.0.0/24"], "withdraw": ["10.0.1.0/24"],
		"as_path": [65001, 65010], "next_hop": "10.0.1.1"}`)

	update, err := ParseMessage(msg)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if update == nil {
		t.Fatal("expected an update")
	}
	if update.Peer != "tor-01" {
		t.Errorf("peer = %s, want tor-01", update.Peer)
	}
	if update.Type != models.MsgUpdate {
		t.Errorf("type = %s, want UPDATE", update.Type)
	}
	if len(update.Announce) != 1 || update.Announce[0] != "10.0.0.0/24" {
		t.Errorf("announce = %v", update.Announce)
	}
	if len(update.ASPath) != 2 || update.ASPath[1] != 65010 {
		t.Errorf("as_path = %v", update.ASPath)
	}
}

func TestParseMessageControlFrame(t *testing.T) {
	update, err := ParseMessage([]byte(`{"status": "subscribed"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if update != nil {
		t.Errorf("control frame should parse to nil, got %+v", update)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	if _, err := ParseMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseMessage([]byte(`{"ts": 1, "peer": "x", "type": "BOGUS"}`)); err == nil {
		t.Error("expected error for unknown message type")
	}
	if _, err := ParseMessage([]byte(`{"ts": 1, "type": "UPDATE"}`)); err == nil {
		t.Error("expected error for missing peer")
	}
}

func TestParseMessageKeepalive(t *testing.T) {
	update, err := ParseMessage([]byte(`{"ts": 1700000010000, "peer": "tor-01", "type": "KEEPALIVE"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if update == nil || update.Type != models.MsgKeepalive {
		t.Errorf("expected keepalive, got %+v", update)
	}
}
