package busgateway

import (
	"testing"
	"time"
)

func TestPresenceMap_TouchAndConnected(t *testing.T) {
	p := newPresenceMap()
	if p.connected("node-b") {
		t.Error("expected unknown peer to be disconnected")
	}

	p.touch("node-b", time.Now().Add(time.Minute))
	if !p.connected("node-b") {
		t.Error("expected peer to be connected after touch with future expiry")
	}
}

func TestPresenceMap_ExpiresPastUntil(t *testing.T) {
	p := newPresenceMap()
	p.touch("node-b", time.Now().Add(-time.Second))
	if p.connected("node-b") {
		t.Error("expected peer with past expiry to be disconnected")
	}
}

func TestPresenceMap_Forget(t *testing.T) {
	p := newPresenceMap()
	p.touch("node-b", time.Now().Add(time.Minute))
	p.forget("node-b")
	if p.connected("node-b") {
		t.Error("expected forgotten peer to be disconnected")
	}
}
