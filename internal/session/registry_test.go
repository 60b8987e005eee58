package session

import (
	"testing"
	"time"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

func testCreds(login int64) models.Credentials {
	return models.Credentials{Login: login, Password: "secret", Server: "Broker-Demo"}
}

func TestRegistry_ConnectAndGet(t *testing.T) {
	r := NewRegistry()

	id, info := r.Connect(testCreds(5001))
	if id != "5001@Broker-Demo" {
		t.Errorf("Connect id = %q, want 5001@Broker-Demo", id)
	}
	if info.Login != 5001 || info.Server != "Broker-Demo" {
		t.Errorf("Connect info = %+v, want login 5001 on Broker-Demo", info)
	}
	if info.ConnectedAt.IsZero() || !info.LastActivity.Equal(info.ConnectedAt) {
		t.Errorf("timestamps = %v/%v, want equal non-zero instants", info.ConnectedAt, info.LastActivity)
	}

	got, ok := r.Get(id)
	if !ok {
		t.Fatalf("Get(%q) missing after Connect", id)
	}
	if got != info {
		t.Errorf("Get = %+v, want %+v", got, info)
	}
}

func TestRegistry_ReconnectReplaces(t *testing.T) {
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	r := NewRegistry().WithClock(func() time.Time { return clock })

	id, first := r.Connect(testCreds(5001))
	clock = clock.Add(time.Hour)
	id2, second := r.Connect(testCreds(5001))

	if id != id2 {
		t.Fatalf("reconnect changed the id: %q then %q", id, id2)
	}
	if !second.ConnectedAt.After(first.ConnectedAt) {
		t.Errorf("ConnectedAt not refreshed: %v then %v", first.ConnectedAt, second.ConnectedAt)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1 after reconnecting the same identity", r.Count())
	}
}

func TestRegistry_Touch(t *testing.T) {
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	r := NewRegistry().WithClock(func() time.Time { return clock })

	id, _ := r.Connect(testCreds(5001))
	clock = clock.Add(5 * time.Minute)

	if !r.Touch(id) {
		t.Fatalf("Touch(%q) = false for a registered connection", id)
	}
	info, _ := r.Get(id)
	if !info.LastActivity.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("LastActivity = %v, want %v", info.LastActivity, base.Add(5*time.Minute))
	}
	if !info.ConnectedAt.Equal(base) {
		t.Errorf("ConnectedAt = %v, want untouched %v", info.ConnectedAt, base)
	}

	if r.Touch("9999@Nowhere") {
		t.Error("Touch of an unknown id = true, want false")
	}
}

func TestRegistry_Disconnect(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Connect(testCreds(5001))

	if !r.Disconnect(id) {
		t.Fatalf("Disconnect(%q) = false for a registered connection", id)
	}
	if _, ok := r.Get(id); ok {
		t.Error("connection still present after Disconnect")
	}
	if r.Disconnect(id) {
		t.Error("second Disconnect = true, want false")
	}
}

func TestRegistry_ListIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Connect(testCreds(5001))
	r.Connect(testCreds(5002))

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d connections, want 2", len(list))
	}
	delete(list, "5001@Broker-Demo")
	if r.Count() != 2 {
		t.Errorf("mutating the listed map changed the registry: Count = %d, want 2", r.Count())
	}
}
