package app

import (
	"sync"
	"testing"

	"github.com/wz1310/voice-cordova/internal/domain"
	"github.com/wz1310/voice-cordova/internal/protocol"
)

// recordingNotifier captures everything the registry emits.
type recordingNotifier struct {
	mu        sync.Mutex
	broadcast []protocol.Message
	directed  map[domain.ConnID][]protocol.Message
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{directed: make(map[domain.ConnID][]protocol.Message)}
}

func (n *recordingNotifier) Broadcast(msg protocol.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, msg)
}

func (n *recordingNotifier) SendTo(conn domain.ConnID, msg protocol.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.directed[conn] = append(n.directed[conn], msg)
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = nil
	n.directed = make(map[domain.ConnID][]protocol.Message)
}

func (n *recordingNotifier) lastBroadcast() protocol.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.broadcast) == 0 {
		return nil
	}
	return n.broadcast[len(n.broadcast)-1]
}

func ident(name string) domain.Identity {
	id, err := domain.NewIdentity(name)
	if err != nil {
		panic(err)
	}
	return id
}

func TestRegistryJoin(t *testing.T) {
	t.Run("first occupant gets empty peer list", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)

		peers, err := r.Join(3, ident("alice"), "conn-a", domain.MediaOn, domain.MediaOff)
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if len(peers) != 0 {
			t.Fatalf("expected no existing peers, got %d", len(peers))
		}
		joined, ok := n.lastBroadcast().(*protocol.UserJoined)
		if !ok {
			t.Fatalf("expected UserJoined broadcast, got %T", n.lastBroadcast())
		}
		if joined.Slot != 3 || joined.User.ConnID != "conn-a" {
			t.Fatalf("unexpected broadcast: %+v", joined)
		}
	})

	t.Run("second occupant sees the first", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)

		if _, err := r.Join(1, ident("alice"), "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join alice: %v", err)
		}
		peers, err := r.Join(2, ident("bob"), "conn-b", domain.MediaOn, domain.MediaOff)
		if err != nil {
			t.Fatalf("join bob: %v", err)
		}
		if len(peers) != 1 || peers[0].ConnID != "conn-a" || peers[0].Slot != 1 {
			t.Fatalf("unexpected peers: %+v", peers)
		}
	})

	t.Run("occupied slot is rejected without mutation", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)

		if _, err := r.Join(1, ident("alice"), "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join alice: %v", err)
		}
		n.reset()

		if _, err := r.Join(1, ident("bob"), "conn-b", domain.MediaOn, domain.MediaOff); err != domain.ErrOccupied {
			t.Fatalf("expected ErrOccupied, got %v", err)
		}
		if len(n.broadcast) != 0 {
			t.Fatalf("rejected join must not broadcast, got %d messages", len(n.broadcast))
		}
		if r.Snapshot()[1].Identity.Name != "alice" {
			t.Fatal("occupant changed on rejected join")
		}
	})

	t.Run("out of range slot", func(t *testing.T) {
		r := NewRegistry(8, newRecordingNotifier())
		for _, slot := range []int{0, -1, 9} {
			if _, err := r.Join(slot, ident("alice"), "conn-a", domain.MediaOn, domain.MediaOff); err != domain.ErrInvalidSlot {
				t.Fatalf("slot %d: expected ErrInvalidSlot, got %v", slot, err)
			}
		}
	})

	t.Run("rejoin same slot is idempotent", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)
		alice := ident("alice")

		if _, err := r.Join(1, alice, "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		if _, err := r.Join(1, alice, "conn-a2", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("rejoin: %v", err)
		}
		snap := r.Snapshot()
		if len(snap) != 1 || snap[1].ConnID != "conn-a2" {
			t.Fatalf("rejoin did not refresh occupancy: %+v", snap)
		}
	})

	t.Run("rejoin another slot migrates", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)
		alice := ident("alice")

		if _, err := r.Join(1, alice, "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		n.reset()
		if _, err := r.Join(5, alice, "conn-a2", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("migrate: %v", err)
		}

		snap := r.Snapshot()
		if len(snap) != 1 {
			t.Fatalf("identity holds %d slots, want 1", len(snap))
		}
		if snap[5].Identity.ID != alice.ID {
			t.Fatal("migrated occupant missing from new slot")
		}
		// Departure from the old slot must precede the arrival.
		if len(n.broadcast) != 2 {
			t.Fatalf("expected 2 broadcasts, got %d", len(n.broadcast))
		}
		left, ok := n.broadcast[0].(*protocol.UserLeft)
		if !ok || left.Slot != 1 {
			t.Fatalf("expected UserLeft slot 1 first, got %+v", n.broadcast[0])
		}
		if _, ok := n.broadcast[1].(*protocol.UserJoined); !ok {
			t.Fatalf("expected UserJoined second, got %+v", n.broadcast[1])
		}
	})
}

func TestRegistryLeave(t *testing.T) {
	t.Run("leave then rejoin same slot", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)
		alice := ident("alice")

		if _, err := r.Join(2, alice, "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		r.Leave(2, alice.ID)
		if len(r.Snapshot()) != 0 {
			t.Fatal("slot still occupied after leave")
		}
		if _, err := r.Join(2, alice, "conn-a2", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("rejoin after leave: %v", err)
		}
	})

	t.Run("leave by non-owner is a no-op", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)

		if _, err := r.Join(2, ident("alice"), "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		n.reset()
		r.Leave(2, ident("bob").ID)
		if len(r.Snapshot()) != 1 {
			t.Fatal("non-owner leave removed the occupant")
		}
		if len(n.broadcast) != 0 {
			t.Fatal("no-op leave must not broadcast")
		}
	})
}

func TestRegistryKick(t *testing.T) {
	t.Run("kick notifies room and target", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)
		alice := ident("alice")

		if _, err := r.Join(4, alice, "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		n.reset()
		r.Kick(alice.ID)

		left, ok := n.lastBroadcast().(*protocol.UserLeft)
		if !ok || left.Slot != 4 {
			t.Fatalf("expected UserLeft slot 4, got %+v", n.lastBroadcast())
		}
		if got := n.directed["conn-a"]; len(got) != 1 {
			t.Fatalf("expected 1 directed kick, got %d", len(got))
		} else if _, ok := got[0].(*protocol.Kicked); !ok {
			t.Fatalf("expected Kicked, got %T", got[0])
		}
	})

	t.Run("kick miss resyncs with snapshot", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)

		r.Kick(ident("ghost").ID)
		if _, ok := n.lastBroadcast().(*protocol.RoomState); !ok {
			t.Fatalf("expected RoomState resync, got %T", n.lastBroadcast())
		}
	})
}

func TestRegistryMediaState(t *testing.T) {
	t.Run("owner toggle broadcasts delta", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)
		alice := ident("alice")

		if _, err := r.Join(1, alice, "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		n.reset()

		r.SetMicState(1, alice.ID, domain.MediaOff)
		mic, ok := n.lastBroadcast().(*protocol.MicStatus)
		if !ok || mic.Slot != 1 || mic.Status != domain.MediaOff {
			t.Fatalf("unexpected mic broadcast: %+v", n.lastBroadcast())
		}
		if r.Snapshot()[1].Mic != domain.MediaOff {
			t.Fatal("mic state not persisted")
		}

		r.SetWebcamState(1, alice.ID, domain.MediaOn)
		cam, ok := n.lastBroadcast().(*protocol.WebcamStatus)
		if !ok || cam.Status != domain.MediaOn {
			t.Fatalf("unexpected webcam broadcast: %+v", n.lastBroadcast())
		}
	})

	t.Run("non-owner toggle is silent", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)

		if _, err := r.Join(1, ident("alice"), "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		n.reset()

		r.SetMicState(1, ident("bob").ID, domain.MediaOff)
		r.SetMicState(7, ident("alice").ID, domain.MediaOff)
		if len(n.broadcast) != 0 {
			t.Fatalf("silent toggles broadcast %d messages", len(n.broadcast))
		}
		if r.Snapshot()[1].Mic != domain.MediaOn {
			t.Fatal("mic mutated by non-owner")
		}
	})

	t.Run("speaking is recorded without broadcast", func(t *testing.T) {
		n := newRecordingNotifier()
		r := NewRegistry(8, n)
		alice := ident("alice")

		if _, err := r.Join(1, alice, "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
			t.Fatalf("join: %v", err)
		}
		n.reset()

		r.SetSpeaking(alice.ID, true)
		if !r.Snapshot()[1].Speaking {
			t.Fatal("speaking flag not recorded")
		}
		if len(n.broadcast) != 0 {
			t.Fatal("speaking must not broadcast from the registry")
		}
	})
}

func TestRegistryDisconnect(t *testing.T) {
	n := newRecordingNotifier()
	r := NewRegistry(8, n)

	if _, err := r.Join(1, ident("alice"), "conn-a", domain.MediaOn, domain.MediaOff); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := r.Join(2, ident("bob"), "conn-b", domain.MediaOn, domain.MediaOff); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	n.reset()

	r.OnConnectionTerminated("conn-a")

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 occupant after disconnect, got %d", len(snap))
	}
	if _, ok := snap[2]; !ok {
		t.Fatal("wrong occupant removed")
	}
	left, ok := n.lastBroadcast().(*protocol.UserLeft)
	if !ok || left.Slot != 1 {
		t.Fatalf("expected UserLeft slot 1, got %+v", n.lastBroadcast())
	}

	// Unknown connection: nothing happens.
	n.reset()
	r.OnConnectionTerminated("conn-x")
	if len(n.broadcast) != 0 {
		t.Fatal("unknown disconnect broadcast something")
	}
}
