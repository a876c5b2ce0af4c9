package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/domain"
	"github.com/wz1310/voice-cordova/internal/protocol"
)

// Notifier fans registry events out to connected participants.
// Implementations must never block; the registry calls it while
// holding its own lock.
type Notifier interface {
	Broadcast(msg protocol.Message)
	SendTo(conn domain.ConnID, msg protocol.Message)
}

// Registry is the single authoritative owner of the slot map.
// Every mutation runs under one mutex, so between any two observable
// states: an identity holds at most one slot, an occupancy always
// references a live connection, and slot keys never mutate in place.
type Registry struct {
	mu       sync.RWMutex
	numSlots int
	slots    map[int]domain.Occupancy
	byID     map[domain.IdentityID]int
	notify   Notifier
}

func NewRegistry(numSlots int, n Notifier) *Registry {
	return &Registry{
		numSlots: numSlots,
		slots:    make(map[int]domain.Occupancy),
		byID:     make(map[domain.IdentityID]int),
		notify:   n,
	}
}

func (r *Registry) NumSlots() int { return r.numSlots }

// Join seats an identity. Rejoining under the same identity from another
// slot migrates: the old occupancy is removed (with a departure
// notification) before the new one is installed. Returns the peers that
// were already seated, so the caller can tell the newcomer whom to call.
func (r *Registry) Join(slot int, id domain.Identity, conn domain.ConnID, mic, webcam domain.MediaState) ([]domain.PeerRef, error) {
	if slot < 1 || slot > r.numSlots {
		return nil, domain.ErrInvalidSlot
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[id.ID]; ok && prev != slot {
		delete(r.slots, prev)
		delete(r.byID, id.ID)
		r.notify.Broadcast(&protocol.UserLeft{Type: protocol.TypeUserLeft, Slot: prev})
		log.Info().Str("module", "app.registry").Str("user", string(id.ID)).Int("from_slot", prev).Int("to_slot", slot).Msg("migrating occupant")
	}

	if occ, ok := r.slots[slot]; ok && occ.Identity.ID != id.ID {
		return nil, domain.ErrOccupied
	}

	occ := domain.Occupancy{
		Identity: id,
		ConnID:   conn,
		Slot:     slot,
		Mic:      mic,
		Webcam:   webcam,
	}
	r.slots[slot] = occ
	r.byID[id.ID] = slot
	r.notify.Broadcast(&protocol.UserJoined{Type: protocol.TypeUserJoined, Slot: slot, User: occ})
	log.Info().Str("module", "app.registry").Str("user", string(id.ID)).Int("slot", slot).Str("conn", string(conn)).Msg("occupant joined")

	peers := make([]domain.PeerRef, 0, len(r.slots)-1)
	for s, o := range r.slots {
		if o.ConnID == conn {
			continue
		}
		peers = append(peers, domain.PeerRef{Slot: s, ConnID: o.ConnID})
	}
	return peers, nil
}

// Leave is advisory: it removes the occupancy only when the claimed
// identity actually holds the slot, and is a no-op otherwise.
func (r *Registry) Leave(slot int, id domain.IdentityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.slots[slot]
	if !ok || occ.Identity.ID != id {
		return
	}
	delete(r.slots, slot)
	delete(r.byID, id)
	r.notify.Broadcast(&protocol.UserLeft{Type: protocol.TypeUserLeft, Slot: slot})
	log.Info().Str("module", "app.registry").Str("user", string(id)).Int("slot", slot).Msg("occupant left")
}

// Kick removes the identity wherever it sits and tells its connection
// it was kicked. A miss broadcasts a full snapshot as a defensive resync.
func (r *Registry) Kick(id domain.IdentityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byID[id]
	if !ok {
		r.notify.Broadcast(&protocol.RoomState{Type: protocol.TypeRoomState, Slots: r.snapshotLocked()})
		log.Warn().Str("module", "app.registry").Str("user", string(id)).Msg("kick target not seated, resyncing")
		return
	}
	occ := r.slots[slot]
	delete(r.slots, slot)
	delete(r.byID, id)
	r.notify.Broadcast(&protocol.UserLeft{Type: protocol.TypeUserLeft, Slot: slot})
	r.notify.SendTo(occ.ConnID, &protocol.Kicked{Type: protocol.TypeKicked})
	log.Info().Str("module", "app.registry").Str("user", string(id)).Int("slot", slot).Msg("occupant kicked")
}

// SetMicState mutates the mic field when the requester owns the slot;
// silently a no-op otherwise.
func (r *Registry) SetMicState(slot int, id domain.IdentityID, status domain.MediaState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.slots[slot]
	if !ok || occ.Identity.ID != id {
		return
	}
	occ.Mic = status
	r.slots[slot] = occ
	r.notify.Broadcast(&protocol.MicStatus{Type: protocol.TypeMicStatus, Slot: slot, Status: status})
}

func (r *Registry) SetWebcamState(slot int, id domain.IdentityID, status domain.MediaState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.slots[slot]
	if !ok || occ.Identity.ID != id {
		return
	}
	occ.Webcam = status
	r.slots[slot] = occ
	r.notify.Broadcast(&protocol.WebcamStatus{Type: protocol.TypeWebcamStatus, Slot: slot, Status: status})
}

// SetSpeaking only records the transient flag; the relay owns the
// ephemeral fan-out.
func (r *Registry) SetSpeaking(id domain.IdentityID, speaking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byID[id]
	if !ok {
		return
	}
	occ := r.slots[slot]
	occ.Speaking = speaking
	r.slots[slot] = occ
}

// OnConnectionTerminated removes whatever the dead connection occupied,
// in the same logical step as the disconnect.
func (r *Registry) OnConnectionTerminated(conn domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slot, occ := range r.slots {
		if occ.ConnID != conn {
			continue
		}
		delete(r.slots, slot)
		delete(r.byID, occ.Identity.ID)
		r.notify.Broadcast(&protocol.UserLeft{Type: protocol.TypeUserLeft, Slot: slot})
		log.Info().Str("module", "app.registry").Str("conn", string(conn)).Int("slot", slot).Msg("occupant dropped on disconnect")
	}
}

// Snapshot returns a consistent copy of the slot map.
func (r *Registry) Snapshot() domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() domain.Snapshot {
	out := make(domain.Snapshot, len(r.slots))
	for slot, occ := range r.slots {
		out[slot] = occ
	}
	return out
}
