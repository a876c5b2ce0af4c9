package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/domain"
	"github.com/wz1310/voice-cordova/internal/protocol"
)

// Frame is a raw signaling payload.
type Frame []byte

var ErrBackpressure = errors.New("backpressure")

// SignalConn abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// IdentityVerifier turns a presented token into a durable identity.
type IdentityVerifier interface {
	Verify(token string) (domain.Identity, error)
}

// Relay routes signal envelopes between live connections and feeds
// room requests into the registry. It never inspects media payloads.
type Relay struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]SignalConn
	ids   map[domain.ConnID]domain.Identity

	registry *Registry
	verify   IdentityVerifier
	chatRate *RateLimiter
}

func NewRelay(numSlots int, verify IdentityVerifier) *Relay {
	r := &Relay{
		conns:  make(map[domain.ConnID]SignalConn),
		ids:    make(map[domain.ConnID]domain.Identity),
		verify: verify,
	}
	r.registry = NewRegistry(numSlots, r)
	return r
}

func (r *Relay) Registry() *Registry { return r.registry }

// SetChatLimiter enables chat throttling. Nil means unlimited.
func (r *Relay) SetChatLimiter(rl *RateLimiter) { r.chatRate = rl }

// Attach adds a live connection to the routing table.
func (r *Relay) Attach(conn domain.ConnID, sc SignalConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn] = sc
	log.Info().Str("module", "app.relay").Str("conn", string(conn)).Msg("connection attached")
}

// Detach handles transport-level disconnect. The registry cleanup runs
// before the connection leaves the live set, so nothing is routed to a
// connection mid-teardown.
func (r *Relay) Detach(conn domain.ConnID) {
	r.registry.OnConnectionTerminated(conn)
	r.mu.Lock()
	delete(r.conns, conn)
	delete(r.ids, conn)
	r.mu.Unlock()
	log.Info().Str("module", "app.relay").Str("conn", string(conn)).Msg("connection detached")
}

func (r *Relay) IdentityOf(conn domain.ConnID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[conn]
	return id, ok
}

// HandleFrame validates one inbound frame and dispatches it.
func (r *Relay) HandleFrame(conn domain.ConnID, data Frame) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(conn)).Msg("dropping bad frame")
		r.SendTo(conn, &protocol.ErrorNotice{Type: protocol.TypeError, Error: "bad_payload"})
		return
	}

	switch m := msg.(type) {
	case *protocol.Identify:
		r.handleIdentify(conn, m)
	case *protocol.GetRoomState:
		r.SendTo(conn, &protocol.RoomState{Type: protocol.TypeRoomState, Slots: r.registry.Snapshot()})
	case *protocol.JoinVoice:
		r.handleJoin(conn, m)
	case *protocol.LeaveVoice:
		r.registry.Leave(m.Slot, m.UserID)
	case *protocol.KickUser:
		r.registry.Kick(m.UserID)
	case *protocol.ToggleMic:
		r.registry.SetMicState(m.Slot, m.UserID, m.Status)
	case *protocol.ToggleWebcam:
		r.registry.SetWebcamState(m.Slot, m.UserID, m.Status)
	case *protocol.UserSpeaking:
		r.registry.SetSpeaking(m.UserID, m.Speaking)
		r.broadcastExcept(conn, m)
	case *protocol.UserChat:
		if r.chatRate != nil {
			id, ok := r.IdentityOf(conn)
			if !ok || !r.chatRate.Allow(id.ID) {
				log.Warn().Str("module", "app.relay").Str("conn", string(conn)).Msg("chat throttled")
				r.SendTo(conn, &protocol.ErrorNotice{Type: protocol.TypeError, Error: "rate_limited"})
				return
			}
		}
		r.Broadcast(m)
	case *protocol.Offer:
		m.From = conn
		r.relayDirected(conn, m.To, m)
	case *protocol.Answer:
		m.From = conn
		r.relayDirected(conn, m.To, m)
	case *protocol.ICE:
		m.From = conn
		r.relayDirected(conn, m.To, m)
	case *protocol.ScreenShareStart:
		m.From = conn
		r.broadcastExcept(conn, m)
	case *protocol.ScreenShareStop:
		m.From = conn
		if m.To != "" {
			r.relayDirected(conn, m.To, m)
		} else {
			r.broadcastExcept(conn, m)
		}
	default:
		log.Warn().Str("module", "app.relay").Str("conn", string(conn)).Msg("client sent server-side envelope, ignoring")
	}
}

func (r *Relay) handleIdentify(conn domain.ConnID, m *protocol.Identify) {
	id, err := r.verify.Verify(m.Token)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(conn)).Msg("identify rejected")
		r.SendTo(conn, &protocol.ErrorNotice{Type: protocol.TypeError, Error: domain.ErrUnauthorized.Error()})
		return
	}
	r.mu.Lock()
	r.ids[conn] = id
	r.mu.Unlock()
	log.Info().Str("module", "app.relay").Str("conn", string(conn)).Str("user", string(id.ID)).Msg("connection identified")
	r.SendTo(conn, &protocol.Identified{Type: protocol.TypeIdentified, Conn: conn, User: id})
}

func (r *Relay) handleJoin(conn domain.ConnID, m *protocol.JoinVoice) {
	id, ok := r.IdentityOf(conn)
	if !ok || (m.User.ID != "" && m.User.ID != id.ID) {
		r.SendTo(conn, &protocol.JoinFailed{Type: protocol.TypeJoinFailed, Slot: m.Slot, Reason: domain.ErrUnauthorized.Error()})
		return
	}
	peers, err := r.registry.Join(m.Slot, id, conn, m.Mic, m.Webcam)
	if err != nil {
		r.SendTo(conn, &protocol.JoinFailed{Type: protocol.TypeJoinFailed, Slot: m.Slot, Reason: err.Error()})
		return
	}
	// The newcomer initiates toward everyone already seated.
	r.SendTo(conn, &protocol.ExistingPeers{Type: protocol.TypeExistingPeers, Peers: peers})
}

// relayDirected is fire and forget: a dead target is dropped silently,
// its own departure notification is already in flight.
func (r *Relay) relayDirected(from, to domain.ConnID, msg protocol.Message) {
	if to == "" {
		log.Warn().Str("module", "app.relay").Str("conn", string(from)).Msg("directed envelope without target, dropping")
		return
	}
	r.SendTo(to, msg)
}

// Broadcast delivers to every live connection.
func (r *Relay) Broadcast(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("broadcast marshal")
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn, sc := range r.conns {
		if err := sc.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(conn)).Msg("broadcast send failed")
		}
	}
}

func (r *Relay) broadcastExcept(sender domain.ConnID, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("broadcast marshal")
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn, sc := range r.conns {
		if conn == sender {
			continue
		}
		if err := sc.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(conn)).Msg("broadcast send failed")
		}
	}
}

// SendTo delivers to one connection, dropping silently when it is gone.
func (r *Relay) SendTo(conn domain.ConnID, msg protocol.Message) {
	r.mu.RLock()
	sc, ok := r.conns[conn]
	r.mu.RUnlock()
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("sendTo marshal")
		return
	}
	if err := sc.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(conn)).Msg("sendTo failed")
	}
}
