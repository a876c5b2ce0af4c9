package peer

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/domain"
)

// MediaFactory builds a fresh media session for one remote connection.
type MediaFactory func(remote domain.ConnID) (MediaSession, error)

// TrackSource exposes the current local outbound tracks.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// Mesh keeps one Link per remote connection in a full-mesh room.
// Links are created lazily and never resurrected: a peer that left and
// rejoined gets a brand new Link.
type Mesh struct {
	mu      sync.Mutex
	local   domain.ConnID
	sender  Sender
	factory MediaFactory
	tracks  TrackSource

	answerTimeout time.Duration
	links         map[domain.ConnID]*Link
}

func NewMesh(local domain.ConnID, sender Sender, factory MediaFactory, tracks TrackSource, answerTimeout time.Duration) *Mesh {
	return &Mesh{
		local:         local,
		sender:        sender,
		factory:       factory,
		tracks:        tracks,
		answerTimeout: answerTimeout,
		links:         make(map[domain.ConnID]*Link),
	}
}

// HandleExistingPeers opens a channel toward every peer that was seated
// before us. The newcomer always initiates, so initiation direction is
// deterministic and offer glare cannot happen.
func (m *Mesh) HandleExistingPeers(peers []domain.PeerRef) {
	for _, p := range peers {
		link, err := m.ensureLink(p.ConnID)
		if err != nil {
			log.Error().Err(err).Str("module", "peer.mesh").Str("remote", string(p.ConnID)).Msg("create link")
			continue
		}
		link.AttachTrack(m.tracks.Tracks()...)
		link.Initiate()
	}
}

// HandleOffer answers an inbound offer, creating the link on first
// contact (the remote is the initiator for this pair).
func (m *Mesh) HandleOffer(from domain.ConnID, sdp string) {
	link, err := m.ensureLink(from)
	if err != nil {
		log.Error().Err(err).Str("module", "peer.mesh").Str("remote", string(from)).Msg("create link for offer")
		return
	}
	link.HandleOffer(sdp, m.tracks.Tracks()...)
}

func (m *Mesh) HandleAnswer(from domain.ConnID, sdp string) {
	link, ok := m.link(from)
	if !ok {
		log.Warn().Str("module", "peer.mesh").Str("remote", string(from)).Msg("answer for unknown peer")
		return
	}
	link.HandleAnswer(sdp)
}

func (m *Mesh) HandleCandidate(from domain.ConnID, cand webrtc.ICECandidateInit) {
	link, ok := m.link(from)
	if !ok {
		log.Warn().Str("module", "peer.mesh").Str("remote", string(from)).Msg("ice for unknown peer")
		return
	}
	link.HandleCandidate(cand)
}

// HandlePeerLeft abandons any in-flight round with the departed peer;
// no answer will ever arrive.
func (m *Mesh) HandlePeerLeft(conn domain.ConnID) {
	m.mu.Lock()
	link, ok := m.links[conn]
	delete(m.links, conn)
	m.mu.Unlock()
	if ok {
		link.Close()
	}
}

// AttachTrack fans a track-set change out to every link.
func (m *Mesh) AttachTrack(t webrtc.TrackLocal) {
	for _, link := range m.snapshot() {
		link.AttachTrack(t)
	}
}

func (m *Mesh) DetachTrack(trackID string) {
	for _, link := range m.snapshot() {
		link.DetachTrack(trackID)
	}
}

func (m *Mesh) CloseAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[domain.ConnID]*Link)
	m.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

func (m *Mesh) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

func (m *Mesh) LinkState(conn domain.ConnID) (LinkState, bool) {
	link, ok := m.link(conn)
	if !ok {
		return StateClosed, false
	}
	return link.State(), true
}

func (m *Mesh) link(conn domain.ConnID) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[conn]
	return link, ok
}

func (m *Mesh) snapshot() []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

func (m *Mesh) ensureLink(remote domain.ConnID) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link, ok := m.links[remote]; ok {
		return link, nil
	}
	media, err := m.factory(remote)
	if err != nil {
		return nil, err
	}
	var link *Link
	link = NewLink(m.local, remote, media, m.sender, m.answerTimeout, func(r domain.ConnID) {
		// Runs under the link lock; only touches the mesh map.
		m.mu.Lock()
		if cur, ok := m.links[r]; ok && cur == link {
			delete(m.links, r)
		}
		m.mu.Unlock()
	})
	m.links[remote] = link
	log.Info().Str("module", "peer.mesh").Str("remote", string(remote)).Msg("link created")
	return link, nil
}
