// Package peer drives the per-pair negotiation of direct media
// channels. One Link exists per remote connection; the Mesh owns the
// table of links.
package peer

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/domain"
	"github.com/wz1310/voice-cordova/internal/protocol"
)

type LinkState int

const (
	StateIdle LinkState = iota
	StateOffering
	StateAwaitingAnswer
	StateConnected
	StateRenegotiating
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MediaSession is the slice of a peer connection a Link drives.
// Implemented by adapters/rtc; faked in tests.
type MediaSession interface {
	CreateAndSetOffer() (webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	RemoveTrack(webrtc.TrackLocal) error
	Close()
}

// Sender delivers signal envelopes toward the relay.
type Sender interface {
	Send(msg protocol.Message) error
}

// Link is one side's negotiation state for one remote participant.
// All transitions run under one mutex; at most one offer is in flight
// at a time, and competing renegotiation requests are coalesced into a
// single pending round.
type Link struct {
	mu     sync.Mutex
	local  domain.ConnID
	remote domain.ConnID
	state  LinkState
	media  MediaSession
	send   Sender

	pendingRenegotiation bool
	haveRemoteDesc       bool
	queuedCandidates     []webrtc.ICECandidateInit
	attached             map[string]webrtc.TrackLocal

	answerTimeout time.Duration
	round         int
	timer         *time.Timer

	// onClosed runs once, under the link lock; it must not call back
	// into the link.
	onClosed func(remote domain.ConnID)
}

func NewLink(local, remote domain.ConnID, media MediaSession, send Sender, answerTimeout time.Duration, onClosed func(domain.ConnID)) *Link {
	return &Link{
		local:         local,
		remote:        remote,
		state:         StateIdle,
		media:         media,
		send:          send,
		attached:      make(map[string]webrtc.TrackLocal),
		answerTimeout: answerTimeout,
		onClosed:      onClosed,
	}
}

func (l *Link) Remote() domain.ConnID { return l.remote }

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AttachTrack adds local tracks and triggers exactly one negotiation
// round for the batch: an initial offer if no channel exists yet, a
// renegotiation if one does, or a coalesced pending request while a
// round is already in flight.
func (l *Link) AttachTrack(tracks ...webrtc.TrackLocal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	added := false
	for _, t := range tracks {
		if _, ok := l.attached[t.ID()]; ok {
			continue
		}
		if err := l.media.AddTrack(t); err != nil {
			log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Str("track", t.ID()).Msg("add track")
			continue
		}
		l.attached[t.ID()] = t
		added = true
	}
	if added {
		l.requestRenegotiationLocked()
	}
}

// DetachTrack removes a local track by id and triggers renegotiation.
func (l *Link) DetachTrack(trackID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	t, ok := l.attached[trackID]
	if !ok {
		return
	}
	if err := l.media.RemoveTrack(t); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Str("track", trackID).Msg("remove track")
	}
	delete(l.attached, trackID)
	l.requestRenegotiationLocked()
}

// Initiate starts the first offer round. Only the deterministic
// initiator (the newcomer) calls this.
func (l *Link) Initiate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return
	}
	l.state = StateOffering
	l.offerLocked(StateAwaitingAnswer)
}

// HandleOffer applies a remote offer and answers it. preload tracks are
// added before the answer is generated so it carries our media; they do
// not trigger an extra round.
func (l *Link) HandleOffer(sdp string, preload ...webrtc.TrackLocal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	for _, t := range preload {
		if _, ok := l.attached[t.ID()]; ok {
			continue
		}
		if err := l.media.AddTrack(t); err != nil {
			log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Str("track", t.ID()).Msg("preload track")
			continue
		}
		l.attached[t.ID()] = t
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	answer, err := l.media.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		// No automatic retry; the remote re-initiates if it cares.
		log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("apply offer failed, closing link")
		l.closeLocked()
		return
	}
	l.haveRemoteDesc = true
	l.flushCandidatesLocked()

	if err := l.send.Send(&protocol.Answer{Type: protocol.TypeAnswer, To: l.remote, From: l.local, SDP: answer.SDP}); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("send answer failed, closing link")
		l.closeLocked()
		return
	}
	l.state = StateConnected

	if l.pendingRenegotiation {
		l.pendingRenegotiation = false
		l.state = StateRenegotiating
		l.offerLocked(StateRenegotiating)
	}
}

// HandleAnswer completes the in-flight offer round.
func (l *Link) HandleAnswer(sdp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAwaitingAnswer && l.state != StateRenegotiating {
		log.Warn().Str("module", "peer").Str("remote", string(l.remote)).Str("state", l.state.String()).Msg("unexpected answer, ignoring")
		return
	}
	if err := l.media.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("apply answer failed, closing link")
		l.closeLocked()
		return
	}
	l.haveRemoteDesc = true
	l.flushCandidatesLocked()
	l.stopTimerLocked()
	l.state = StateConnected

	if l.pendingRenegotiation {
		l.pendingRenegotiation = false
		l.state = StateRenegotiating
		l.offerLocked(StateRenegotiating)
	}
}

// HandleCandidate applies a remote ICE candidate, deferring it while no
// remote description exists yet. Candidates are never dropped for
// ordering, and per-candidate failures are non-fatal.
func (l *Link) HandleCandidate(cand webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	if !l.haveRemoteDesc {
		l.queuedCandidates = append(l.queuedCandidates, cand)
		return
	}
	if err := l.media.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("ice candidate rejected, ignoring")
	}
}

// Close tears the link down from any state. Terminal; a rejoining peer
// gets a fresh Link.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *Link) requestRenegotiationLocked() {
	switch l.state {
	case StateIdle:
		l.state = StateOffering
		l.offerLocked(StateAwaitingAnswer)
	case StateConnected:
		l.state = StateRenegotiating
		l.offerLocked(StateRenegotiating)
	case StateOffering, StateAwaitingAnswer, StateRenegotiating:
		// One offer in flight at a time; latest pending change wins.
		l.pendingRenegotiation = true
	case StateClosed:
	}
}

func (l *Link) offerLocked(next LinkState) {
	offer, err := l.media.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("create offer failed, closing link")
		l.closeLocked()
		return
	}
	if err := l.send.Send(&protocol.Offer{Type: protocol.TypeOffer, To: l.remote, From: l.local, SDP: offer.SDP}); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("send offer failed, closing link")
		l.closeLocked()
		return
	}
	l.state = next
	l.armTimerLocked()
}

func (l *Link) flushCandidatesLocked() {
	for _, cand := range l.queuedCandidates {
		if err := l.media.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("queued ice candidate rejected, ignoring")
		}
	}
	l.queuedCandidates = nil
}

func (l *Link) armTimerLocked() {
	if l.answerTimeout <= 0 {
		return
	}
	l.stopTimerLocked()
	l.round++
	round := l.round
	l.timer = time.AfterFunc(l.answerTimeout, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.round != round {
			return
		}
		if l.state == StateAwaitingAnswer || l.state == StateRenegotiating {
			log.Warn().Str("module", "peer").Str("remote", string(l.remote)).Msg("answer timeout, closing link")
			l.closeLocked()
		}
	})
}

func (l *Link) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Link) closeLocked() {
	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	l.stopTimerLocked()
	l.pendingRenegotiation = false
	l.queuedCandidates = nil
	l.attached = make(map[string]webrtc.TrackLocal)
	l.media.Close()
	if l.onClosed != nil {
		l.onClosed(l.remote)
	}
	log.Info().Str("module", "peer").Str("remote", string(l.remote)).Msg("link closed")
}
