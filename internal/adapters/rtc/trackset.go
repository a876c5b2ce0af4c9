package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// TrackKind names the three capture devices a participant can own.
type TrackKind string

const (
	TrackMic    TrackKind = "mic"
	TrackCamera TrackKind = "camera"
	TrackScreen TrackKind = "screen"
)

var ErrAlreadyCapturing = errors.New("capture already active")

// Fanout receives track-set changes; implemented by peer.Mesh.
type Fanout interface {
	AttachTrack(t webrtc.TrackLocal)
	DetachTrack(trackID string)
}

// TrackSet owns the local outbound tracks: at most one mic, one camera,
// one screen share. Toggles are serialized with the renegotiation they
// cause; the set talks only to the mesh, never to the relay.
type TrackSet struct {
	mu     sync.Mutex
	fan    Fanout
	tracks map[TrackKind]*webrtc.TrackLocalStaticRTP
	stops  map[TrackKind]context.CancelFunc
}

func NewTrackSet(fan Fanout) *TrackSet {
	return &TrackSet{
		fan:    fan,
		tracks: make(map[TrackKind]*webrtc.TrackLocalStaticRTP),
		stops:  make(map[TrackKind]context.CancelFunc),
	}
}

// Tracks implements peer.TrackSource.
func (s *TrackSet) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *TrackSet) Active(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracks[kind]
	return ok
}

func (s *TrackSet) StartMic(ctx context.Context) error {
	return s.start(ctx, TrackMic, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, false)
}

func (s *TrackSet) StopMic() { s.stop(TrackMic) }

func (s *TrackSet) StartCamera(ctx context.Context) error {
	return s.start(ctx, TrackCamera, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, false)
}

func (s *TrackSet) StopCamera() { s.stop(TrackCamera) }

// StartScreen replaces any already-active screen capture: the old one
// is torn down before the new track exists.
func (s *TrackSet) StartScreen(ctx context.Context) error {
	return s.start(ctx, TrackScreen, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, true)
}

func (s *TrackSet) StopScreen() { s.stop(TrackScreen) }

// StopAll releases every capture without notifying the mesh; used on
// teardown when the links are closing anyway.
func (s *TrackSet) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, cancel := range s.stops {
		cancel()
		delete(s.stops, kind)
		delete(s.tracks, kind)
	}
}

func (s *TrackSet) start(ctx context.Context, kind TrackKind, codec webrtc.RTPCodecCapability, replace bool) error {
	s.mu.Lock()
	var replaced *webrtc.TrackLocalStaticRTP
	if old, ok := s.tracks[kind]; ok {
		if !replace {
			s.mu.Unlock()
			return ErrAlreadyCapturing
		}
		replaced = old
		s.stopLocked(kind)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind)+"-"+uuid.NewString(), "local-"+string(kind))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	s.tracks[kind] = track
	s.stops[kind] = cancel
	s.mu.Unlock()

	if replaced != nil {
		s.fan.DetachTrack(replaced.ID())
	}

	// Synthetic source; stands in for device capture on a headless peer.
	go pump(pumpCtx, track, codec.ClockRate)

	log.Info().Str("module", "rtc.trackset").Str("kind", string(kind)).Str("track", track.ID()).Msg("capture started")
	s.fan.AttachTrack(track)
	return nil
}

func (s *TrackSet) stop(kind TrackKind) {
	s.mu.Lock()
	track, ok := s.tracks[kind]
	if ok {
		s.stopLocked(kind)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "rtc.trackset").Str("kind", string(kind)).Str("track", track.ID()).Msg("capture stopped")
	s.fan.DetachTrack(track.ID())
}

// stopLocked only releases local resources; fan-out happens outside the
// lock so a renegotiation trigger never runs under it.
func (s *TrackSet) stopLocked(kind TrackKind) {
	if cancel, ok := s.stops[kind]; ok {
		cancel()
		delete(s.stops, kind)
	}
	delete(s.tracks, kind)
}

const frameInterval = 20 * time.Millisecond

// pump writes empty RTP frames at a steady pace. Writes before the
// track is bound to a peer connection are dropped by pion, which is
// exactly what we want.
func pump(ctx context.Context, track *webrtc.TrackLocalStaticRTP, clockRate uint32) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	step := uint32(time.Duration(clockRate) * frameInterval / time.Second)
	var seq uint16
	var ts uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: make([]byte, 32),
			}
			if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, ctx.Err()) {
				log.Debug().Err(err).Str("module", "rtc.trackset").Str("track", track.ID()).Msg("write rtp")
			}
			seq++
			ts += step
		}
	}
}
