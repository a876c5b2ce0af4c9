// Package agent is a headless voice participant: it logs in, opens the
// signaling websocket, claims a slot and negotiates media with every
// other occupant. Useful as a bot seat and as an end-to-end probe.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	req "github.com/imroc/req/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/adapters/rtc"
	"github.com/wz1310/voice-cordova/internal/domain"
	"github.com/wz1310/voice-cordova/internal/peer"
	"github.com/wz1310/voice-cordova/internal/protocol"
	"github.com/wz1310/voice-cordova/internal/turn"
)

type Config struct {
	ServerURL string
	Username  string
	Password  string
	Slot      int

	Mic    bool
	Webcam bool

	NegotiationTimeout time.Duration
}

var ErrKicked = errors.New("kicked from room")

type loginResponse struct {
	Token string          `json:"token"`
	User  domain.Identity `json:"user"`
}

// wsSender serializes writes to the signaling socket; gorilla allows
// only one concurrent writer.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Agent is one participant instance. Build with New, drive with Run.
type Agent struct {
	cfg    Config
	self   domain.Identity
	token  string
	sender *wsSender
	ice    []webrtc.ICEServer

	conn   domain.ConnID
	mesh   *peer.Mesh
	tracks *rtc.TrackSet

	// slot -> occupancy, mirrored from server notifications so a
	// user_left (which only carries the slot) can be mapped back to the
	// departed connection.
	slots map[int]domain.Occupancy
}

func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, slots: make(map[int]domain.Occupancy)}
}

// Run logs in, connects and participates until ctx is cancelled, the
// server drops us, or we get kicked.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.login(ctx); err != nil {
		return err
	}
	if err := a.fetchICE(ctx); err != nil {
		// STUN fallback still lets same-network peers connect.
		log.Warn().Err(err).Str("module", "agent").Msg("turn token fetch failed, using defaults")
	}

	ws, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	a.sender = &wsSender{conn: ws}

	if err := a.sender.Send(&protocol.Identify{Type: protocol.TypeIdentify, Token: a.token}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	defer func() {
		if a.tracks != nil {
			a.tracks.StopAll()
		}
		if a.mesh != nil {
			a.mesh.CloseAll()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("signal read: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "agent").Msg("bad server frame")
			continue
		}
		if err := a.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (a *Agent) login(ctx context.Context) error {
	var out loginResponse
	resp, err := req.C().SetTimeout(10*time.Second).R().
		SetContext(ctx).
		SetBodyJsonMarshal(map[string]string{"username": a.cfg.Username, "password": a.cfg.Password}).
		SetSuccessResult(&out).
		Post(a.cfg.ServerURL + "/api/login")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !resp.IsSuccessState() {
		return fmt.Errorf("login: unexpected status %s", resp.Status)
	}
	a.token = out.Token
	a.self = out.User
	log.Info().Str("module", "agent").Str("user", string(a.self.ID)).Str("name", a.self.Name).Msg("logged in")
	return nil
}

func (a *Agent) fetchICE(ctx context.Context) error {
	tok, err := turn.NewClient(a.cfg.ServerURL).Fetch(ctx)
	if err != nil {
		return err
	}
	a.ice = tok.WebRTCICEServers()
	return nil
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/ws/signal"

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return ws, nil
}

func (a *Agent) handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Identified:
		return a.handleIdentified(ctx, m)
	case *protocol.ExistingPeers:
		if a.mesh != nil {
			a.mesh.HandleExistingPeers(m.Peers)
		}
	case *protocol.Offer:
		if a.mesh != nil {
			a.mesh.HandleOffer(m.From, m.SDP)
		}
	case *protocol.Answer:
		if a.mesh != nil {
			a.mesh.HandleAnswer(m.From, m.SDP)
		}
	case *protocol.ICE:
		if a.mesh != nil {
			a.mesh.HandleCandidate(m.From, m.Candidate)
		}
	case *protocol.RoomState:
		a.slots = make(map[int]domain.Occupancy, len(m.Slots))
		for slot, occ := range m.Slots {
			a.slots[slot] = occ
		}
	case *protocol.UserJoined:
		a.slots[m.Slot] = m.User
	case *protocol.UserLeft:
		if occ, ok := a.slots[m.Slot]; ok {
			delete(a.slots, m.Slot)
			if a.mesh != nil && occ.ConnID != a.conn {
				a.mesh.HandlePeerLeft(occ.ConnID)
			}
		}
	case *protocol.JoinFailed:
		return fmt.Errorf("join slot %d failed: %s", m.Slot, m.Reason)
	case *protocol.Kicked:
		log.Warn().Str("module", "agent").Msg("kicked")
		return ErrKicked
	case *protocol.MicStatus, *protocol.WebcamStatus, *protocol.UserSpeaking,
		*protocol.UserChat, *protocol.ScreenShareStart, *protocol.ScreenShareStop:
		// Presence noise; a headless seat has nothing to render.
	case *protocol.ErrorNotice:
		log.Warn().Str("module", "agent").Str("error", m.Error).Msg("server error notice")
	default:
		log.Warn().Str("module", "agent").Msg("unexpected server envelope")
	}
	return nil
}

func (a *Agent) handleIdentified(ctx context.Context, m *protocol.Identified) error {
	a.conn = m.Conn
	log.Info().Str("module", "agent").Str("conn", string(a.conn)).Msg("identified")

	factory := func(remote domain.ConnID) (peer.MediaSession, error) {
		pc, err := rtc.NewConnection(rtc.DefaultConfig(a.ice), remote)
		if err != nil {
			return nil, err
		}
		pc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
			err := a.sender.Send(&protocol.ICE{Type: protocol.TypeICE, To: remote, From: a.conn, Candidate: cand})
			if err != nil {
				log.Warn().Err(err).Str("module", "agent").Str("remote", string(remote)).Msg("send candidate")
			}
		})
		if err := pc.Start(ctx); err != nil {
			pc.Close()
			return nil, err
		}
		return pc, nil
	}

	a.mesh = peer.NewMesh(a.conn, a.sender, factory, &trackProxy{a}, a.cfg.NegotiationTimeout)
	a.tracks = rtc.NewTrackSet(a.mesh)

	if a.cfg.Mic {
		if err := a.tracks.StartMic(ctx); err != nil {
			return fmt.Errorf("start mic: %w", err)
		}
	}
	if a.cfg.Webcam {
		if err := a.tracks.StartCamera(ctx); err != nil {
			return fmt.Errorf("start camera: %w", err)
		}
	}

	join := &protocol.JoinVoice{
		Type:   protocol.TypeJoinVoice,
		Slot:   a.cfg.Slot,
		User:   a.self,
		Mic:    mediaState(a.cfg.Mic),
		Webcam: mediaState(a.cfg.Webcam),
	}
	if err := a.sender.Send(join); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

// trackProxy defers Tracks() through the agent so the mesh can be
// constructed before the track set exists.
type trackProxy struct{ a *Agent }

func (p *trackProxy) Tracks() []webrtc.TrackLocal {
	if p.a.tracks == nil {
		return nil
	}
	return p.a.tracks.Tracks()
}

func mediaState(on bool) domain.MediaState {
	if on {
		return domain.MediaOn
	}
	return domain.MediaOff
}
