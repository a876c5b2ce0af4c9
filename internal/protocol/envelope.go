// Package protocol defines the wire catalogue of the signaling channel.
// Every frame is a JSON object with a "type" discriminator; Decode turns
// raw bytes into exactly one of the variants below or fails.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wz1310/voice-cordova/internal/domain"
)

type Type string

// Client -> server requests.
const (
	TypeIdentify         Type = "identify"
	TypeGetRoomState     Type = "get_room_state"
	TypeJoinVoice        Type = "join_voice"
	TypeLeaveVoice       Type = "leave_voice"
	TypeKickUser         Type = "kick_user"
	TypeToggleMic        Type = "toggle_mic"
	TypeToggleWebcam     Type = "toggle_webcam"
	TypeUserSpeaking     Type = "user_speaking"
	TypeUserChat         Type = "user_chat"
	TypeOffer            Type = "webrtc-offer"
	TypeAnswer           Type = "webrtc-answer"
	TypeICE              Type = "webrtc-ice"
	TypeScreenShareStart Type = "start_screen_share_signal"
	TypeScreenShareStop  Type = "stop_screen_share"
)

// Server -> client notifications.
const (
	TypeRoomState     Type = "room_state"
	TypeUserJoined    Type = "user_joined_voice"
	TypeUserLeft      Type = "user_left_voice"
	TypeJoinFailed    Type = "join_failed"
	TypeMicStatus     Type = "mic_status_changed"
	TypeWebcamStatus  Type = "webcam_status_changed"
	TypeExistingPeers Type = "existing_peers"
	TypeKicked        Type = "kicked"
	TypeIdentified    Type = "identified"
	TypeError         Type = "error"
)

var (
	ErrUnknownType = errors.New("unknown signal type")
	ErrBadPayload  = errors.New("bad payload")
)

// Message is the closed union of wire variants. Only types in this
// package implement it.
type Message interface{ isMessage() }

type Identify struct {
	Type  Type   `json:"type"`
	Token string `json:"token"`
}

type GetRoomState struct {
	Type Type `json:"type"`
}

type JoinVoice struct {
	Type   Type              `json:"type"`
	Slot   int               `json:"slot"`
	User   domain.Identity   `json:"user"`
	Mic    domain.MediaState `json:"mic,omitempty"`
	Webcam domain.MediaState `json:"webcam,omitempty"`
}

type LeaveVoice struct {
	Type   Type              `json:"type"`
	Slot   int               `json:"slot"`
	UserID domain.IdentityID `json:"userId"`
}

type KickUser struct {
	Type   Type              `json:"type"`
	UserID domain.IdentityID `json:"userId"`
}

type ToggleMic struct {
	Type   Type              `json:"type"`
	Slot   int               `json:"slot"`
	UserID domain.IdentityID `json:"userId"`
	Status domain.MediaState `json:"status"`
}

type ToggleWebcam struct {
	Type   Type              `json:"type"`
	Slot   int               `json:"slot"`
	UserID domain.IdentityID `json:"userId"`
	Status domain.MediaState `json:"status"`
}

type UserSpeaking struct {
	Type     Type              `json:"type"`
	UserID   domain.IdentityID `json:"userId"`
	Speaking bool              `json:"speaking"`
}

type UserChat struct {
	Type    Type              `json:"type"`
	UserID  domain.IdentityID `json:"userId"`
	Message string            `json:"message"`
}

// Offer, Answer and ICE are directed relay traffic. The relay forwards
// them verbatim and never inspects the SDP.
type Offer struct {
	Type Type          `json:"type"`
	To   domain.ConnID `json:"toSocketId,omitempty"`
	From domain.ConnID `json:"fromSocketId"`
	SDP  string        `json:"sdp"`
}

type Answer struct {
	Type Type          `json:"type"`
	To   domain.ConnID `json:"toSocketId,omitempty"`
	From domain.ConnID `json:"fromSocketId"`
	SDP  string        `json:"sdp"`
}

type ICE struct {
	Type      Type                    `json:"type"`
	To        domain.ConnID           `json:"toSocketId,omitempty"`
	From      domain.ConnID           `json:"fromSocketId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type ScreenShareStart struct {
	Type Type          `json:"type"`
	From domain.ConnID `json:"fromSocketId"`
}

// ScreenShareStop is directed when To is set, broadcast otherwise.
type ScreenShareStop struct {
	Type Type          `json:"type"`
	From domain.ConnID `json:"fromSocketId"`
	To   domain.ConnID `json:"toSocketId,omitempty"`
}

type RoomState struct {
	Type  Type            `json:"type"`
	Slots domain.Snapshot `json:"slots"`
}

type UserJoined struct {
	Type Type             `json:"type"`
	Slot int              `json:"slot"`
	User domain.Occupancy `json:"user"`
}

type UserLeft struct {
	Type Type `json:"type"`
	Slot int  `json:"slot"`
}

type JoinFailed struct {
	Type   Type   `json:"type"`
	Slot   int    `json:"slot"`
	Reason string `json:"reason"`
}

type MicStatus struct {
	Type   Type              `json:"type"`
	Slot   int               `json:"slot"`
	Status domain.MediaState `json:"status"`
}

type WebcamStatus struct {
	Type   Type              `json:"type"`
	Slot   int               `json:"slot"`
	Status domain.MediaState `json:"status"`
}

type ExistingPeers struct {
	Type  Type             `json:"type"`
	Peers []domain.PeerRef `json:"peers"`
}

type Kicked struct {
	Type Type `json:"type"`
}

// Identified confirms the binding and tells the connection its own id,
// which peers will use to address it.
type Identified struct {
	Type Type            `json:"type"`
	Conn domain.ConnID   `json:"socketId"`
	User domain.Identity `json:"user"`
}

type ErrorNotice struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

func (*Identify) isMessage()         {}
func (*GetRoomState) isMessage()     {}
func (*JoinVoice) isMessage()        {}
func (*LeaveVoice) isMessage()       {}
func (*KickUser) isMessage()         {}
func (*ToggleMic) isMessage()        {}
func (*ToggleWebcam) isMessage()     {}
func (*UserSpeaking) isMessage()     {}
func (*UserChat) isMessage()         {}
func (*Offer) isMessage()            {}
func (*Answer) isMessage()           {}
func (*ICE) isMessage()              {}
func (*ScreenShareStart) isMessage() {}
func (*ScreenShareStop) isMessage()  {}
func (*RoomState) isMessage()        {}
func (*UserJoined) isMessage()       {}
func (*UserLeft) isMessage()         {}
func (*JoinFailed) isMessage()       {}
func (*MicStatus) isMessage()        {}
func (*WebcamStatus) isMessage()     {}
func (*ExistingPeers) isMessage()    {}
func (*Kicked) isMessage()           {}
func (*Identified) isMessage()       {}
func (*ErrorNotice) isMessage()      {}

// Decode parses one frame and validates it against its declared type.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeIdentify:
		m := &Identify{}
		if err = json.Unmarshal(data, m); err == nil && m.Token == "" {
			err = fmt.Errorf("%w: identify without token", ErrBadPayload)
		}
		msg = m
	case TypeGetRoomState:
		m := &GetRoomState{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeJoinVoice:
		m := &JoinVoice{}
		if err = json.Unmarshal(data, m); err == nil {
			if m.Mic == "" {
				m.Mic = domain.MediaOn
			}
			if m.Webcam == "" {
				m.Webcam = domain.MediaOff
			}
			if !m.Mic.Valid() || !m.Webcam.Valid() {
				err = fmt.Errorf("%w: bad media state", ErrBadPayload)
			}
		}
		msg = m
	case TypeLeaveVoice:
		m := &LeaveVoice{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeKickUser:
		m := &KickUser{}
		if err = json.Unmarshal(data, m); err == nil && m.UserID == "" {
			err = fmt.Errorf("%w: kick without userId", ErrBadPayload)
		}
		msg = m
	case TypeToggleMic:
		m := &ToggleMic{}
		if err = json.Unmarshal(data, m); err == nil && !m.Status.Valid() {
			err = fmt.Errorf("%w: bad mic status %q", ErrBadPayload, m.Status)
		}
		msg = m
	case TypeToggleWebcam:
		m := &ToggleWebcam{}
		if err = json.Unmarshal(data, m); err == nil && !m.Status.Valid() {
			err = fmt.Errorf("%w: bad webcam status %q", ErrBadPayload, m.Status)
		}
		msg = m
	case TypeUserSpeaking:
		m := &UserSpeaking{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeUserChat:
		m := &UserChat{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeOffer:
		m := &Offer{}
		if err = json.Unmarshal(data, m); err == nil && m.SDP == "" {
			err = fmt.Errorf("%w: offer without sdp", ErrBadPayload)
		}
		msg = m
	case TypeAnswer:
		m := &Answer{}
		if err = json.Unmarshal(data, m); err == nil && m.SDP == "" {
			err = fmt.Errorf("%w: answer without sdp", ErrBadPayload)
		}
		msg = m
	case TypeICE:
		m := &ICE{}
		if err = json.Unmarshal(data, m); err == nil && m.Candidate.Candidate == "" {
			err = fmt.Errorf("%w: ice without candidate", ErrBadPayload)
		}
		msg = m
	case TypeScreenShareStart:
		m := &ScreenShareStart{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeScreenShareStop:
		m := &ScreenShareStop{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeRoomState:
		m := &RoomState{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeUserJoined:
		m := &UserJoined{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeUserLeft:
		m := &UserLeft{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeJoinFailed:
		m := &JoinFailed{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeMicStatus:
		m := &MicStatus{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeWebcamStatus:
		m := &WebcamStatus{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeExistingPeers:
		m := &ExistingPeers{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeKicked:
		m := &Kicked{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeIdentified:
		m := &Identified{}
		err = json.Unmarshal(data, m)
		msg = m
	case TypeError:
		m := &ErrorNotice{}
		err = json.Unmarshal(data, m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
