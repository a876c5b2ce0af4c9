package domain

import "errors"

// ConnID identifies one live transport connection to the relay.
// It has no identity until the connection announces one.
type ConnID string

// MediaState is the advertised on/off state of a capture device.
type MediaState string

const (
	MediaOn  MediaState = "on"
	MediaOff MediaState = "off"
)

func (s MediaState) Valid() bool {
	return s == MediaOn || s == MediaOff
}

// Policy rejections returned to a requester; never fatal.
var (
	ErrInvalidSlot  = errors.New("invalid_slot")
	ErrOccupied     = errors.New("occupied")
	ErrDuplicateID  = errors.New("duplicate_id")
	ErrUnauthorized = errors.New("unauthorized")
)

// Occupancy binds an identity and its connection to one slot.
type Occupancy struct {
	Identity Identity   `json:"user"`
	ConnID   ConnID     `json:"socketId"`
	Slot     int        `json:"slot"`
	Mic      MediaState `json:"mic"`
	Webcam   MediaState `json:"webcam"`
	Speaking bool       `json:"speaking"`
}

// Snapshot is the full slot map at an instant. Values are copies;
// mutating a snapshot never touches registry state.
type Snapshot map[int]Occupancy

// PeerRef points a newly seated occupant at an already-present one,
// so the newcomer knows whom to call.
type PeerRef struct {
	Slot   int    `json:"slot"`
	ConnID ConnID `json:"socketId"`
}
