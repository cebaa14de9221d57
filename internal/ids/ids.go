// Package ids defines the process-wide identifier types used across
// raceserver. Participant, session, car-config, and track-config ids are
// 128-bit opaque values per the data model; connection ids are a
// monotonically increasing counter scoped to the transport fabric.
package ids

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ParticipantID identifies an authenticated human or synthetic AI occupant.
type ParticipantID uuid.UUID

// SessionID identifies a live racing session.
type SessionID uuid.UUID

// CarConfigID identifies an entry in the immutable car-config catalog.
type CarConfigID uuid.UUID

// TrackConfigID identifies an entry in the immutable track-config catalog.
type TrackConfigID uuid.UUID

// ConnectionID is a monotonically increasing value assigned on accept.
// It is intentionally not opaque: it only needs to be unique within one
// running process and is never persisted or compared across processes.
type ConnectionID uint64

// NewParticipantID returns a fresh random participant id.
func NewParticipantID() ParticipantID { return ParticipantID(uuid.New()) }

// NewSessionID returns a fresh random session id.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

// NewCarConfigID returns a fresh random car-config id.
func NewCarConfigID() CarConfigID { return CarConfigID(uuid.New()) }

// NewTrackConfigID returns a fresh random track-config id.
func NewTrackConfigID() TrackConfigID { return TrackConfigID(uuid.New()) }

func (p ParticipantID) String() string  { return uuid.UUID(p).String() }
func (s SessionID) String() string      { return uuid.UUID(s).String() }
func (c CarConfigID) String() string    { return uuid.UUID(c).String() }
func (t TrackConfigID) String() string  { return uuid.UUID(t).String() }

// Zero values, useful for "not set" comparisons (e.g. optional car-config-id).
var (
	NilParticipantID  = ParticipantID(uuid.Nil)
	NilSessionID      = SessionID(uuid.Nil)
	NilCarConfigID    = CarConfigID(uuid.Nil)
	NilTrackConfigID  = TrackConfigID(uuid.Nil)
)

// ParseParticipantID parses a string form, e.g. received over the wire.
func ParseParticipantID(s string) (ParticipantID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilParticipantID, err
	}
	return ParticipantID(u), nil
}

// ParseSessionID parses a string form, e.g. received over the wire.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilSessionID, err
	}
	return SessionID(u), nil
}

// ParseCarConfigID parses a string form, e.g. received over the wire.
func ParseCarConfigID(s string) (CarConfigID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilCarConfigID, err
	}
	return CarConfigID(u), nil
}

// ParseTrackConfigID parses a string form, e.g. received over the wire.
func ParseTrackConfigID(s string) (TrackConfigID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilTrackConfigID, err
	}
	return TrackConfigID(u), nil
}

// MarshalJSON renders as the canonical UUID string form used on the wire.
func (p ParticipantID) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }
func (s SessionID) MarshalJSON() ([]byte, error)     { return json.Marshal(s.String()) }
func (c CarConfigID) MarshalJSON() ([]byte, error)   { return json.Marshal(c.String()) }
func (t TrackConfigID) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (p *ParticipantID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*p = NilParticipantID
		return nil
	}
	id, err := ParseParticipantID(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}

func (s *SessionID) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str == "" {
		*s = NilSessionID
		return nil
	}
	id, err := ParseSessionID(str)
	if err != nil {
		return err
	}
	*s = id
	return nil
}

func (c *CarConfigID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*c = NilCarConfigID
		return nil
	}
	id, err := ParseCarConfigID(s)
	if err != nil {
		return err
	}
	*c = id
	return nil
}

func (t *TrackConfigID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*t = NilTrackConfigID
		return nil
	}
	id, err := ParseTrackConfigID(s)
	if err != nil {
		return err
	}
	*t = id
	return nil
}
