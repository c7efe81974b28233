// Package mxid defines the identifiers used by the encryption machine: users, rooms, events and devices.
// Values are plain strings underneath so they can be used as map keys, but they can only be made
// valid through the Parse functions.
package mxid

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidID = errors.New("mxid: invalid identifier")

type ParseError struct {
	Kind  string
	Value string
	Cause string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mxid: invalid %s %q: %s", e.Kind, e.Value, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidID
}

// UserID is a fully qualified user id of the form @localpart:server.
type UserID string

// RoomID is a room id of the form !opaque:server.
type RoomID string

// EventID is an event id. Newer room versions drop the server part so only the sigil is checked.
type EventID string

// DeviceID is an opaque server assigned device id.
type DeviceID string

func ParseUserID(raw string) (UserID, error) {
	if err := parseSigiled("user id", '@', raw, true); err != nil {
		return "", err
	}
	return UserID(raw), nil
}

func ParseRoomID(raw string) (RoomID, error) {
	if err := parseSigiled("room id", '!', raw, true); err != nil {
		return "", err
	}
	return RoomID(raw), nil
}

func ParseEventID(raw string) (EventID, error) {
	if err := parseSigiled("event id", '$', raw, false); err != nil {
		return "", err
	}
	return EventID(raw), nil
}

func ParseDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return "", &ParseError{Kind: "device id", Value: raw, Cause: "empty"}
	}
	if strings.ContainsAny(raw, " \t\n") {
		return "", &ParseError{Kind: "device id", Value: raw, Cause: "contains whitespace"}
	}
	return DeviceID(raw), nil
}

// ParseUserIDs parses every id, failing on the first invalid one.
func ParseUserIDs(raw []string) ([]UserID, error) {
	out := make([]UserID, 0, len(raw))
	for _, r := range raw {
		u, err := ParseUserID(r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func parseSigiled(kind string, sigil byte, raw string, needServer bool) error {
	if raw == "" {
		return &ParseError{Kind: kind, Value: raw, Cause: "empty"}
	}
	if raw[0] != sigil {
		return &ParseError{Kind: kind, Value: raw, Cause: fmt.Sprintf("must start with %q", sigil)}
	}
	if len(raw) == 1 {
		return &ParseError{Kind: kind, Value: raw, Cause: "no content after sigil"}
	}
	if len(raw) > 255 {
		return &ParseError{Kind: kind, Value: raw, Cause: "longer than 255 bytes"}
	}
	if !needServer {
		return nil
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 2 {
		return &ParseError{Kind: kind, Value: raw, Cause: "missing localpart"}
	}
	if idx == len(raw)-1 {
		return &ParseError{Kind: kind, Value: raw, Cause: "missing server name"}
	}
	return nil
}

func (u UserID) String() string { return string(u) }

// Localpart returns the part between the sigil and the first colon.
func (u UserID) Localpart() string {
	s := string(u)
	idx := strings.IndexByte(s, ':')
	if idx < 1 {
		return ""
	}
	return s[1:idx]
}

// Server returns the server name of the user.
func (u UserID) Server() string {
	s := string(u)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return ""
	}
	return s[idx+1:]
}

func (r RoomID) String() string   { return string(r) }
func (e EventID) String() string  { return string(e) }
func (d DeviceID) String() string { return string(d) }
