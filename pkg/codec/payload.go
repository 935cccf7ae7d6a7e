package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Delimiter separates the fields of a beacon payload.
	Delimiter = "|"

	// MaxPayloadLen is the largest payload that fits a single advertisement slot.
	MaxPayloadLen = 27

	// Ack payload values
	AckFailure byte = 0x00
	AckSuccess byte = 0x01

	inactiveFlag = "0"
)

// Role tags the kind of device that emitted a beacon.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleCourse  Role = "COURSE"
)

var (
	ErrMalformed       = errors.New("malformed payload")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidField    = errors.New("invalid field")
)

// IdentityPrefix is the byte prefix shared by every encoded IdentityPacket.
var IdentityPrefix = []byte(string(RoleStudent) + Delimiter)

// AnnouncePrefix is the byte prefix shared by every encoded AnnouncePacket.
var AnnouncePrefix = []byte(string(RoleCourse) + Delimiter)

// Packet is a decoded beacon payload.
type Packet interface {
	Role() Role
}

// IdentityPacket is broadcast by an attendee device.
type IdentityPacket struct {
	SubjectID string
	SessionID int
}

// Role returns RoleStudent.
func (IdentityPacket) Role() Role { return RoleStudent }

// AnnouncePacket is broadcast by the session host.
type AnnouncePacket struct {
	SessionID  int
	CourseName string
	Active     bool
}

// Role returns RoleCourse.
func (AnnouncePacket) Role() Role { return RoleCourse }

// EncodeIdentity encodes p as STUDENT|<subjectId>|<sessionId>.
func EncodeIdentity(p IdentityPacket) ([]byte, error) {
	if err := validateText("subject id", p.SubjectID); err != nil {
		return nil, err
	}
	if p.SessionID < 0 {
		return nil, fmt.Errorf("%w: negative session id %d", ErrInvalidField, p.SessionID)
	}
	return fit(string(RoleStudent), p.SubjectID, strconv.Itoa(p.SessionID))
}

// EncodeAnnounce encodes p as COURSE|<sessionId>|<courseName>. An inactive
// announcement carries an extra trailing flag field.
func EncodeAnnounce(p AnnouncePacket) ([]byte, error) {
	if err := validateText("course name", p.CourseName); err != nil {
		return nil, err
	}
	if p.SessionID < 0 {
		return nil, fmt.Errorf("%w: negative session id %d", ErrInvalidField, p.SessionID)
	}
	fields := []string{string(RoleCourse), strconv.Itoa(p.SessionID), p.CourseName}
	if !p.Active {
		fields = append(fields, inactiveFlag)
	}
	return fit(fields...)
}

// MaxCourseNameLen returns the longest course name that still fits an
// active announcement for the given session id.
func MaxCourseNameLen(sessionID int) int {
	overhead := len(RoleCourse) + 2*len(Delimiter) + len(strconv.Itoa(sessionID))
	return MaxPayloadLen - overhead
}

func fit(fields ...string) ([]byte, error) {
	out := strings.Join(fields, Delimiter)
	if len(out) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrPayloadTooLarge, len(out), MaxPayloadLen)
	}
	return []byte(out), nil
}

// Decode parses a raw beacon payload. Every failure wraps ErrMalformed.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if len(data) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMalformed, len(data), MaxPayloadLen)
	}

	parts := strings.Split(string(data), Delimiter)
	switch Role(parts[0]) {
	case RoleStudent:
		return decodeIdentity(parts)
	case RoleCourse:
		return decodeAnnounce(parts)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrMalformed, parts[0])
	}
}

func decodeIdentity(parts []string) (Packet, error) {
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: identity expects 3 fields, got %d", ErrMalformed, len(parts))
	}
	if err := validateText("subject id", parts[1]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, err := parseID(parts[2])
	if err != nil {
		return nil, err
	}
	return IdentityPacket{SubjectID: parts[1], SessionID: id}, nil
}

func decodeAnnounce(parts []string) (Packet, error) {
	if len(parts) != 3 && len(parts) != 4 {
		return nil, fmt.Errorf("%w: announce expects 3 or 4 fields, got %d", ErrMalformed, len(parts))
	}
	id, err := parseID(parts[1])
	if err != nil {
		return nil, err
	}
	if err := validateText("course name", parts[2]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p := AnnouncePacket{SessionID: id, CourseName: parts[2], Active: true}
	if len(parts) == 4 {
		if parts[3] != inactiveFlag {
			return nil, fmt.Errorf("%w: unknown announce flag %q", ErrMalformed, parts[3])
		}
		p.Active = false
	}
	return p, nil
}

// parseID only accepts the canonical decimal form so that decoding and
// encoding stay inverse of each other.
func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 || strconv.Itoa(id) != s {
		return 0, fmt.Errorf("%w: bad session id %q", ErrMalformed, s)
	}
	return id, nil
}

func validateText(name, s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidField, name)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: %s contains non-printable byte 0x%02x", ErrInvalidField, name, c)
		}
		if c == Delimiter[0] {
			return fmt.Errorf("%w: %s contains delimiter", ErrInvalidField, name)
		}
	}
	return nil
}

// EncodeAck returns the single-byte acknowledgement payload.
func EncodeAck(ok bool) []byte {
	if ok {
		return []byte{AckSuccess}
	}
	return []byte{AckFailure}
}

// DecodeAck parses an acknowledgement payload.
func DecodeAck(data []byte) (bool, error) {
	if len(data) != 1 {
		return false, fmt.Errorf("%w: ack expects 1 byte, got %d", ErrMalformed, len(data))
	}
	switch data[0] {
	case AckSuccess:
		return true, nil
	case AckFailure:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown ack value 0x%02x", ErrMalformed, data[0])
	}
}
