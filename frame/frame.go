// Package frame decodes the fixed-length binary position frames the
// satellite operator attaches to its report mails.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dhcgn/siriusone-bridge/model"
)

// Size is the length of one frame in bytes.
const Size = 100

const (
	marker0 = 0x53
	marker1 = 0x31

	typePosition = 0x01
	flagFixValid = 0x01

	offMarker    = 0
	offType      = 2
	offFlags     = 3
	offSeconds   = 4
	offLatitude  = 8
	offLongitude = 12
	offCourse    = 16
	offSpeed     = 18
	offDeviceID  = 20
	offChecksum  = 98

	microDegrees = 1e6
	tenths       = 10
)

// ErrInvalidFrame is wrapped by every decode rejection.
var ErrInvalidFrame = errors.New("invalid frame")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFrame, fmt.Sprintf(format, args...))
}

// Decode parses buf into a position sample. deviceID and epoch are the two
// numeric tokens of the attachment filename; the frame's seconds field is
// an offset from epoch. A rejected frame yields a sample with Valid unset
// and an error wrapping ErrInvalidFrame.
func Decode(buf []byte, deviceID, epoch int64) (model.PositionSample, error) {
	if len(buf) != Size {
		return model.PositionSample{}, invalid("length %d, want %d", len(buf), Size)
	}
	if buf[offMarker] != marker0 || buf[offMarker+1] != marker1 {
		return model.PositionSample{}, invalid("bad marker %#x%02x", buf[offMarker], buf[offMarker+1])
	}
	if buf[offType] != typePosition {
		return model.PositionSample{}, invalid("unsupported message type %#x", buf[offType])
	}
	if got, want := binary.BigEndian.Uint16(buf[offChecksum:]), checksum(buf[:offChecksum]); got != want {
		return model.PositionSample{}, invalid("checksum %#04x, want %#04x", got, want)
	}
	if buf[offFlags]&flagFixValid == 0 {
		return model.PositionSample{}, invalid("no gps fix")
	}

	if echo := binary.BigEndian.Uint32(buf[offDeviceID:]); echo != 0 && int64(echo) != deviceID {
		return model.PositionSample{}, invalid("device id %d does not match filename id %d", echo, deviceID)
	}

	lat := float64(int32(binary.BigEndian.Uint32(buf[offLatitude:]))) / microDegrees
	lon := float64(int32(binary.BigEndian.Uint32(buf[offLongitude:]))) / microDegrees
	if lat < -90 || lat > 90 {
		return model.PositionSample{}, invalid("latitude %f out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return model.PositionSample{}, invalid("longitude %f out of range", lon)
	}

	course := float64(binary.BigEndian.Uint16(buf[offCourse:])) / tenths
	if course > 360 {
		return model.PositionSample{}, invalid("course %f out of range", course)
	}
	speed := float64(binary.BigEndian.Uint16(buf[offSpeed:])) / tenths
	seconds := int64(binary.BigEndian.Uint32(buf[offSeconds:]))

	return model.PositionSample{
		DeviceID:  deviceID,
		Latitude:  lat,
		Longitude: lon,
		Course:    course,
		Speed:     speed,
		Time:      time.Unix(epoch+seconds, 0).UTC(),
		Valid:     true,
	}, nil
}

// Encode builds the frame for s. The seconds field is s.Time relative to
// epoch. Values are not range checked.
func Encode(s model.PositionSample, epoch int64) []byte {
	buf := make([]byte, Size)
	buf[offMarker] = marker0
	buf[offMarker+1] = marker1
	buf[offType] = typePosition
	buf[offFlags] = flagFixValid

	var seconds int64
	if !s.Time.IsZero() {
		seconds = s.Time.Unix() - epoch
	}
	binary.BigEndian.PutUint32(buf[offSeconds:], uint32(seconds))
	binary.BigEndian.PutUint32(buf[offLatitude:], uint32(int32(round(s.Latitude*microDegrees))))
	binary.BigEndian.PutUint32(buf[offLongitude:], uint32(int32(round(s.Longitude*microDegrees))))
	binary.BigEndian.PutUint16(buf[offCourse:], uint16(round(s.Course*tenths)))
	binary.BigEndian.PutUint16(buf[offSpeed:], uint16(round(s.Speed*tenths)))
	binary.BigEndian.PutUint32(buf[offDeviceID:], uint32(s.DeviceID))
	binary.BigEndian.PutUint16(buf[offChecksum:], checksum(buf[:offChecksum]))
	return buf
}

func checksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

func round(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}
