package frame

import (
	"path"
	"strconv"
	"strings"
)

// ParseFilename extracts the device id and epoch tokens from an attachment
// name such as "123456_789.dat". Everything from the first dot on is
// ignored. ok is false unless the remaining stem is exactly two
// underscore-separated integers.
func ParseFilename(name string) (deviceID, epoch int64, ok bool) {
	stem := path.Base(name)
	if idx := strings.IndexByte(stem, '.'); idx >= 0 {
		stem = stem[:idx]
	}

	tokens := strings.Split(stem, "_")
	if len(tokens) != 2 {
		return 0, 0, false
	}

	deviceID, err := strconv.ParseInt(tokens[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	epoch, err = strconv.ParseInt(tokens[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return deviceID, epoch, true
}
