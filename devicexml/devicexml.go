// Package devicexml decodes the XML device reports delivered by the
// satellite operator.
package devicexml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/dhcgn/siriusone-bridge/model"
)

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("device report parse error")

// ParseError reports a malformed document or a missing element.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device report: %s: %v", e.Reason, e.Err)
	}
	return "device report: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

type xmlDevices struct {
	XMLName xml.Name    `xml:"devices"`
	Devices []xmlDevice `xml:"device"`
}

type xmlDevice struct {
	Serial    string        `xml:"serial"`
	Positions []xmlPosition `xml:"positions>position"`
}

// Numbers are kept as text so a bad value only fails the position that
// carries it.
type xmlPosition struct {
	Latitude  string `xml:"latitude"`
	Longitude string `xml:"longitude"`
	Altitude  string `xml:"altitude"`
	Course    string `xml:"course"`
	Speed     struct {
		Knots string `xml:"knots"`
	} `xml:"speed"`
	GPS       string `xml:"gps"`
	Timestamp string `xml:"timestamp"`
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// First is the forwarded part of a document: the first device's serial and
// its first position. Devices and Positions count the elements of the whole
// document.
type First struct {
	Serial    string
	Fix       model.PositionFix
	Devices   int
	Positions int
}

// Ignored is the number of positions in the document besides the first.
func (f First) Ignored() int {
	if f.Positions == 0 {
		return 0
	}
	return f.Positions - 1
}

func parse(r io.Reader) (xmlDevices, error) {
	var doc xmlDevices
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&doc); err != nil {
		return xmlDevices{}, &ParseError{Reason: "malformed document", Err: err}
	}
	if len(doc.Devices) == 0 {
		return xmlDevices{}, &ParseError{Reason: "no device element"}
	}
	return doc, nil
}

// Decode reads a whole document. Every device must carry a serial and at
// least one position, and every position must be complete.
func Decode(r io.Reader) ([]model.DeviceReport, error) {
	doc, err := parse(r)
	if err != nil {
		return nil, err
	}

	reports := make([]model.DeviceReport, 0, len(doc.Devices))
	for i, dev := range doc.Devices {
		serial := strings.TrimSpace(dev.Serial)
		if serial == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("device %d has no serial", i)}
		}
		if len(dev.Positions) == 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("device %s has no position", serial)}
		}

		report := model.DeviceReport{Serial: serial, Positions: make([]model.PositionFix, 0, len(dev.Positions))}
		for j, pos := range dev.Positions {
			fix, err := pos.fix()
			if err != nil {
				return nil, &ParseError{Reason: fmt.Sprintf("device %s position %d", serial, j), Err: err}
			}
			report.Positions = append(report.Positions, fix)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// DecodeFirst validates only the first device's serial and its first
// position. Further devices and positions are counted but not checked.
func DecodeFirst(r io.Reader) (First, error) {
	doc, err := parse(r)
	if err != nil {
		return First{}, err
	}

	dev := doc.Devices[0]
	serial := strings.TrimSpace(dev.Serial)
	if serial == "" {
		return First{}, &ParseError{Reason: "first device has no serial"}
	}
	if len(dev.Positions) == 0 {
		return First{}, &ParseError{Reason: fmt.Sprintf("device %s has no position", serial)}
	}
	fix, err := dev.Positions[0].fix()
	if err != nil {
		return First{}, &ParseError{Reason: fmt.Sprintf("device %s position 0", serial), Err: err}
	}

	first := First{Serial: serial, Fix: fix, Devices: len(doc.Devices)}
	for _, d := range doc.Devices {
		first.Positions += len(d.Positions)
	}
	return first, nil
}

func (p xmlPosition) fix() (model.PositionFix, error) {
	var (
		fix  model.PositionFix
		errs []error
	)
	number := func(name, value string) float64 {
		v, err := parseNumber(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}
	fix.Latitude = number("latitude", p.Latitude)
	fix.Longitude = number("longitude", p.Longitude)
	fix.Altitude = number("altitude", p.Altitude)
	fix.Course = number("course", p.Course)
	fix.Speed = number("speed", p.Speed.Knots)
	if err := errors.Join(errs...); err != nil {
		return model.PositionFix{}, err
	}

	gps, err := parseTime(p.GPS)
	if err != nil {
		return model.PositionFix{}, fmt.Errorf("gps time: %w", err)
	}
	received, err := parseTime(p.Timestamp)
	if err != nil {
		return model.PositionFix{}, fmt.Errorf("timestamp: %w", err)
	}
	fix.GPSTime = gps
	fix.ReceivedTime = received
	return fix, nil
}

// parseNumber reads an optional decimal; a missing element counts as zero.
func parseNumber(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.ParseFloat(value, 64)
}

// parseTime accepts zone-less ISO date-times as UTC.
func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, value, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
