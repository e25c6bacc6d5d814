package poller

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"
)

type kind int

const (
	kindIgnored kind = iota
	kindXML
	kindFrame
)

type attachment struct {
	Name        string
	Disposition string
	Content     []byte
}

// attachments returns the parts of raw that are attachments: parts with
// disposition "attachment" or with a file name.
func attachments(raw []byte) ([]attachment, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mime: %w", err)
	}

	var out []attachment
	for _, list := range [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts} {
		for _, p := range list {
			if p == nil {
				continue
			}
			if !strings.EqualFold(p.Disposition, "attachment") && p.FileName == "" {
				continue
			}
			out = append(out, attachment{Name: p.FileName, Disposition: p.Disposition, Content: p.Content})
		}
	}
	return out, nil
}

func classify(name string) kind {
	if name == "" {
		return kindIgnored
	}
	if strings.HasSuffix(strings.ToLower(name), ".xml") {
		return kindXML
	}
	return kindFrame
}
