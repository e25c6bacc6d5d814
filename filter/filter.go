// Package filter decides which operator mails the poller looks at, based on
// their headers.
package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Options holds allow-list or block-list rules. A rule is either
// "Header-Name: regex", matched against that header's values, or a bare
// regex matched against the whole header block.
type Options struct {
	Include []string
	Exclude []string
}

type Rule struct {
	Header  string
	Pattern *regexp.Regexp
}

type Filter struct {
	include []Rule
	exclude []Rule
}

// New compiles the rules. Include and exclude rules are mutually exclusive.
func New(opts Options) (*Filter, error) {
	include, err := compileRules(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("compile include rule: %w", err)
	}
	exclude, err := compileRules(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude rule: %w", err)
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// Active reports whether any rule is configured.
func (f *Filter) Active() bool {
	return f != nil && (len(f.include) > 0 || len(f.exclude) > 0)
}

// Allows reports whether the raw message passes the rules. A nil Filter
// allows everything.
func (f *Filter) Allows(raw []byte) bool {
	if !f.Active() {
		return true
	}

	block, _ := SplitRawMessage(raw)
	r := io.MultiReader(bytes.NewReader(block), strings.NewReader("\r\n\r\n"))
	header, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		// unparsable headers only match bare rules
		header = textproto.Header{}
	}

	if len(f.include) > 0 {
		return matchAny(f.include, header, block)
	}
	return !matchAny(f.exclude, header, block)
}

// ParseRule splits "Header: regex" into its parts. Anything without a
// valid header name before the first colon is a bare regex.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rule{}, fmt.Errorf("empty rule")
	}

	header, pattern := "", s
	if name, rest, ok := strings.Cut(s, ":"); ok && isHeaderName(name) {
		header, pattern = name, strings.TrimSpace(rest)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return Rule{Header: header, Pattern: re}, nil
}

func (r Rule) match(header textproto.Header, block []byte) bool {
	if r.Header == "" {
		return r.Pattern.Match(block)
	}
	fields := header.FieldsByKey(r.Header)
	for fields.Next() {
		if r.Pattern.MatchString(fields.Value()) {
			return true
		}
	}
	return false
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compileRules(rules []string) ([]Rule, error) {
	compiled := make([]Rule, 0, len(rules))
	for _, s := range rules {
		if strings.TrimSpace(s) == "" {
			continue
		}
		rule, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, rule)
	}
	return compiled, nil
}

func matchAny(rules []Rule, header textproto.Header, block []byte) bool {
	for _, r := range rules {
		if r.match(header, block) {
			return true
		}
	}
	return false
}

func isHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !(c == '-' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
