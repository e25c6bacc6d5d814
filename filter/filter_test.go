package filter

import (
	"testing"
)

const operatorMail = "From: sbdservice@sbd.iridium.com\r\n" +
	"To: bridge@example.com\r\n" +
	"Subject: SBD Msg From Unit: 300234010753370\r\n" +
	"\r\n" +
	"body"

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{Include: []string{`From: @sbd\.iridium\.com$`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows([]byte(operatorMail)) {
		t.Error("Expected operator mail to be allowed")
	}

	other := "From: someone@example.com\nSubject: hello\n\nbody"
	if f.Allows([]byte(other)) {
		t.Error("Expected mail from another sender to be filtered out")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{Exclude: []string{"Subject: (?i)out of office"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows([]byte(operatorMail)) {
		t.Error("Expected operator mail to be allowed")
	}

	autoReply := "From: sbdservice@sbd.iridium.com\nSubject: Out of Office\n\nbody"
	if f.Allows([]byte(autoReply)) {
		t.Error("Expected auto reply to be filtered out")
	}
}

func TestFilter_HeaderRuleOnlyMatchesNamedHeader(t *testing.T) {
	f, err := New(Options{Include: []string{"Subject: iridium"}})
	if err != nil {
		t.Fatal(err)
	}
	// "iridium" only appears in From
	if f.Allows([]byte(operatorMail)) {
		t.Error("Subject rule must not match the From header")
	}
}

func TestFilter_BareRuleMatchesHeaderBlock(t *testing.T) {
	f, err := New(Options{Include: []string{`sbd\.iridium`}})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Allows([]byte(operatorMail)) {
		t.Error("bare rule should match anywhere in the header block")
	}
	if f.Allows([]byte("From: a@example.com\n\nsbd.iridium in the body")) {
		t.Error("bare rule must not look at the body")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{Include: []string{"test"}, Exclude: []string{"spam"}})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{Include: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("blank rules should leave the filter inactive")
	}
	if !f.Allows([]byte(operatorMail)) {
		t.Error("Expected message to be allowed when no filters are active")
	}

	var nilFilter *Filter
	if !nilFilter.Allows([]byte(operatorMail)) {
		t.Error("nil filter should allow everything")
	}
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		rule       string
		wantHeader string
		wantExpr   string
		wantErr    bool
	}{
		{"From: @sbd\\.iridium\\.com$", "From", "@sbd\\.iridium\\.com$", false},
		{"X-Mailer:foo", "X-Mailer", "foo", false},
		{"spam", "", "spam", false},
		{"a b: c", "", "a b: c", false},
		{"Subject: (", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			r, err := ParseRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if r.Header != tt.wantHeader || r.Pattern.String() != tt.wantExpr {
				t.Errorf("ParseRule() = %q %q, want %q %q", r.Header, r.Pattern, tt.wantHeader, tt.wantExpr)
			}
		})
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{
			name:       "CRLF separator",
			raw:        []byte("Header: value\r\n\r\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "LF separator",
			raw:        []byte("Header: value\n\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "No separator",
			raw:        []byte("All header content"),
			wantHeader: []byte("All header content"),
			wantBody:   nil,
		},
		{
			name:       "Empty message",
			raw:        []byte{},
			wantHeader: nil,
			wantBody:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			if string(gotHeader) != string(tt.wantHeader) {
				t.Errorf("SplitRawMessage() header = %q, want %q", gotHeader, tt.wantHeader)
			}
			if string(gotBody) != string(tt.wantBody) {
				t.Errorf("SplitRawMessage() body = %q, want %q", gotBody, tt.wantBody)
			}
		})
	}
}
