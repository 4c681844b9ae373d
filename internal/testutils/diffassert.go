package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the part of *testing.T the asserters need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// OutputOptions controls how command output is normalized before comparison.
type OutputOptions struct {
	TrimSpace           bool `default:"true"`
	IgnoreTrailingSpace bool `default:"true"`
	IgnoreEmptyLines    bool `default:"false"`
	IgnoredFields       []string // JSON only: keys removed at any depth
}

// OutputOption mutates OutputOptions.
type OutputOption func(*OutputOptions)

// WithIgnoredFields drops the named JSON keys on both sides before diffing.
func WithIgnoredFields(fields ...string) OutputOption {
	return func(o *OutputOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// WithIgnoreEmptyLines drops blank lines before diffing text.
func WithIgnoreEmptyLines() OutputOption {
	return func(o *OutputOptions) { o.IgnoreEmptyLines = true }
}

func outputOptions(opts []OutputOption) OutputOptions {
	o := OutputOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AssertText fails t with a unified diff when actual differs from expected.
func AssertText(t TestingT, actual, expected string, opts ...OutputOption) bool {
	t.Helper()
	o := outputOptions(opts)

	a, e := normalizeText(actual, o), normalizeText(expected, o)
	if a == e {
		return true
	}

	edits := myers.ComputeEdits("", e, a)
	t.Errorf("Text output mismatch:\n%s", fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits)))
	return false
}

func normalizeText(s string, o OutputOptions) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if o.IgnoreTrailingSpace {
			l = strings.TrimRight(l, " \t\r")
		}
		if o.IgnoreEmptyLines && strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	s = strings.Join(out, "\n")
	if o.TrimSpace {
		s = strings.TrimSpace(s)
	}
	return s
}

// AssertJSON fails t with a structural diff when the JSON documents differ.
// Root-level arrays are supported.
func AssertJSON(t TestingT, actual, expected string, opts ...OutputOption) bool {
	t.Helper()
	o := outputOptions(opts)

	var a, e interface{}
	if err := json.Unmarshal([]byte(expected), &e); err != nil {
		t.Errorf("invalid expected JSON: %v", err)
		return false
	}
	if err := json.Unmarshal([]byte(actual), &a); err != nil {
		t.Errorf("invalid actual JSON: %v\n%s", err, actual)
		return false
	}

	// gojsondiff compares objects only
	a = map[string]interface{}{"root": a}
	e = map[string]interface{}{"root": e}
	for _, f := range o.IgnoredFields {
		dropKey(a, f)
		dropKey(e, f)
	}

	ab, _ := json.Marshal(a)
	eb, _ := json.Marshal(e)
	diff, err := gojsondiff.New().Compare(eb, ab)
	if err != nil {
		t.Errorf("JSON comparison failed: %v", err)
		return false
	}
	if !diff.Modified() {
		return true
	}

	f := formatter.NewAsciiFormatter(e, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	text, _ := f.Format(diff)
	t.Errorf("JSON output mismatch:\n%s", text)
	return false
}

func dropKey(v interface{}, key string) {
	switch x := v.(type) {
	case map[string]interface{}:
		delete(x, key)
		for _, child := range x {
			dropKey(child, key)
		}
	case []interface{}:
		for _, child := range x {
			dropKey(child, key)
		}
	}
}
