package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestExpandAbbreviation(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{"ex", "exit", true},
		{"q", "quit", true},
		{"hi", "history", true},
		{"he", "help", true},
		{"h", "", false},
		{"u", "use", true},
		{"x", "", false},
		{"EXIT", "exit", true},
	}
	for _, tt := range tests {
		got, ok := expandAbbreviation(tt.prefix, replCommands)
		if got != tt.want || ok != tt.ok {
			t.Errorf("expandAbbreviation(%q) = %q, %v; want %q, %v", tt.prefix, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{line: "targets", want: []string{"targets"}},
		{line: "  eval   document.title  ", want: []string{"eval", "document.title"}},
		{line: `eval "1 + 1"`, want: []string{"eval", "1 + 1"}},
		{line: `send Page.navigate '{"url": "https://a.test"}'`, want: []string{"send", "Page.navigate", `{"url": "https://a.test"}`}},
		{line: `expect --match 'type=error'`, want: []string{"expect", "--match", "type=error"}},
		{line: `eval ""`, want: []string{"eval", ""}},
		{line: `eval "unterminated`, wantErr: true},
		{line: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := splitArgs(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("splitArgs: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("splitArgs(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestProtocolMethod(t *testing.T) {
	for _, s := range []string{"Runtime.evaluate", "Page.navigate", "DOM.getDocument"} {
		if !protocolMethod.MatchString(s) {
			t.Errorf("%q should be a protocol method", s)
		}
	}
	for _, s := range []string{"targets", "send", "runtime.evaluate", "Page.", "Page.Navigate"} {
		if protocolMethod.MatchString(s) {
			t.Errorf("%q should not be a protocol method", s)
		}
	}
}

func TestREPL_SpecialCommands(t *testing.T) {
	var out bytes.Buffer
	r := &REPL{ctx: context.Background(), out: &out, errOut: &out}
	r.history = []string{"targets", "eval 1"}

	if !r.handleSpecialCommand("hist") {
		t.Fatal("history not handled")
	}
	if !strings.Contains(out.String(), "  2  eval 1") {
		t.Errorf("unexpected history output: %q", out.String())
	}

	out.Reset()
	if !r.handleSpecialCommand("?") {
		t.Fatal("help not handled")
	}
	if !strings.Contains(out.String(), "Domain.method") {
		t.Errorf("unexpected help output: %q", out.String())
	}

	if r.handleSpecialCommand("Runtime.evaluate {}") {
		t.Error("protocol methods must not be treated as REPL commands")
	}
	if r.handleSpecialCommand("targets") {
		t.Error("webdrive commands must not be treated as REPL commands")
	}

	if !r.handleSpecialCommand("q") || !r.done {
		t.Error("quit should end the REPL")
	}
}
