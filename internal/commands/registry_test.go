// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"reflect"
	"regexp"
	"testing"
)

// =============================================================================
// MATCH TESTS
// =============================================================================

func TestMatch_Cert(t *testing.T) {
	r := NewRegistry(Options{})
	m, ok := r.Match("/cert az-104")
	if !ok {
		t.Fatal("/cert az-104 should match")
	}
	want := Match{Command: "/cert", Action: ActionExecuteGraph, Target: DefaultCertGraph, Args: map[string]string{"cert_id": "az-104"}}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("Match = %+v, want %+v", m, want)
	}
}

func TestMatch_Builtins(t *testing.T) {
	r := NewRegistry(Options{CertGraph: "study-guide"})
	tests := []struct {
		input  string
		action string
		target string
		args   map[string]string
	}{
		{"/status", ActionStatus, "", nil},
		{"  /STATUS  ", ActionStatus, "", nil},
		{"/st", ActionStatus, "", nil},
		{"/?", ActionHelp, "", nil},
		{"/cert sc-900", ActionExecuteGraph, "study-guide", map[string]string{"cert_id": "sc-900"}},
		{"/run blog-graph", ActionExecuteGraph, "blog-graph", map[string]string{"graph": "blog-graph"}},
		{"/run blog-graph write about go channels", ActionExecuteGraph, "blog-graph", map[string]string{"graph": "blog-graph", "input": "write about go channels"}},
		{"/resume 1234 outline", ActionResumeRun, "", map[string]string{"run_id": "1234", "node": "outline"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, ok := r.Match(tt.input)
			if !ok {
				t.Fatalf("%q should match", tt.input)
			}
			if m.Action != tt.action || m.Target != tt.target || !reflect.DeepEqual(m.Args, tt.args) {
				t.Errorf("Match(%q) = %+v", tt.input, m)
			}
		})
	}
}

func TestMatch_NoMatch(t *testing.T) {
	r := NewRegistry(Options{})
	for _, input := range []string{"", "hello", "/cert", "/statusx", "please /status", "/resume only-one"} {
		if m, ok := r.Match(input); ok {
			t.Errorf("Match(%q) unexpectedly matched %+v", input, m)
		}
	}
}

func TestMatch_FirstRegisteredWins(t *testing.T) {
	r := NewEmptyRegistry()
	_ = r.Register(&Command{Name: "first", Pattern: regexp.MustCompile(`(?i)^deploy (?P<env>\w+)$`), Action: "a1"})
	_ = r.Register(&Command{Name: "second", Pattern: regexp.MustCompile(`(?i)^deploy prod$`), Action: "a2"})

	m, ok := r.Match("deploy prod")
	if !ok || m.Action != "a1" || m.Args["env"] != "prod" {
		t.Errorf("first pattern should win, got %+v", m)
	}
}

func TestRegister_ReplacesInPlace(t *testing.T) {
	r := NewRegistry(Options{})
	before := len(r.All())
	if err := r.Register(&Command{Name: "/status", Action: "custom_status"}); err != nil {
		t.Fatal(err)
	}
	if len(r.All()) != before {
		t.Errorf("replacement should not grow the registry")
	}
	if m, _ := r.Match("/status"); m.Action != "custom_status" {
		t.Errorf("replacement not applied: %+v", m)
	}
}

func TestRegister_InvalidPattern(t *testing.T) {
	r := NewEmptyRegistry()
	if err := r.Register(&Command{Name: "/bad", Args: []ArgDef{{Name: "not a group"}}}); err == nil {
		t.Error("an argument name that is not a valid group name should fail to compile")
	}
}

// =============================================================================
// PAYLOAD TESTS
// =============================================================================

func TestMatchPayload(t *testing.T) {
	r := NewRegistry(Options{})

	m, res := r.MatchPayload(`{"command": "/cert az-104", "source": "webhook"}`)
	if res != PayloadMatched || m.Args["cert_id"] != "az-104" {
		t.Errorf("payload command should match, got %v %+v", res, m)
	}

	m, res = r.MatchPayload(`{"command": "/explode"}`)
	if res != PayloadUnknown || m.Action != ActionUnknownCommand || m.Command != "/explode" {
		t.Errorf("unmatched payload command should be unknown, got %v %+v", res, m)
	}

	for _, text := range []string{`{"question": "what is AZ-104?"}`, `not json`, `{"command": `} {
		if _, res := r.MatchPayload(text); res != NotCommandPayload {
			t.Errorf("MatchPayload(%q) = %v, want NotCommandPayload", text, res)
		}
	}
}

func TestUsageAndCategories(t *testing.T) {
	r := NewRegistry(Options{})
	if got := r.Get("/run").Usage(); got != "/run <graph> [input]" {
		t.Errorf("Usage() = %q", got)
	}
	cats := r.ByCategory()
	if len(cats["Pipelines"]) != 3 || len(cats["System"]) != 3 {
		t.Errorf("unexpected categories %v", cats)
	}
}
