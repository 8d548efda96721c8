// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Actions produced by the built-in commands.
const (
	ActionExecuteGraph   = "execute_graph"
	ActionResumeRun      = "resume_run"
	ActionStatus         = "status"
	ActionHelp           = "help"
	ActionListProviders  = "list_providers"
	ActionUnknownCommand = "unknown_command"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// Command is one Tier 0 rule.
type Command struct {
	// Name is the primary command name (e.g., "/cert")
	Name string

	// Aliases are alternative names (e.g., "/c")
	Aliases []string

	// Description is shown in help
	Description string

	// Action and Target are copied into the Match
	Action string
	Target string

	// TargetArg names an argument whose value becomes the Match target
	TargetArg string

	// Args are captured positionally after the name
	Args []ArgDef

	// Pattern overrides the pattern derived from Name, Aliases and Args.
	// Named groups become Match.Args.
	Pattern *regexp.Regexp

	// Category for grouping in help display
	Category string
}

// ArgDef defines a positional argument.
type ArgDef struct {
	Name     string
	Required bool
	// Rest captures the remainder of the line, spaces included.
	Rest bool
}

// Usage renders "/name <req> [opt]".
func (c *Command) Usage() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		if a.Required {
			fmt.Fprintf(&b, " <%s>", a.Name)
		} else {
			fmt.Fprintf(&b, " [%s]", a.Name)
		}
	}
	return b.String()
}

// compile derives the command's pattern when none was given.
func (c *Command) compile() (*regexp.Regexp, error) {
	if c.Pattern != nil {
		return c.Pattern, nil
	}
	names := append([]string{c.Name}, c.Aliases...)
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}

	var b strings.Builder
	b.WriteString(`(?is)^\s*(?:` + strings.Join(quoted, "|") + `)`)
	for _, a := range c.Args {
		value := `\S+`
		if a.Rest {
			value = `.+?`
		}
		group := fmt.Sprintf(`\s+(?P<%s>%s)`, a.Name, value)
		if !a.Required {
			group = "(?:" + group + ")?"
		}
		b.WriteString(group)
	}
	b.WriteString(`\s*$`)
	return regexp.Compile(b.String())
}

// =============================================================================
// MATCH
// =============================================================================

// Match is a resolved Tier 0 request.
type Match struct {
	Command string            `json:"command"`
	Action  string            `json:"action"`
	Target  string            `json:"target,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
}

// =============================================================================
// COMMAND REGISTRY
// =============================================================================

type entry struct {
	cmd     *Command
	pattern *regexp.Regexp
}

// Registry holds commands in registration order. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	byName  map[string]*Command
}

// NewEmptyRegistry creates a registry without built-ins.
func NewEmptyRegistry() *Registry {
	return &Registry{byName: make(map[string]*Command)}
}

// Register appends cmd. Re-registering a name replaces the earlier rule in place.
func (r *Registry) Register(cmd *Command) error {
	pattern, err := cmd.compile()
	if err != nil {
		return fmt.Errorf("command %s: invalid pattern: %w", cmd.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.cmd.Name == cmd.Name {
			r.entries[i] = entry{cmd: cmd, pattern: pattern}
			r.index(cmd)
			return nil
		}
	}
	r.entries = append(r.entries, entry{cmd: cmd, pattern: pattern})
	r.index(cmd)
	return nil
}

func (r *Registry) index(cmd *Command) {
	r.byName[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.byName[alias] = cmd
	}
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// All returns commands in registration order.
func (r *Registry) All() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.cmd
	}
	return out
}

// ByCategory returns commands grouped by category, sorted by name.
func (r *Registry) ByCategory() map[string][]*Command {
	result := make(map[string][]*Command)
	for _, cmd := range r.All() {
		category := cmd.Category
		if category == "" {
			category = "General"
		}
		result[category] = append(result[category], cmd)
	}
	for _, cmds := range result {
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	}
	return result
}

// Match tests text against each command in order; the first match wins.
func (r *Registry) Match(text string) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		groups := e.pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		m := Match{Command: e.cmd.Name, Action: e.cmd.Action, Target: e.cmd.Target}
		for i, name := range e.pattern.SubexpNames() {
			if name == "" || groups[i] == "" {
				continue
			}
			if m.Args == nil {
				m.Args = make(map[string]string)
			}
			m.Args[name] = strings.TrimSpace(groups[i])
		}
		if e.cmd.TargetArg != "" && m.Args[e.cmd.TargetArg] != "" {
			m.Target = m.Args[e.cmd.TargetArg]
		}
		return m, true
	}
	return Match{}, false
}

// PayloadResult is the outcome of MatchPayload.
type PayloadResult int

const (
	// NotCommandPayload means the text is not a JSON object with a "command" field.
	NotCommandPayload PayloadResult = iota
	// PayloadMatched means the command value matched a rule.
	PayloadMatched
	// PayloadUnknown means the payload carried a command no rule matches.
	PayloadUnknown
)

// MatchPayload re-tests the "command" field of a JSON object payload.
func (r *Registry) MatchPayload(text string) (Match, PayloadResult) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return Match{}, NotCommandPayload
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return Match{}, NotCommandPayload
	}
	raw, ok := payload["command"]
	if !ok {
		return Match{}, NotCommandPayload
	}
	command, _ := raw.(string)
	if m, ok := r.Match(command); ok {
		return m, PayloadMatched
	}
	return Match{Command: command, Action: ActionUnknownCommand}, PayloadUnknown
}
