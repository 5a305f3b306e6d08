// Package policy gates every shell command an agent proposes. It is a pure
// allowlist check with no side effects: parse the command line, extract each
// invoked command, and block anything outside the allowed set. Everything
// unparseable is blocked, never allowed.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBlocked is wrapped by every rejection so callers can distinguish a
// policy block from an execution failure.
var ErrBlocked = errors.New("command blocked")

// defaultAllowed is the base command set for coding builds: file inspection
// plus the narrow mutation set a dev loop needs. Commands with entries in
// validators get a second, stricter check on their arguments.
var defaultAllowed = []string{
	"ls", "cat", "head", "tail", "grep", "find", "wc", "stat", "file", "diff", "which", "echo",
	"cp", "mkdir", "chmod", "pwd",
	"npm", "node", "npx",
	"git", "ps", "lsof", "sleep", "pkill",
	"./init.sh",
}

// DefaultAllowed returns a copy of the default command allowlist.
func DefaultAllowed() []string {
	out := make([]string, len(defaultAllowed))
	copy(out, defaultAllowed)
	return out
}

// Policy decides whether a shell command proposed by the agent may run.
// It is a pure gate: no side effects, fail-closed on anything it cannot
// confidently parse.
type Policy struct {
	allowed map[string]struct{}
}

// New creates a Policy from an allowlist of base command names. Entries may
// carry a path prefix ("./init.sh"); they are matched by base name.
func New(allowed []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		p.allowed[baseName(name)] = struct{}{}
	}
	return p
}

// Default creates a Policy carrying the default allowlist.
func Default() *Policy {
	return New(defaultAllowed)
}

// maxSubstitutionDepth bounds recursion into nested $(...) spans.
const maxSubstitutionDepth = 4

// Check returns nil when every command in the string is permitted, or an
// ErrBlocked-wrapped reason otherwise. Empty and unparseable input is
// blocked, never silently allowed.
func (p *Policy) Check(command string) error {
	return p.check(command, 0)
}

func (p *Policy) check(raw string, depth int) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty command", ErrBlocked)
	}
	if depth > maxSubstitutionDepth {
		return fmt.Errorf("%w: command substitution nested too deeply", ErrBlocked)
	}

	// Substituted spans execute exactly like top-level commands, so their
	// contents are checked first.
	for _, inner := range substitutions(raw) {
		if strings.TrimSpace(inner) == "" {
			continue
		}
		if err := p.check(inner, depth+1); err != nil {
			return err
		}
	}

	cmds, err := extract(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable command: %v", ErrBlocked, err)
	}
	if len(cmds) == 0 {
		return fmt.Errorf("%w: no command could be extracted", ErrBlocked)
	}

	for _, c := range cmds {
		if _, ok := p.allowed[c.name]; !ok {
			return fmt.Errorf("%w: %q is not in the allowed command list", ErrBlocked, c.name)
		}
		if validate, ok := validators[c.name]; ok {
			if err := validate(c); err != nil {
				return fmt.Errorf("%w: %v", ErrBlocked, err)
			}
		}
	}
	return nil
}

// command is one extracted invocation: the base name used for the allowlist
// lookup, the token exactly as written, and the arguments that followed it
// in its segment.
type command struct {
	name  string
	token string
	args  []string
}
