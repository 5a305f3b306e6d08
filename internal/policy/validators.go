package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// validators hold the per-command argument checks applied after the
// allowlist lookup passes.
var validators = map[string]func(command) error{
	"pkill":   validatePkill,
	"chmod":   validateChmod,
	"init.sh": validateInitScript,
}

// killableProcesses are the only names pkill may target.
var killableProcesses = map[string]struct{}{
	"node": {}, "npm": {}, "npx": {}, "vite": {}, "next": {},
}

func validatePkill(c command) error {
	target := ""
	for i := 0; i < len(c.args); i++ {
		arg := c.args[i]
		if arg == "-f" {
			if i+1 >= len(c.args) {
				return fmt.Errorf("pkill -f requires a pattern")
			}
			// With -f the pattern matches the full command line; the
			// process name is its first whitespace-delimited token.
			fields := strings.Fields(c.args[i+1])
			if len(fields) == 0 {
				return fmt.Errorf("pkill -f requires a pattern")
			}
			target = fields[0]
			break
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		target = arg
		break
	}
	if target == "" {
		return fmt.Errorf("pkill requires a process name")
	}
	if _, ok := killableProcesses[target]; !ok {
		return fmt.Errorf("pkill may only target dev processes, not %q", target)
	}
	return nil
}

// chmodMode permits adding execute permission only.
var chmodMode = regexp.MustCompile(`^[ugoa]*\+x$`)

func validateChmod(c command) error {
	if len(c.args) < 2 {
		return fmt.Errorf("chmod requires a mode and at least one target")
	}
	if !chmodMode.MatchString(c.args[0]) {
		return fmt.Errorf("chmod may only add execute permission (got %q)", c.args[0])
	}
	for _, target := range c.args[1:] {
		if strings.HasPrefix(target, "-") {
			return fmt.Errorf("chmod flags are not allowed")
		}
	}
	return nil
}

func validateInitScript(c command) error {
	if c.token == "./init.sh" || strings.HasSuffix(c.token, "/init.sh") {
		return nil
	}
	return fmt.Errorf("init.sh must be invoked directly as ./init.sh")
}
