package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"
)

// forbiddenBuiltins are calls that break out of static analysis: dynamic
// eval/exec/compile, scope introspection, dynamic import.
var forbiddenBuiltins = map[string]bool{
	"eval":       true,
	"exec":       true,
	"globals":    true,
	"locals":     true,
	"compile":    true,
	"__import__": true,
}

// forbiddenModules is matched against the root of import paths: process
// control, sockets, pickling, tracing/debugging.
var forbiddenModules = map[string]bool{
	"sys":             true,
	"subprocess":      true,
	"multiprocessing": true,
	"socket":          true,
	"pickle":          true,
	"marshal":         true,
	"shelve":          true,
	"pty":             true,
	"pdb":             true,
}

// allowedShellCommands are the only verbs permitted after a ! line.
var allowedShellCommands = map[string]bool{
	"pip":     true,
	"conda":   true,
	"jupyter": true,
	"python":  true,
	"pytest":  true,
	"black":   true,
	"flake8":  true,
	"mypy":    true,
	"curl":    true,
	"wget":    true,
}

var (
	builtinCallRe = regexp.MustCompile(`(?:^|[^\w.])(eval|exec|globals|locals|compile|__import__)\s*\(`)
	importRe      = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromImportRe  = regexp.MustCompile(`^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
	dunderRe      = regexp.MustCompile(`__\w+__`)
)

// checkShellCommands validates every ! line's first token against the shell
// allow-list. Runs over the full text: magic lines are exactly what it is
// defined over.
func (v *Validator) checkShellCommands(in input) (bool, string) {
	for _, line := range strings.Split(in.full, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "!") {
			continue
		}
		command := firstToken(trimmed[1:])
		if command == "" {
			continue
		}
		if !allowedShellCommands[command] {
			return false, fmt.Sprintf("Shell command not allowed: %s", command)
		}
	}
	return true, ""
}

// checkBuiltins scans plain lines for calls to forbidden builtins. Matching
// is textual rather than a real parse, so a name inside a string literal
// also trips it; over-rejection is the intended bias here.
func (v *Validator) checkBuiltins(in input) (bool, string) {
	for _, line := range strings.Split(in.plain, "\n") {
		m := builtinCallRe.FindStringSubmatch(line)
		if m != nil && forbiddenBuiltins[m[1]] {
			return false, fmt.Sprintf("Forbidden function call: %s", m[1])
		}
	}
	return true, ""
}

// checkImports rejects import and from-import statements whose root module
// is forbidden.
func (v *Validator) checkImports(in input) (bool, string) {
	for _, line := range strings.Split(in.plain, "\n") {
		if m := importRe.FindStringSubmatch(line); m != nil {
			// "import a.b as x, c" — each comma-separated target counts.
			for _, part := range strings.Split(m[1], ",") {
				name := strings.Fields(strings.TrimSpace(part))
				if len(name) == 0 {
					continue
				}
				root := strings.SplitN(name[0], ".", 2)[0]
				if forbiddenModules[root] {
					return false, fmt.Sprintf("Forbidden import: %s", name[0])
				}
			}
		}
		if m := fromImportRe.FindStringSubmatch(line); m != nil {
			root := strings.SplitN(m[1], ".", 2)[0]
			if forbiddenModules[root] {
				return false, fmt.Sprintf("Forbidden import: %s", m[1])
			}
		}
	}
	return true, ""
}

// checkPatterns rejects dunder-wrapped identifiers on plain lines unless
// immediately preceded by ! or % (magic syntax legitimately uses them).
// RE2 has no lookbehind, so the preceding byte is checked by hand.
func (v *Validator) checkPatterns(in input) (bool, string) {
	for _, loc := range dunderRe.FindAllStringIndex(in.plain, -1) {
		if loc[0] > 0 {
			prev := in.plain[loc[0]-1]
			if prev == '!' || prev == '%' {
				continue
			}
		}
		return false, fmt.Sprintf("Forbidden pattern found: %s", in.plain[loc[0]:loc[1]])
	}
	return true, ""
}

// firstToken extracts the first whitespace-delimited token, honoring shell
// quoting when possible.
func firstToken(s string) string {
	tokens, err := shlex.Split(strings.TrimSpace(s))
	if err != nil || len(tokens) == 0 {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	}
	return tokens[0]
}
