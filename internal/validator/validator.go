// Package validator statically screens submitted code before it may reach a
// kernel. Code mixes plain Python with IPython shell (!) and magic (%, %%)
// lines, so lines are partitioned first and each rule sees the slice it is
// defined over.
package validator

import (
	"log/slog"
	"strings"
	"sync"
)

// RuleKind enumerates the fixed set of validation rules. Rules run in this
// order; enabling/disabling flips a flag on the rule record, the dispatch
// itself is static.
type RuleKind int

const (
	RuleShellCommands RuleKind = iota
	RuleDangerousBuiltins
	RuleDangerousImports
	RuleDangerousPatterns
	RulePackageInstall
)

// Rule names as exposed to callers (disable_validation lists, config).
const (
	NameShellCommands     = "jupyter_commands"
	NameDangerousBuiltins = "dangerous_builtins"
	NameDangerousImports  = "dangerous_imports"
	NameDangerousPatterns = "dangerous_patterns"
	NamePackageInstall    = "package_installation"

	// DisableAll is the sentinel that switches validation off entirely.
	DisableAll = "all"
)

func (k RuleKind) String() string {
	switch k {
	case RuleShellCommands:
		return NameShellCommands
	case RuleDangerousBuiltins:
		return NameDangerousBuiltins
	case RuleDangerousImports:
		return NameDangerousImports
	case RuleDangerousPatterns:
		return NameDangerousPatterns
	case RulePackageInstall:
		return NamePackageInstall
	}
	return "unknown"
}

// input carries the two views of the submitted code a check may run over.
type input struct {
	full  string // original text, magic lines included
	plain string // non-magic lines only
}

// checkFunc inspects code and reports (pass, reason).
type checkFunc func(v *Validator, in input) (bool, string)

// dispatch maps each rule kind to its check. Package-install and shell
// rules see the full text (magic lines carry their payload); the rest see
// plain lines only.
var dispatch = map[RuleKind]checkFunc{
	RuleShellCommands:     (*Validator).checkShellCommands,
	RuleDangerousBuiltins: (*Validator).checkBuiltins,
	RuleDangerousImports:  (*Validator).checkImports,
	RuleDangerousPatterns: (*Validator).checkPatterns,
	RulePackageInstall:    (*Validator).checkPackageInstalls,
}

// Rule is one toggleable entry in the validator.
type Rule struct {
	Kind        RuleKind
	Description string
	Enabled     bool
}

// Validator runs the rule set over submitted code. Safe for concurrent use;
// rule toggling takes effect on the next Validate call.
type Validator struct {
	mu       sync.RWMutex
	rules    []*Rule
	byName   map[string]*Rule
	packages *PackagePolicy
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Validator {
	v := &Validator{
		packages: DefaultPackagePolicy(),
		logger:   logger,
	}
	v.rules = []*Rule{
		{Kind: RuleShellCommands, Description: "validate shell and magic commands", Enabled: true},
		{Kind: RuleDangerousBuiltins, Description: "reject dangerous built-in calls", Enabled: true},
		{Kind: RuleDangerousImports, Description: "reject dangerous module imports", Enabled: true},
		{Kind: RuleDangerousPatterns, Description: "reject dangerous code patterns", Enabled: true},
		{Kind: RulePackageInstall, Description: "validate package install commands", Enabled: true},
	}
	v.byName = make(map[string]*Rule, len(v.rules))
	for _, r := range v.rules {
		v.byName[r.Kind.String()] = r
	}
	return v
}

// EnableRule turns a rule back on. Unknown names are logged and ignored.
func (v *Validator) EnableRule(name string) {
	v.setEnabled(name, true)
}

// DisableRule turns a rule off for all subsequent validations. The "all"
// sentinel disables every rule. Unknown names are logged and ignored.
func (v *Validator) DisableRule(name string) {
	if name == DisableAll {
		v.mu.Lock()
		for _, r := range v.rules {
			r.Enabled = false
		}
		v.mu.Unlock()
		return
	}
	v.setEnabled(name, false)
}

func (v *Validator) setEnabled(name string, enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.byName[name]
	if !ok {
		if v.logger != nil {
			v.logger.Warn("unknown validation rule", "rule", name)
		}
		return
	}
	r.Enabled = enabled
}

// Validate checks code against every enabled rule, skipping any named in
// disabledRules for this call only. The "all" sentinel in disabledRules
// short-circuits to pass: callers with elevated trust may opt out.
func (v *Validator) Validate(code string, disabledRules []string) (bool, string) {
	skip := make(map[string]bool, len(disabledRules))
	for _, name := range disabledRules {
		if name == DisableAll {
			return true, "code validation passed"
		}
		skip[name] = true
	}

	in := partition(code)

	v.mu.RLock()
	defer v.mu.RUnlock()

	var failures []string
	for _, rule := range v.rules {
		if !rule.Enabled || skip[rule.Kind.String()] {
			continue
		}
		ok, reason := dispatch[rule.Kind](v, in)
		if !ok && reason != "" {
			failures = append(failures, reason)
		}
	}

	if len(failures) > 0 {
		return false, strings.Join(failures, "; ")
	}
	return true, "code validation passed"
}

// partition splits code into the full text and the plain (non-magic) lines.
// A line is magic when its trimmed form starts with !, % or %%.
func partition(code string) input {
	var plain []string
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "!") || strings.HasPrefix(trimmed, "%") {
			continue
		}
		plain = append(plain, line)
	}
	return input{full: code, plain: strings.Join(plain, "\n")}
}
