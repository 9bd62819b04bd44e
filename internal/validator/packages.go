package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// deniedPackages are rejected regardless of version: crypto primitives,
// remote-access/automation, OS-level access, executable builders, web
// frameworks, low-level FFI, debuggers, cloud-provider SDKs.
var deniedPackages = map[string]bool{
	// crypto
	"crypto":       true,
	"pycrypto":     true,
	"pycryptodome": true,
	"cryptography": true,
	// remote access / automation
	"paramiko": true,
	"fabric":   true,
	"ansible":  true,
	"pexpect":  true,
	// OS-level access
	"psutil":  true,
	"pywin32": true,
	// executable builders
	"pyinstaller": true,
	"py2exe":      true,
	"cx-freeze":   true,
	"nuitka":      true,
	// web frameworks (no servers inside the sandbox)
	"django":  true,
	"flask":   true,
	"tornado": true,
	"twisted": true,
	// low-level FFI
	"ctypes": true,
	"cffi":   true,
	// debuggers
	"debugpy": true,
	"pydevd":  true,
	// cloud SDKs
	"boto3":        true,
	"botocore":     true,
	"google-cloud": true,
	"azure":        true,
}

// minimumVersions pins known-vulnerable packages to a floor. Exact pins
// below the floor are rejected; range specifiers are checked conservatively.
var minimumVersions = map[string]string{
	"pillow":  "9.0.0",
	"pyyaml":  "5.4",
	"urllib3": "1.26.5",
}

// PackagePolicy holds the package-installation rule's data: denylist,
// optional allowlist (empty = allow all except denied), and version floors.
// The denylist always wins over the allowlist.
type PackagePolicy struct {
	Denied   map[string]bool
	Allowed  map[string]bool
	Minimums map[string]string
}

func DefaultPackagePolicy() *PackagePolicy {
	return &PackagePolicy{
		Denied:   deniedPackages,
		Allowed:  nil,
		Minimums: minimumVersions,
	}
}

// installLineRe matches pip/conda install invocations, optionally behind a
// magic ! prefix or "python -m".
var installLineRe = regexp.MustCompile(`^\s*!?\s*(?:python3?\s+-m\s+)?(?:pip3?|conda)\s+install\b(.*)$`)

// versionOps in match order: two-char operators before their one-char
// prefixes.
var versionOps = []string{"==", ">=", "<=", "!=", ">", "<"}

// checkPackageInstalls scans the full text for install commands and
// validates every package token against the policy.
func (v *Validator) checkPackageInstalls(in input) (bool, string) {
	for _, line := range strings.Split(in.full, "\n") {
		m := installLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, tok := range installTokens(m[1]) {
			if ok, reason := v.packages.checkPackage(tok); !ok {
				return false, reason
			}
		}
	}
	return true, ""
}

// installTokens splits the argument tail of an install command into package
// specifiers, dropping flags and trailing comments. An empty result is not
// an error: a bare "pip install" has nothing to validate.
func installTokens(tail string) []string {
	var out []string
	for _, tok := range strings.Fields(tail) {
		if strings.HasPrefix(tok, "#") {
			break
		}
		if strings.HasPrefix(tok, "-") {
			continue // --upgrade, -U, --no-cache-dir, ...
		}
		out = append(out, tok)
	}
	return out
}

// checkPackage validates one "name[op version]" specifier.
func (p *PackagePolicy) checkPackage(spec string) (bool, string) {
	name, op, ver := splitSpecifier(spec)
	bare := strings.ToLower(name)

	if p.Denied[bare] {
		return false, fmt.Sprintf("Package not allowed: %s", bare)
	}
	if len(p.Allowed) > 0 && !p.Allowed[bare] {
		return false, fmt.Sprintf("Package not in allowlist: %s", bare)
	}

	minStr, hasMin := p.Minimums[bare]
	if !hasMin || op == "" {
		// No floor registered, or no specifier: nothing to violate.
		return true, ""
	}

	min, err := semver.NewVersion(minStr)
	if err != nil {
		return true, ""
	}
	given, err := semver.NewVersion(ver)
	if err != nil {
		return false, fmt.Sprintf("Package %s has unparseable version %q", bare, ver)
	}

	switch op {
	case "==":
		if given.LessThan(min) {
			return false, fmt.Sprintf("Package %s version %s below minimum %s", bare, ver, minStr)
		}
	case ">=", ">":
		// Lowest version the range admits is the given one; conservative
		// probe rather than a precise range intersection.
		if given.LessThan(min) {
			return false, fmt.Sprintf("Package %s range admits versions below minimum %s", bare, minStr)
		}
	case "<=", "<", "!=":
		// These ranges are open towards zero and can always admit a
		// version below the floor.
		return false, fmt.Sprintf("Package %s range admits versions below minimum %s", bare, minStr)
	}

	return true, ""
}

// splitSpecifier splits "pillow>=9.0.0" into name, operator, version. A
// token without an operator returns op == "".
func splitSpecifier(spec string) (name, op, ver string) {
	for _, candidate := range versionOps {
		if idx := strings.Index(spec, candidate); idx >= 0 {
			return spec[:idx], candidate, spec[idx+len(candidate):]
		}
	}
	return spec, "", ""
}
