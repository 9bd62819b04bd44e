package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackageMinimumVersions(t *testing.T) {
	v := newTestValidator()
	cases := []struct {
		code string
		pass bool
	}{
		{"!pip install pillow>=9.0.0", true},
		{"!pip install pillow==9.0.0", true},  // exact minimum
		{"!pip install pillow==10.1.0", true}, // above minimum
		{"!pip install pillow==8.0.0", false}, // below minimum
		{"!pip install pillow>=8.0.0", false}, // range admits below minimum
		{"!pip install pillow<=10.0.0", false},
		{"!pip install pillow", true}, // no specifier, nothing to violate
	}
	for _, tc := range cases {
		ok, msg := v.Validate(tc.code, nil)
		assert.Equal(t, tc.pass, ok, "%s: %s", tc.code, msg)
	}
}

func TestPackageDenylist(t *testing.T) {
	v := newTestValidator()
	cases := []string{
		"!pip install crypto",
		"!pip install crypto==99.0.0", // denylist wins regardless of version
		"!pip install paramiko",
		"!pip install pyinstaller",
		"!pip install boto3",
		"!conda install psutil",
	}
	for _, code := range cases {
		ok, msg := v.Validate(code, nil)
		assert.False(t, ok, code)
		assert.Contains(t, msg, "Package not allowed", code)
	}
}

func TestPackageNameCaseInsensitive(t *testing.T) {
	v := newTestValidator()

	ok, msg := v.Validate("!pip install PILLOW>=9.0.0", nil)
	assert.True(t, ok, msg)

	ok, _ = v.Validate("!pip install CRYPTO", nil)
	assert.False(t, ok)
}

func TestInstallCommandVariants(t *testing.T) {
	v := newTestValidator()
	for _, code := range []string{
		"!pip install --upgrade pillow>=9.0.0",
		"!pip install -U numpy pandas",
		"!python -m pip install numpy",
		"!conda install matplotlib",
		"!pip install numpy  # for arrays",
		"pip install numpy", // plain line, still scanned
	} {
		ok, msg := v.Validate(code, nil)
		assert.True(t, ok, "%s: %s", code, msg)
	}

	// A denied package after flags is still caught.
	ok, _ := v.Validate("!pip install --upgrade crypto", nil)
	assert.False(t, ok)
}

func TestBareInstallIsNotAnError(t *testing.T) {
	v := newTestValidator()
	ok, msg := v.Validate("!pip install", nil)
	assert.True(t, ok, msg)
}

func TestInstallMultiplePackagesOneBad(t *testing.T) {
	v := newTestValidator()
	ok, msg := v.Validate("!pip install numpy crypto pandas", nil)
	assert.False(t, ok)
	assert.Contains(t, msg, "crypto")
}

func TestCommentedPackagesIgnored(t *testing.T) {
	v := newTestValidator()
	ok, msg := v.Validate("!pip install numpy # crypto would be bad", nil)
	assert.True(t, ok, msg)
}

func TestAllowlist(t *testing.T) {
	p := &PackagePolicy{
		Denied:   map[string]bool{"crypto": true},
		Allowed:  map[string]bool{"numpy": true, "crypto": true},
		Minimums: nil,
	}

	ok, _ := p.checkPackage("numpy")
	assert.True(t, ok)

	ok, msg := p.checkPackage("pandas")
	assert.False(t, ok)
	assert.Contains(t, msg, "allowlist")

	// Denylist wins even when the package is allowlisted.
	ok, msg = p.checkPackage("crypto")
	assert.False(t, ok)
	assert.Contains(t, msg, "not allowed")
}

func TestSplitSpecifier(t *testing.T) {
	cases := []struct {
		spec, name, op, ver string
	}{
		{"pillow>=9.0.0", "pillow", ">=", "9.0.0"},
		{"pillow==8.0", "pillow", "==", "8.0"},
		{"numpy", "numpy", "", ""},
		{"pkg!=1.0", "pkg", "!=", "1.0"},
		{"pkg<2", "pkg", "<", "2"},
	}
	for _, tc := range cases {
		name, op, ver := splitSpecifier(tc.spec)
		assert.Equal(t, tc.name, name, tc.spec)
		assert.Equal(t, tc.op, op, tc.spec)
		assert.Equal(t, tc.ver, ver, tc.spec)
	}
}

func TestPackageRuleDisabled(t *testing.T) {
	v := newTestValidator()
	v.DisableRule(NamePackageInstall)

	ok, msg := v.Validate("!pip install crypto", nil)
	assert.True(t, ok, msg)
}
