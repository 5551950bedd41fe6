package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is a CoreOS stream architecture key.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
)

// Default is the architecture zVM guests run on.
const Default = S390X

// Supported returns every architecture published in CoreOS stream metadata.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		AArch64,
		PPC64LE,
		S390X,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64, PPC64LE, S390X:
		return true
	default:
		return false
	}
}

// IsZ reports whether the architecture can be IPLed on a zVM guest.
func (a Architecture) IsZ() bool {
	return a == S390X
}

func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
// An empty value yields Default.
func Parse(value string) (Architecture, error) {
	if strings.TrimSpace(value) == "" {
		return Default, nil
	}
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string (uname, GOARCH or stream spelling) into a
// canonical Architecture. Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(S390X), "s390", "z", "systemz":
		return S390X
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
