package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Validation and derivation constants.
const (
	maxNameLength = 100

	// SecretPrefix marks a string as a device secret at a glance.
	SecretPrefix = "esp32_"

	// secretHexLength is how many hex digits of the digest are kept.
	secretHexLength = 32

	// versionComponents is the number of dotted parts compared.
	versionComponents = 3
)

// NormalizeName is the form names are compared and hashed in:
// surrounding whitespace removed, lower case.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName checks a device name before registration.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// DeriveSecret returns the device secret for name. The same name, in any
// case and with any surrounding whitespace, always yields the same secret.
func DeriveSecret(name string) string {
	sum := sha256.Sum256([]byte(NormalizeName(name)))
	return SecretPrefix + hex.EncodeToString(sum[:])[:secretHexLength]
}

// LooksLikeSecret reports whether s has the shape of a derived secret.
// It says nothing about whether a device owns it.
func LooksLikeSecret(s string) bool {
	hexPart, ok := strings.CutPrefix(s, SecretPrefix)
	if !ok || len(hexPart) != secretHexLength {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// CompareVersions orders two "major.minor.patch" strings.
//
// An optional leading "v" is ignored, missing or non-numeric components
// count as 0 and anything past the third component is ignored.
// The result is -1 if a < b, 0 if equal and 1 if a > b.
func CompareVersions(a, b string) int {
	pa, pb := parseVersion(a), parseVersion(b)
	for i := 0; i < versionComponents; i++ {
		switch {
		case pa[i] > pb[i]:
			return 1
		case pa[i] < pb[i]:
			return -1
		}
	}
	return 0
}

func parseVersion(v string) [versionComponents]int {
	var out [versionComponents]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	for i, part := range strings.SplitN(v, ".", versionComponents+1) {
		if i >= versionComponents {
			break
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out
}

// ValidateUpdateStatus checks that s is a known UpdateStatus.
func ValidateUpdateStatus(s UpdateStatus) error {
	for _, v := range ValidUpdateStatuses {
		if s == v {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// GenerateID creates a new unique device ID.
func GenerateID() string {
	return uuid.New().String()
}
