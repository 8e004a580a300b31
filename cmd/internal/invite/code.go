package invite

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// codePattern is the published invite code format.
var codePattern = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}$`)

// CodeGenerator produces candidate invite codes. Collisions are handled by the registry.
type CodeGenerator func() (string, error)

// NewCode returns an 8 hex digit code taken from a random UUID, formatted XXXX-XXXX.
func NewCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	hex := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
	return hex[:4] + "-" + hex[4:8], nil
}

// ValidCode reports whether s matches the invite code format.
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
