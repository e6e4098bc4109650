// internal/cache/fingerprint.go
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"docgen/internal/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint hashes the normalised prompt together with the tier. Prompts
// differing only in surrounding whitespace or letter case collide on purpose.
func Fingerprint(prompt string, tier models.Tier) string {
	// Casers are stateful, so one is built per call.
	normalized := cases.Lower(language.Und).String(norm.NFC.String(strings.TrimSpace(prompt)))

	h := sha256.New()
	h.Write([]byte(strings.ToLower(string(tier))))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}
