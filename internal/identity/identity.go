// Package identity generates globally unique vulnerability instance
// identifiers and flags. It is pure: no state, no I/O beyond the system
// entropy source.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// instanceSaltBytes is the random suffix appended to instance ids.
	// The timestamp in the id is informative only; uniqueness under
	// concurrent creation rests on this suffix.
	instanceSaltBytes = 8

	// flagEntropyBytes is the random payload of a flag. Flags double as
	// bearer secrets for scoring, so 96 bits is a hard floor.
	flagEntropyBytes = 12
)

var nonTagChars = regexp.MustCompile(`[^A-Z0-9]+`)

// NewInstanceID derives a system-wide unique instance identifier for the
// ordinal-th occurrence of moduleID within the machine machineID. Two calls
// with identical inputs at the same instant still differ.
func NewInstanceID(machineID, moduleID string, ordinal int) string {
	return fmt.Sprintf("%s-%s-%d-%d-%s",
		machineID, moduleID, ordinal, time.Now().UnixNano(), randHex(instanceSaltBytes))
}

// NewFlag produces a fresh flag for one instance of moduleID, shaped
// FLAG{<MODULE_TAG>_<RANDOM_HEX>}.
func NewFlag(moduleID string) string {
	return fmt.Sprintf("FLAG{%s_%s}", ModuleTag(moduleID), strings.ToUpper(randHex(flagEntropyBytes)))
}

// ModuleTag normalizes a module id into the uppercase underscore form used
// in flags and container environment variable names: "sql-injection" and
// "sql_injection" both become "SQL_INJECTION".
func ModuleTag(moduleID string) string {
	tag := nonTagChars.ReplaceAllString(strings.ToUpper(moduleID), "_")
	return strings.Trim(tag, "_")
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// The platform entropy source is gone; ids and flags must never
		// silently degrade to something guessable.
		panic(fmt.Sprintf("identity: entropy source unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}
