package docker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var transformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)), // Mn = non-spacing marks (the accent part)
	norm.NFC,
)
var invalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)

func toASCII(s string) string {
	result, _, _ := transform.String(transformer, s)
	return result
}

func SanitizeName(name string) string {
	s := toASCII(strings.ToLower(name))
	s = invalidChars.ReplaceAllString(s, "-")
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	s = strings.TrimRight(s, "-_")
	return s
}

// ContainerName derives the container name for a machine. The sha1 suffix
// keeps names unique even when two machine names sanitize identically.
func ContainerName(machineID, machineName string) string {
	base := SanitizeName("forge-" + machineName)
	sum := sha1.Sum([]byte(machineID))
	return base + "-" + hex.EncodeToString(sum[:])[:6]
}

// ImageName derives the image reference built for a module.
func ImageName(domain, moduleID string) string {
	return fmt.Sprintf("cyberforge/%s-%s:latest", SanitizeName(domain), SanitizeName(moduleID))
}

// FlagEnvName is the environment variable a deployed module reads its flag
// from: FLAG_<MODULE_ID_UPPERCASE_SANITIZED>.
func FlagEnvName(moduleID string) string {
	upper := strings.ToUpper(SanitizeName(moduleID))
	return "FLAG_" + strings.NewReplacer("-", "_").Replace(upper)
}
