package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	stringLiteralPattern = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)
	paramPattern         = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)
	numberPattern        = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	listPattern          = regexp.MustCompile(`\[\s*(?:[SNP](?:\s*,\s*[SNP])*)?\s*\]`)
	spacePattern         = regexp.MustCompile(`\s+`)
)

// NormalizeQuery strips literals so that queries differing only in values share a class.
// Strings become S, parameters P and numbers N; literal lists of those collapse to L.
// Relationship patterns such as [r:KNOWS] are kept.
func NormalizeQuery(query string) string {
	out := stringLiteralPattern.ReplaceAllString(query, "S")
	out = paramPattern.ReplaceAllString(out, "P")
	out = numberPattern.ReplaceAllString(out, "N")
	out = listPattern.ReplaceAllString(out, "L")
	out = spacePattern.ReplaceAllString(strings.TrimSpace(out), " ")
	return out
}

// PatternHash is the stable class identifier of a query.
func PatternHash(query string) string {
	sum := md5.Sum([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(sum[:])
}
