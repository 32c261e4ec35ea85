package protocol

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// MaxSessionIDLen bounds accepted identifiers.
const MaxSessionIDLen = 128

// NewSessionID mints a random identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id can address a session: non-empty,
// bounded, printable ASCII without '/'.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > MaxSessionIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c >= 0x7f || c == '/' {
			return false
		}
	}
	return true
}

// CleanPath normalizes a mount path to a leading slash and no trailing
// slash. The root mount becomes "".
func CleanPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// SessionURL appends id to the bridge base URL.
func SessionURL(base *url.URL, id string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + id
	u.RawPath = ""
	return u.String()
}

// SessionIDFromPath extracts the identifier from a request path under the
// cleaned mount path.
func SessionIDFromPath(mount, p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, mount+"/")
	if !ok || !ValidSessionID(rest) {
		return "", false
	}
	return rest, true
}
