package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Scope is the logical identity of a run: the dataset a completed run
// with this scope describes.
type Scope struct {
	Country           string `json:"country"`
	CatalogsBundle    string `json:"catalogs_bundle"`
	ParamsFingerprint string `json:"params_fingerprint"`
}

// NewScope builds a scope from raw inputs, canonicalizing the catalog list
// and fingerprinting the query parameters.
func NewScope(country string, catalogs []string, params url.Values) Scope {
	return Scope{
		Country:           strings.ToLower(strings.TrimSpace(country)),
		CatalogsBundle:    CanonicalCatalogsBundle(catalogs),
		ParamsFingerprint: Fingerprint(params),
	}
}

// CanonicalCatalogsBundle trims, de-duplicates and sorts catalogs into a
// comma-joined string, e.g. ["prime", "netflix"] -> "netflix,prime".
func CanonicalCatalogsBundle(catalogs []string) string {
	seen := make(map[string]bool, len(catalogs))
	out := make([]string, 0, len(catalogs))
	for _, c := range catalogs {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Fingerprint hashes the parameters that decide page membership and
// ordering. The cursor is excluded; key and value order do not matter.
func Fingerprint(params url.Values) string {
	canonical := make(url.Values, len(params))
	for k, v := range params {
		if k == "cursor" {
			continue
		}
		values := append([]string(nil), v...)
		sort.Strings(values)
		canonical[k] = values
	}

	sum := sha256.Sum256([]byte(canonical.Encode()))
	return hex.EncodeToString(sum[:])[:16]
}
