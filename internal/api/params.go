package api

import (
	"net/http"
	"strings"
)

// parseListParam reads a comma-separated query parameter, tolerating both the
// bracketed "[a,b]" and bare "a,b" shapes. Tokens are whitespace-trimmed and
// empties dropped. present distinguishes an absent parameter from an empty
// one.
func parseListParam(r *http.Request, name string) (values []string, present bool) {
	q := r.URL.Query()
	if !q.Has(name) {
		return nil, false
	}
	raw := strings.TrimSpace(q.Get(name))
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			values = append(values, tok)
		}
	}
	return values, true
}
