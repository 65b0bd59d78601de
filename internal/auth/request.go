// SPDX-License-Identifier: MIT

package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts the token from a request: the Authorization header
// first, then ?token= when allowQuery is set. Browsers cannot attach headers
// to websocket dials, so the gateway enables the query fallback there.
func BearerToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}
