package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strings"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// CallbackGuard admits M-Pesa callbacks whose {token} path segment equals
// token. When allowed is non-empty the client IP must also fall inside one
// of its addresses or CIDR ranges. An empty token rejects every request.
//
// The client IP comes from getClientIP, so the proxy in front of the server
// must overwrite X-Forwarded-For.
func CallbackGuard(token string, allowed []string) func(http.Handler) http.Handler {
	prefixes := parseAllowList(allowed)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.PathValue("token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				utils.Warn("mpesa callback rejected", "reason", "token", "path", r.URL.Path, "ip", getClientIP(r))
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			if len(prefixes) > 0 && !ipAllowed(prefixes, getClientIP(r)) {
				utils.Warn("mpesa callback rejected", "reason", "ip", "ip", getClientIP(r))
				writeForbidden(w, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseAllowList(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			utils.Warn("ignoring invalid callback allow list entry", "entry", e)
			continue
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out
}

func ipAllowed(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
