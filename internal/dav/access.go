package dav

import (
	"net/http"

	"github.com/sonroyaalmerol/katana-dav/internal/acl"
	"github.com/sonroyaalmerol/katana-dav/internal/auth"
)

func subjectOf(p *auth.Principal) acl.Subject {
	return acl.Subject{Username: p.Username, Admin: p.Admin}
}

// caller returns the authenticated subject or answers 401.
func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (acl.Subject, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return acl.Subject{}, false
	}
	return subjectOf(p), true
}

func (h *Handlers) can(s acl.Subject, res resource, priv acl.Priv) bool {
	return h.aclProv.Effective(s, res.aclResource()).Has(priv)
}

// require answers 403 when s lacks priv on res.
func (h *Handlers) require(w http.ResponseWriter, r *http.Request, s acl.Subject, res resource, priv acl.Priv) bool {
	if h.can(s, res, priv) {
		return true
	}
	h.logger.Debug().
		Str("user", s.Username).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("access denied")
	http.Error(w, "forbidden", http.StatusForbidden)
	return false
}
