package auth

import (
	"fmt"
	"net/http"
)

// ChallengePolicy decorates a 401 response before it is written.
type ChallengePolicy interface {
	Challenge(w http.ResponseWriter, r *http.Request)
}

type BasicChallenge struct {
	Realm string
}

func (c BasicChallenge) Challenge(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s", charset="UTF-8"`, c.Realm))
}

// AJAXChallenge drops WWW-Authenticate for XMLHttpRequest callers so browsers
// do not pop up a native credential dialog over the admin application.
type AJAXChallenge struct {
	Next ChallengePolicy
}

func (c AJAXChallenge) Challenge(w http.ResponseWriter, r *http.Request) {
	if c.Next != nil {
		c.Next.Challenge(w, r)
	}
	if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		w.Header().Del("WWW-Authenticate")
	}
}
