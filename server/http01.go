package server

import (
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// ChallengeSource serves the ACME HTTP-01 key authorization registered
// for a domain. certmanager.Manager satisfies this.
type ChallengeSource interface {
	GetACMEHTTPChallenge(domain string) (token, keyAuth string, err error)
}

// NewHandler builds the plaintext HTTP handler: the ACME HTTP-01 side
// channel at /.well-known/acme-challenge/:token, and redirectToHTTPS for
// everything else.
func (s *Server) NewHandler(challenges ChallengeSource) http.Handler {
	router := httprouter.New()
	router.GET("/.well-known/acme-challenge/:token", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		token, keyAuth, err := challenges.GetACMEHTTPChallenge(host)
		if err != nil || token != ps.ByName("token") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte(keyAuth))
	})
	router.NotFound = s.redirectToHTTPS()
	return router
}
