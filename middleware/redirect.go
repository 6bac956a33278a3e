package middleware

import (
	"net/http"
	"net/url"

	"github.com/groovybytes/dashauth"
)

// RequireSessionOrLogin sends browsers without a valid session to loginPath,
// passing the requested URI as the referer query parameter so the journey
// returns there.
func RequireSessionOrLogin(engine *dashauth.Engine, loginPath string) func(http.Handler) http.Handler {
	return Guard(engine, func(w http.ResponseWriter, r *http.Request, _ error) {
		target := loginPath + "?" + url.Values{"referer": {r.URL.RequestURI()}}.Encode()
		http.Redirect(w, r, target, http.StatusFound)
	})
}
