package flows

import (
	"context"
	"net/http"

	"github.com/groovybytes/dashauth/session"
)

type LogoutSessionStore interface {
	Delete(ctx context.Context, id string) error
	DeleteAllForAccount(ctx context.Context, homeAccountID string) (int, error)
}

type SessionOpener interface {
	Open(value string) (*session.Session, error)
	ClearCookie() *http.Cookie
}

type LogoutURLProvider interface {
	LogoutURL() string
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Sealer       SessionOpener
	SessionStore LogoutSessionStore
	Provider     LogoutURLProvider
}

// LogoutResult always carries the clearing cookie and the provider
// logout URL; Err only reports a failed server-side unregister.
type LogoutResult struct {
	Cookie      *http.Cookie
	RedirectURL string
	Session     *session.Session
	Err         error
}

// RunLogout unregisters the session sealed in cookieValue, if any, and
// returns the sign-out redirect.
func RunLogout(ctx context.Context, cookieValue string, deps LogoutDeps) LogoutResult {
	res := LogoutResult{
		Cookie:      deps.Sealer.ClearCookie(),
		RedirectURL: deps.Provider.LogoutURL(),
	}
	if cookieValue == "" {
		return res
	}

	sess, err := deps.Sealer.Open(cookieValue)
	if err != nil {
		return res
	}
	res.Session = sess
	if deps.SessionStore != nil {
		res.Err = deps.SessionStore.Delete(ctx, sess.ID)
	}
	return res
}

// RunLogoutAll unregisters every session of an account.
func RunLogoutAll(ctx context.Context, homeAccountID string, deps LogoutDeps) (int, error) {
	if deps.SessionStore == nil {
		return 0, nil
	}
	return deps.SessionStore.DeleteAllForAccount(ctx, homeAccountID)
}
