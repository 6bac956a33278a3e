package flows

import (
	"context"

	"github.com/groovybytes/dashauth/session"
)

type SessionChecker interface {
	Check(ctx context.Context, sess *session.Session) error
}

// SessionDeps captures session lookup dependencies.
type SessionDeps struct {
	Sealer   SessionOpener
	Registry SessionChecker
}

// RunSession opens a session cookie value and, when a registry is wired,
// rejects sessions that were signed out.
func RunSession(ctx context.Context, cookieValue string, deps SessionDeps) (*session.Session, error) {
	sess, err := deps.Sealer.Open(cookieValue)
	if err != nil {
		return nil, err
	}
	if deps.Registry != nil {
		if err := deps.Registry.Check(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}
