package flows

import (
	"context"

	"github.com/groovybytes/dashauth/session"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Initiate.StateTokens != nil && s.deps.Complete.StateTokens != nil
}

func (s Service) Initiate(ctx context.Context, selector, referer string) InitiateResult {
	return RunInitiate(ctx, selector, referer, s.deps.Initiate)
}

func (s Service) Complete(ctx context.Context, p CallbackParams) CompleteResult {
	return RunComplete(ctx, p, s.deps.Complete)
}

func (s Service) Logout(ctx context.Context, cookieValue string) LogoutResult {
	return RunLogout(ctx, cookieValue, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, homeAccountID string) (int, error) {
	return RunLogoutAll(ctx, homeAccountID, s.deps.Logout)
}

func (s Service) Session(ctx context.Context, cookieValue string) (*session.Session, error) {
	return RunSession(ctx, cookieValue, s.deps.Session)
}
