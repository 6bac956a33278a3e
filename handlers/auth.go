package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/groovybytes/dashauth"
	"github.com/groovybytes/dashauth/middleware"
)

// Initiate redirects to the provider for the journey named by the slug.
// The return location is the referer query parameter, else the Referer
// header.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	referer := r.URL.Query().Get("referer")
	if referer == "" {
		referer = r.Header.Get("Referer")
	}

	res, err := h.engine.Initiate(r.Context(), slug, referer)
	switch {
	case err == nil:
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
	case errors.Is(err, dashauth.ErrUnknownAuthoritySelector):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, dashauth.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "Too many requests")
	default:
		h.log.Error("initiate failed",
			zap.String("slug", slug),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Failed to generate auth URL")
	}
}

// Callback finishes the journey at the redirect URI.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Complete(r.Context(), dashauth.CallbackParamsFromRequest(r))
	if err != nil {
		status, msg := callbackStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("callback failed",
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.Error(err),
			)
		}
		writeError(w, status, msg)
		return
	}

	if res.Cookie != nil {
		http.SetCookie(w, res.Cookie)
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func callbackStatus(err error) (int, string) {
	switch {
	case errors.Is(err, dashauth.ErrMissingParameter), errors.Is(err, dashauth.ErrVerifierMissing):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, dashauth.ErrStateInvalid):
		return http.StatusForbidden, "Invalid state"
	case errors.Is(err, dashauth.ErrUnrecognizedAuthority):
		return http.StatusInternalServerError, "Unrecognized authority in state token."
	case errors.Is(err, dashauth.ErrAuthorizationDenied):
		return http.StatusForbidden, "Authorization denied"
	case errors.Is(err, dashauth.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many requests"
	case errors.Is(err, dashauth.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable"
	default:
		return http.StatusInternalServerError, "Authentication failed"
	}
}

// Logout clears the session cookie and redirects to the provider sign-out.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var value string
	if c, err := r.Cookie(h.engine.SessionCookieName()); err == nil {
		value = c.Value
	}

	res := h.engine.Logout(r.Context(), value)
	if res.Cookie != nil {
		http.SetCookie(w, res.Cookie)
	}
	if res.RedirectURL == "" {
		writeError(w, http.StatusInternalServerError, "Failed to generate auth URL")
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// Session returns the signed-in account.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, sess.Account)
}

// LogoutAll revokes every session of the signed-in account.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	n, err := h.engine.LogoutAll(r.Context(), sess.Account.HomeAccountID)
	if err != nil {
		h.log.Error("logout all failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}
