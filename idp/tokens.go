package idp

import (
	"time"
)

// Tokens is the result of a successful code exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	Account      Account
}

// Account describes the signed-in user as reported by the ID token.
type Account struct {
	// HomeAccountID is "<uid>.<utid>" from client_info when present,
	// otherwise "<oid>.<tid>".
	HomeAccountID  string         `json:"homeAccountId"`
	Environment    string         `json:"environment"`
	TenantID       string         `json:"tenantId"`
	Username       string         `json:"username"`
	LocalAccountID string         `json:"localAccountId"`
	Name           string         `json:"name,omitempty"`
	IDTokenClaims  map[string]any `json:"idTokenClaims,omitempty"`
}

func accountFromClaims(claims map[string]any, clientInfo, environment string) Account {
	oid := claimString(claims, "oid")
	if oid == "" {
		oid = claimString(claims, "sub")
	}
	tid := claimString(claims, "tid")

	a := Account{
		Environment:    environment,
		TenantID:       tid,
		LocalAccountID: oid,
		Name:           claimString(claims, "name"),
		Username:       username(claims),
		IDTokenClaims:  claims,
	}

	if uid, utid, ok := decodeClientInfo(clientInfo); ok {
		a.HomeAccountID = uid + "." + utid
	} else if oid != "" {
		a.HomeAccountID = oid + "." + tid
	}
	return a
}

// B2C local accounts carry their sign-in address in the emails array;
// work accounts use preferred_username.
func username(claims map[string]any) string {
	if emails, ok := claims["emails"].([]any); ok {
		for _, e := range emails {
			if s, ok := e.(string); ok && s != "" {
				return s
			}
		}
	}
	if s := claimString(claims, "preferred_username"); s != "" {
		return s
	}
	return claimString(claims, "email")
}

func claimString(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}
