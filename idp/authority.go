package idp

import "errors"

var (
	// ErrUnknownSelector is returned by ParseSelector for a route slug that
	// maps to no authority.
	ErrUnknownSelector = errors.New("idp: unknown authority selector")
	// ErrUnknownAuthority is returned by ParseAuthority for a name that is
	// not one of the known authorities.
	ErrUnknownAuthority = errors.New("idp: unknown authority")
)

// Authority identifies one of the user flows configured on the tenant.
// The zero value is invalid.
type Authority uint8

const (
	SignIn Authority = iota + 1
	PasswordReset
	ProfileEdit
)

// Authorities lists every valid authority in declaration order.
var Authorities = []Authority{SignIn, PasswordReset, ProfileEdit}

// String returns the name carried inside state tokens.
func (a Authority) String() string {
	switch a {
	case SignIn:
		return "sign_in"
	case PasswordReset:
		return "password_reset"
	case ProfileEdit:
		return "profile_edit"
	default:
		return "unknown"
	}
}

// Valid reports whether a is a known authority.
func (a Authority) Valid() bool {
	return a >= SignIn && a <= ProfileEdit
}

// Selector returns the route slug that selects a.
func (a Authority) Selector() string {
	switch a {
	case SignIn:
		return "login"
	case PasswordReset:
		return "password"
	case ProfileEdit:
		return "profile"
	default:
		return ""
	}
}

// ParseSelector maps a route slug (login, password, profile) to its
// authority.
func ParseSelector(slug string) (Authority, error) {
	for _, a := range Authorities {
		if a.Selector() == slug {
			return a, nil
		}
	}
	return 0, ErrUnknownSelector
}

// ParseAuthority is the inverse of Authority.String.
func ParseAuthority(name string) (Authority, error) {
	for _, a := range Authorities {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, ErrUnknownAuthority
}
