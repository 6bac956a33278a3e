package internal

import (
	"net/url"
	"strings"
)

// SanitizeReferer returns ref when it is a relative path or an absolute URL
// on base's origin, and "/" otherwise. A nil base only admits relative paths.
func SanitizeReferer(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "/"
	}
	// Protocol-relative and backslash forms are treated as absolute by browsers.
	if strings.HasPrefix(ref, "//") || strings.HasPrefix(ref, "/\\") || strings.ContainsAny(ref, "\r\n\t") {
		return "/"
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "/"
	}
	if !u.IsAbs() && u.Host == "" {
		if !strings.HasPrefix(u.Path, "/") {
			return "/"
		}
		return u.RequestURI() + fragment(u)
	}
	if base == nil {
		return "/"
	}
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) || u.User != nil {
		return "/"
	}
	return u.String()
}

func fragment(u *url.URL) string {
	if u.Fragment == "" {
		return ""
	}
	return "#" + u.EscapedFragment()
}
