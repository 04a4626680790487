package proxy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	fullURLRe     = regexp.MustCompile(`^(https?://.+)(/(session|status))`)
	stripPrefixRe = regexp.MustCompile(`^.*?(/(session|status).*)$`)
	endpointRe    = regexp.MustCompile(`/(session|status)`)
	sessionBaseRe = regexp.MustCompile(`^/session/([^/]+)`)
	sessionInURL  = regexp.MustCompile(`/session/([^/]+)`)
	createRe      = regexp.MustCompile(`/session$`)
)

// ErrNoSessionID is returned when a session command is proxied before the
// upstream session id is known
var ErrNoSessionID = errors.New("Trying to proxy a session command without session id")

// endpointRequiresSessionID reports whether endpoint addresses a session
func endpointRequiresSessionID(endpoint string) bool {
	switch endpoint {
	case "/session", "/sessions", "/status":
		return false
	}
	return true
}

// base returns the upstream root every proxied path is appended to
func (p *JWProxy) base() string {
	return fmt.Sprintf("%s://%s:%d%s", p.cfg.Scheme, p.cfg.Server, p.cfg.Port, p.cfg.Base)
}

// URLForProxy maps a client url, relative or absolute, onto the upstream
// server with the upstream session id substituted in.
func (p *JWProxy) URLForProxy(url string) (string, error) {
	if url == "" {
		url = "/"
	}

	var remaining string
	switch {
	case strings.HasPrefix(url, "http"):
		m := fullURLRe.FindStringSubmatch(url)
		if m == nil {
			return "", errors.New("Got a complete url but could not extract JWP endpoint")
		}
		remaining = strings.Replace(url, m[1], "", 1)
	case strings.HasPrefix(url, "/"):
		remaining = url
	default:
		return "", fmt.Errorf("Did not know what to do with url '%s'", url)
	}

	if m := stripPrefixRe.FindStringSubmatch(remaining); m != nil {
		remaining = m[1]
	}

	sid := p.SessionID()
	if !endpointRe.MatchString(remaining) {
		remaining = "/session/" + sid + remaining
	}

	requiresSessionID := endpointRequiresSessionID(remaining)
	if requiresSessionID && sid == "" {
		return "", ErrNoSessionID
	}

	if loc := sessionBaseRe.FindStringSubmatchIndex(remaining); loc != nil {
		remaining = remaining[:loc[2]] + sid + remaining[loc[3]:]
	} else if requiresSessionID {
		return "", fmt.Errorf("Could not find :session section for url: %s", remaining)
	}
	remaining = strings.TrimSuffix(remaining, "/")

	return p.base() + remaining, nil
}

// SessionIDFromURL returns the session id embedded in url, or ""
func SessionIDFromURL(url string) string {
	if m := sessionInURL.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}
