// Package auth tracks the challenge/credential negotiation state for a
// single logical request across however many connection attempts are needed
// to satisfy one authentication sequence.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scheme names an HTTP authentication scheme.
type Scheme string

const (
	SchemeBasic  Scheme = "basic"
	SchemeDigest Scheme = "digest"
)

// schemePreference orders scheme selection when a server offers several.
// Stronger schemes win.
var schemePreference = []Scheme{SchemeDigest, SchemeBasic}

// Challenge is one parsed scheme challenge from a 401/407 response.
type Challenge struct {
	Scheme Scheme
	// Params holds the raw challenge parameters (realm, nonce, qop, ...).
	Params map[string]string
	// Raw is the unparsed challenge text after the scheme token.
	Raw string
}

// Realm returns the challenge realm, or "" if absent.
func (c *Challenge) Realm() string { return c.Params["realm"] }

// ErrNoChallenge indicates a 401/407 response without a usable
// authenticate header.
var ErrNoChallenge = errors.New("auth: no valid challenges in response")

// ParseChallenges extracts all scheme challenges from the given header
// (Proxy-Authenticate or WWW-Authenticate) of a response.
func ParseChallenges(header http.Header, headerName string) ([]Challenge, error) {
	values := header[http.CanonicalHeaderKey(headerName)]
	var out []Challenge
	for _, val := range values {
		s := strings.SplitN(val, " ", 2)
		if len(s) == 0 || s[0] == "" {
			continue
		}
		ch := Challenge{Scheme: Scheme(strings.ToLower(s[0]))}
		if len(s) == 2 {
			ch.Raw = s[1]
			ch.Params = parseChallengeParams(s[1])
		} else {
			ch.Params = map[string]string{}
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, ErrNoChallenge
	}
	return out, nil
}

// parseChallengeParams splits `k1="v1", k2=v2` into a map. Malformed
// segments are skipped rather than failing the whole challenge.
func parseChallengeParams(raw string) map[string]string {
	out := map[string]string{}
	for _, keyval := range strings.Split(raw, ",") {
		param := strings.SplitN(keyval, "=", 2)
		if len(param) != 2 {
			continue
		}
		key := strings.Trim(param[0], "\" ")
		val := strings.Trim(param[1], "\" ")
		out[strings.ToLower(key)] = val
	}
	return out
}

// pickChallenge selects the strongest offered scheme that is neither
// disabled nor unsupported. Returns nil when nothing is usable.
func pickChallenge(challenges []Challenge, disabled map[Scheme]bool) *Challenge {
	for _, scheme := range schemePreference {
		if disabled[scheme] {
			continue
		}
		for i := range challenges {
			if challenges[i].Scheme == scheme {
				return &challenges[i]
			}
		}
	}
	return nil
}

// UnsupportedSchemeError reports the schemes a server offered when none
// could be used.
type UnsupportedSchemeError struct {
	Schemes []string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("auth: unsupported authentication scheme in %v", e.Schemes)
}
