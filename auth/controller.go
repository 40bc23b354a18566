package auth

import (
	"context"
	"errors"
	"net/http"
)

// ChallengeOutcome is the controller's verdict after parsing a 401/407.
type ChallengeOutcome int

const (
	// OutcomeAuthorize means an identity was selected; generate a token
	// and retry the request.
	OutcomeAuthorize ChallengeOutcome = iota
	// OutcomePrompt means no identity is available; the challenge info is
	// exposed for a credentials prompt, after which ResetAuth allows one
	// more attempt.
	OutcomePrompt
	// OutcomeFail means the challenge cannot be satisfied (unsupported
	// schemes, or every identity already rejected).
	OutcomeFail
)

// ErrAuthPending is returned by MaybeGenerateAuthToken when the token is
// being produced asynchronously and will arrive through the callback.
var ErrAuthPending = errors.New("auth: token generation in progress")

// AsyncTokenGenerator is implemented by scheme handlers that must contact
// a server to produce a token (e.g. negotiate). Built-in schemes are all
// synchronous.
type AsyncTokenGenerator interface {
	GenerateTokenAsync(ctx context.Context, id Identity, req *TokenRequest, cb func(token string, err error))
}

// Controller owns the authentication state for one logical request against
// one target (an origin server or a proxy). It survives across connection
// attempts: the same controller keeps its handler, identity and
// loop-prevention flags while the tunnel layer reconnects underneath it.
type Controller struct {
	// origin identifies the party issuing challenges, scheme://host:port.
	origin string
	// headerName is "Proxy-Authenticate" for proxies, "WWW-Authenticate"
	// for origin servers.
	headerName string

	cache   *Cache
	factory HandlerFactory

	// urlIdentity is the credential embedded in the target URL, if any.
	urlIdentity *Identity

	handler   Handler
	challenge *Challenge
	identity  Identity

	disabledSchemes map[Scheme]bool

	// Loop-prevention flags: each implicit identity source is tried at
	// most once per logical request.
	embeddedIdentityUsed bool
	defaultCredsUsed     bool
	promptPending        bool
}

// NewController creates a controller for one logical request. urlIdentity
// may be nil when the target URL embeds no credentials.
func NewController(origin, headerName string, cache *Cache, urlIdentity *Identity) *Controller {
	if cache == nil {
		cache = NewCache()
	}
	c := &Controller{
		origin:          origin,
		headerName:      headerName,
		cache:           cache,
		factory:         NewHandler,
		disabledSchemes: make(map[Scheme]bool),
	}
	if urlIdentity != nil {
		urlID := *urlIdentity
		urlID.Source = IdentitySourceURL
		c.urlIdentity = &urlID
	}
	return c
}

// SetHandlerFactory overrides scheme handler construction, letting an
// embedder add schemes beyond the built-ins.
func (c *Controller) SetHandlerFactory(f HandlerFactory) { c.factory = f }

// HaveAuth reports whether an identity and handler are ready to produce a
// token.
func (c *Controller) HaveAuth() bool {
	return c.handler != nil && !c.identity.IsEmpty() && !c.promptPending
}

// Challenge exposes the current challenge metadata for a credentials
// prompt. Nil until a challenge has been handled.
func (c *Controller) Challenge() *Challenge { return c.challenge }

// HandleAuthChallenge parses a 401/407 response header set, selects the
// next identity to try, and reports what the caller should do.
func (c *Controller) HandleAuthChallenge(header http.Header) (ChallengeOutcome, error) {
	challenges, err := ParseChallenges(header, c.headerName)
	if err != nil {
		return OutcomeFail, err
	}

	if c.handler != nil {
		// A follow-up challenge for an in-progress sequence.
		if next := findScheme(challenges, c.handler.Scheme()); next != nil {
			switch c.handler.HandleAnotherChallenge(next) {
			case DispositionAccept:
				c.challenge = next
				return OutcomeAuthorize, nil
			case DispositionReject:
				c.invalidateRejectedIdentity()
			}
		} else {
			// Server switched schemes mid-sequence; the old handler is
			// useless.
			c.invalidateRejectedIdentity()
		}
	}

	picked := pickChallenge(challenges, c.disabledSchemes)
	if picked == nil {
		schemes := make([]string, 0, len(challenges))
		for _, ch := range challenges {
			schemes = append(schemes, string(ch.Scheme))
		}
		return OutcomeFail, &UnsupportedSchemeError{Schemes: schemes}
	}

	handler, err := c.factory(picked)
	if err != nil {
		return OutcomeFail, err
	}
	c.handler = handler
	c.challenge = picked

	if !c.selectNextIdentity() {
		c.promptPending = true
		return OutcomePrompt, nil
	}
	return OutcomeAuthorize, nil
}

// selectNextIdentity picks the next untried credential source: the
// URL-embedded identity first (once per logical request), then the
// credential cache scoped to the challenge realm, then realm-less default
// credentials (also once per logical request).
func (c *Controller) selectNextIdentity() bool {
	if c.urlIdentity != nil && !c.embeddedIdentityUsed {
		c.embeddedIdentityUsed = true
		c.identity = *c.urlIdentity
		return true
	}
	if id, ok := c.cache.LookupByRealm(c.origin, c.challenge.Realm(), c.handler.Scheme()); ok {
		c.identity = id
		return true
	}
	if !c.defaultCredsUsed {
		if id, ok := c.cache.LookupDefault(c.origin); ok {
			c.defaultCredsUsed = true
			c.identity = id
			return true
		}
	}
	c.identity = Identity{}
	return false
}

// MaybeGenerateAuthToken produces the authorization header value for the
// current identity. The returned bool reports whether the token was
// produced synchronously; when false, cb will be invoked with the result
// and the error is ErrAuthPending.
func (c *Controller) MaybeGenerateAuthToken(ctx context.Context, req *TokenRequest, cb func(token string, err error)) (string, bool, error) {
	if !c.HaveAuth() {
		return "", true, ErrMissingIdentity
	}
	if asyncGen, ok := c.handler.(AsyncTokenGenerator); ok {
		asyncGen.GenerateTokenAsync(ctx, c.identity, req, cb)
		return "", false, ErrAuthPending
	}
	token, err := c.handler.GenerateToken(ctx, c.identity, req)
	return token, true, err
}

// ResetAuth stores prompted credentials and clears enough state to allow
// one more attempt with them.
func (c *Controller) ResetAuth(id Identity) {
	id.Source = IdentitySourcePrompt
	c.identity = id
	c.promptPending = false
	if c.challenge != nil && c.handler != nil {
		c.cache.Add(c.origin, c.challenge.Realm(), c.handler.Scheme(), id, "/")
	}
}

// DisableScheme turns a scheme off for this request without discarding the
// rest of the controller state.
func (c *Controller) DisableScheme(scheme Scheme) {
	c.disabledSchemes[scheme] = true
	if c.handler != nil && c.handler.Scheme() == scheme {
		c.handler = nil
		c.identity = Identity{}
	}
}

// InvalidateHandler drops the current handler. When evictCache is set the
// rejected identity is also removed from the shared credential cache so
// unrelated requests do not immediately retry it.
func (c *Controller) InvalidateHandler(evictCache bool) {
	if c.handler == nil {
		return
	}
	if evictCache && c.challenge != nil && !c.identity.IsEmpty() {
		c.cache.Remove(c.origin, c.challenge.Realm(), c.handler.Scheme(), c.identity)
	}
	c.handler = nil
	c.identity = Identity{}
}

// invalidateRejectedIdentity evicts a credential the server just refused.
func (c *Controller) invalidateRejectedIdentity() {
	if c.identity.Source == IdentitySourceCache && c.challenge != nil && c.handler != nil {
		c.cache.Remove(c.origin, c.challenge.Realm(), c.handler.Scheme(), c.identity)
	}
	c.handler = nil
	c.identity = Identity{}
}

func findScheme(challenges []Challenge, scheme Scheme) *Challenge {
	for i := range challenges {
		if challenges[i].Scheme == scheme {
			return &challenges[i]
		}
	}
	return nil
}
