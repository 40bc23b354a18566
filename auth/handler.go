package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// TokenRequest describes the request a token is being generated for.
type TokenRequest struct {
	// Method is the HTTP method, "CONNECT" for proxy tunnels.
	Method string
	// URI is the request target: host:port for CONNECT, a full path
	// otherwise.
	URI string
}

// Handler holds the opaque per-scheme negotiation state (e.g. a digest
// nonce counter). A handler lives as long as the challenge sequence it was
// created from; a fresh challenge for a different nonce or realm replaces
// it.
type Handler interface {
	Scheme() Scheme
	// GenerateToken produces the Authorization header value for the given
	// identity. Schemes whose token generation needs no network round trip
	// complete synchronously; others must honor ctx.
	GenerateToken(ctx context.Context, id Identity, req *TokenRequest) (string, error)
	// HandleAnotherChallenge processes a follow-up challenge for the same
	// scheme and reports whether the handler can continue (e.g. a stale
	// digest nonce) or the identity was rejected.
	HandleAnotherChallenge(ch *Challenge) ChallengeDisposition
	// NeedsIdentity reports whether a token cannot be produced until an
	// identity is supplied.
	NeedsIdentity() bool
}

// ChallengeDisposition is the result of feeding a follow-up challenge to an
// existing handler.
type ChallengeDisposition int

const (
	// DispositionAccept means the handler updated its state and the same
	// identity may be retried (stale nonce).
	DispositionAccept ChallengeDisposition = iota
	// DispositionReject means the identity was refused; a different
	// identity is required.
	DispositionReject
)

// HandlerFactory builds a scheme handler from a parsed challenge. Factories
// for additional schemes (e.g. negotiate) can be registered by embedders.
type HandlerFactory func(ch *Challenge) (Handler, error)

// NewHandler builds the handler for a challenge using the built-in schemes.
func NewHandler(ch *Challenge) (Handler, error) {
	switch ch.Scheme {
	case SchemeBasic:
		return newBasicHandler(ch), nil
	case SchemeDigest:
		return newDigestHandler(ch)
	default:
		return nil, &UnsupportedSchemeError{Schemes: []string{string(ch.Scheme)}}
	}
}

// basicHandler implements RFC 7617.
type basicHandler struct {
	realm string
}

func newBasicHandler(ch *Challenge) *basicHandler {
	return &basicHandler{realm: ch.Realm()}
}

func (b *basicHandler) Scheme() Scheme      { return SchemeBasic }
func (b *basicHandler) NeedsIdentity() bool { return true }

func (b *basicHandler) GenerateToken(_ context.Context, id Identity, _ *TokenRequest) (string, error) {
	if id.IsEmpty() {
		return "", ErrMissingIdentity
	}
	cred := base64.StdEncoding.EncodeToString([]byte(id.Username + ":" + id.Password))
	return "Basic " + cred, nil
}

func (b *basicHandler) HandleAnotherChallenge(ch *Challenge) ChallengeDisposition {
	// A repeated basic challenge always means the credentials were wrong.
	return DispositionReject
}

// ErrMissingIdentity indicates token generation was attempted with no
// identity selected.
var ErrMissingIdentity = errors.New("auth: no identity available")

// digestHandler implements RFC 7616 (MD5 and MD5-sess variants).
type digestHandler struct {
	realm     string
	nonce     string
	opaque    string
	qop       string
	algorithm string
	cnonce    string
	nc        int
}

func newDigestHandler(ch *Challenge) (*digestHandler, error) {
	nonce := ch.Params["nonce"]
	if nonce == "" {
		return nil, fmt.Errorf("auth: digest challenge missing nonce")
	}
	algorithm := ch.Params["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}
	cnonce, err := randomKey()
	if err != nil {
		return nil, err
	}
	return &digestHandler{
		realm:     ch.Realm(),
		nonce:     nonce,
		opaque:    ch.Params["opaque"],
		qop:       ch.Params["qop"],
		algorithm: algorithm,
		cnonce:    cnonce,
	}, nil
}

func (d *digestHandler) Scheme() Scheme      { return SchemeDigest }
func (d *digestHandler) NeedsIdentity() bool { return true }

func (d *digestHandler) GenerateToken(_ context.Context, id Identity, req *TokenRequest) (string, error) {
	if id.IsEmpty() {
		return "", ErrMissingIdentity
	}
	d.nc++

	var ha1 string
	switch d.algorithm {
	case "MD5-sess":
		inner := h(fmt.Sprintf("%s:%s:%s", id.Username, d.realm, id.Password))
		ha1 = h(fmt.Sprintf("%s:%s:%s", inner, d.nonce, d.cnonce))
	default:
		ha1 = h(fmt.Sprintf("%s:%s:%s", id.Username, d.realm, id.Password))
	}
	ha2 := h(fmt.Sprintf("%s:%s", req.Method, req.URI))

	var response string
	if d.qop != "" {
		response = h(strings.Join([]string{
			ha1, d.nonce, fmt.Sprintf("%08x", d.nc), d.cnonce, d.qop, ha2,
		}, ":"))
	} else {
		response = h(strings.Join([]string{ha1, d.nonce, ha2}, ":"))
	}

	token := fmt.Sprintf(`Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=%s`,
		id.Username, d.realm, d.nonce, req.URI, response, d.algorithm)
	if d.qop != "" {
		token += fmt.Sprintf(`, qop=%s, nc=%08x, cnonce=%q`, d.qop, d.nc, d.cnonce)
	}
	if d.opaque != "" {
		token += fmt.Sprintf(`, opaque=%q`, d.opaque)
	}
	return token, nil
}

func (d *digestHandler) HandleAnotherChallenge(ch *Challenge) ChallengeDisposition {
	if stale := ch.Params["stale"]; strings.EqualFold(stale, "true") {
		// The nonce expired; take the new one and retry with the same
		// identity.
		if nonce := ch.Params["nonce"]; nonce != "" {
			d.nonce = nonce
			d.nc = 0
		}
		return DispositionAccept
	}
	return DispositionReject
}

// h returns a lower-case hex MD5 digest.
func h(data string) string {
	digest := md5.New()
	digest.Write([]byte(data))
	return fmt.Sprintf("%x", digest.Sum(nil))
}

func randomKey() (string, error) {
	k := make([]byte, 12)
	if _, err := rand.Read(k); err != nil {
		return "", fmt.Errorf("auth: rand: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}
