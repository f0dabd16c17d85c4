package xrpc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	crypto "github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	ErrInvalidToken     = errors.New("invalid token format")
	ErrInvalidClaims    = errors.New("missing required claims")
	ErrAudienceMismatch = errors.New("token audience does not match service did")
	ErrTokenExpired     = errors.New("token has expired")
	ErrBadSignature     = errors.New("token signature verification failed")
)

// Claims are the verified service-auth claims of a feed request.
type Claims struct {
	Iss string
	Aud string
	Exp int64
}

// KeyResolver resolves a DID to its atproto signing key. Production uses the
// identity directory; tests inject a fake.
type KeyResolver interface {
	ResolveSigningKey(ctx context.Context, did string) (crypto.PublicKey, error)
}

// DirectoryResolver resolves signing keys through an indigo identity
// directory, which handles both did:plc (via the PLC directory) and did:web.
type DirectoryResolver struct {
	Dir identity.Directory
}

func (d *DirectoryResolver) ResolveSigningKey(ctx context.Context, did string) (crypto.PublicKey, error) {
	ident, err := d.Dir.LookupDID(ctx, syntax.DID(did))
	if err != nil {
		return nil, fmt.Errorf("resolving did %s: %w", did, err)
	}

	key, err := ident.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("no atproto signing key for %s: %w", did, err)
	}

	return key, nil
}

const keyCacheTTL = 10 * time.Minute

// Verifier validates the inter-service JWTs that bsky appviews attach to
// feed skeleton requests.
type Verifier struct {
	resolver   KeyResolver
	serviceDid string
	keyCache   *expirable.LRU[string, crypto.PublicKey]
}

func NewVerifier(resolver KeyResolver, serviceDid string) *Verifier {
	return &Verifier{
		resolver:   resolver,
		serviceDid: serviceDid,
		keyCache:   expirable.NewLRU[string, crypto.PublicKey](1024, nil, keyCacheTTL),
	}
}

// Verify checks a bearer token (Bearer prefix already stripped) against the
// service DID: audience, expiry, then the signature against the issuer's
// published signing key.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrInvalidToken, len(parts))
	}

	tok, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	iss := tok.Issuer()
	aud := tok.Audience()
	exp := tok.Expiration()
	if iss == "" || len(aud) == 0 || exp.IsZero() {
		return nil, ErrInvalidClaims
	}

	if aud[0] != v.serviceDid {
		return nil, fmt.Errorf("%w: got %q", ErrAudienceMismatch, aud[0])
	}

	if exp.Unix() < time.Now().Unix() {
		return nil, fmt.Errorf("%w: exp=%d", ErrTokenExpired, exp.Unix())
	}

	key, ok := v.keyCache.Get(iss)
	if !ok {
		key, err = v.resolver.ResolveSigningKey(ctx, iss)
		if err != nil {
			return nil, err
		}
		v.keyCache.Add(iss, key)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding: %s", ErrBadSignature, err)
	}

	if err := key.HashAndVerify([]byte(parts[0]+"."+parts[1]), sig); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSignature, err)
	}

	return &Claims{
		Iss: iss,
		Aud: aud[0],
		Exp: exp.Unix(),
	}, nil
}

// requireAuth is middleware that requires a valid service JWT
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return XRPCError(c, http.StatusUnauthorized, "AuthenticationRequired",
				"this feed shows posts from accounts you follow and requires authentication")
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			return XRPCError(c, http.StatusUnauthorized, "AuthenticationRequired",
				"invalid authorization header format")
		}

		claims, err := s.verifier.Verify(c.Request().Context(), token)
		if err != nil {
			return XRPCError(c, http.StatusUnauthorized, "AuthenticationRequired", err.Error())
		}

		c.Set("viewer", claims.Iss)
		return next(c)
	}
}
