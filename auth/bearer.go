package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/mnehpets/rpcsite/endpoint"
	"github.com/mnehpets/rpcsite/middleware"
)

// ErrNoProvider is returned when no registered provider accepts a token.
var ErrNoProvider = errors.New("no provider accepted the token")

// signingAlgs are the algorithms accepted when peeking at a token's issuer.
// Signatures are checked by the provider's verifier, not here.
var signingAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// User is a caller authenticated by a bearer token.
type User struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
}

// ID returns the stable principal for u, "provider:subject".
func (u *User) ID() string {
	return StableID(u.Provider, u.Subject)
}

// StableID formats a principal from a provider ID and subject.
func StableID(providerID, subject string) string {
	return fmt.Sprintf("%s:%s", providerID, subject)
}

type userKey struct{}

// UserFromContext returns the bearer-authenticated user, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok && u != nil
}

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// Principal returns the caller's identity: the bearer user's stable ID when a
// token was presented, otherwise the session's username.
func Principal(ctx context.Context) (string, bool) {
	if u, ok := UserFromContext(ctx); ok {
		return u.ID(), true
	}
	if sess, ok := middleware.SessionFromContext(ctx); ok {
		return sess.Username()
	}
	return "", false
}

// BearerProcessor authenticates "Authorization: Bearer" credentials against
// the providers in a Registry. JWTs are verified as ID tokens; anything else
// is treated as an opaque access token and checked at the userinfo endpoint.
//
// Requests without credentials pass through anonymously unless Required is
// set. Invalid credentials always fail with 401.
type BearerProcessor struct {
	registry *Registry
	required bool
	logger   *zap.Logger
}

// BearerOption configures a BearerProcessor.
type BearerOption func(*BearerProcessor)

// Required rejects requests without a bearer token.
func Required() BearerOption {
	return func(p *BearerProcessor) { p.required = true }
}

// WithBearerLogger sets the logger for rejected tokens.
func WithBearerLogger(l *zap.Logger) BearerOption {
	return func(p *BearerProcessor) { p.logger = l }
}

// NewBearerProcessor returns a BearerProcessor trusting reg's providers.
func NewBearerProcessor(reg *Registry, opts ...BearerOption) *BearerProcessor {
	p := &BearerProcessor{registry: reg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements endpoint.Processor.
func (p *BearerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		if p.required {
			w.Header().Set("WWW-Authenticate", `Bearer`)
			return endpoint.Error(http.StatusUnauthorized, "bearer token required", nil)
		}
		return next(w, r)
	}

	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
		return endpoint.Error(http.StatusUnauthorized, "malformed authorization header", nil)
	}

	u, err := p.Authenticate(r.Context(), token)
	if err != nil {
		p.logger.Debug("bearer token rejected",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err))
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return endpoint.Error(http.StatusUnauthorized, "invalid bearer token", err)
	}
	return next(w, r.WithContext(WithUser(r.Context(), u)))
}

// Authenticate resolves token to a User.
func (p *BearerProcessor) Authenticate(ctx context.Context, token string) (*User, error) {
	if strings.Count(token, ".") == 2 {
		return p.verifyIDToken(ctx, token)
	}
	return p.userInfo(ctx, token)
}

func (p *BearerProcessor) verifyIDToken(ctx context.Context, raw string) (*User, error) {
	parsed, err := jwt.ParseSigned(raw, signingAlgs)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	var peek jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&peek); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	// Providers whose issuer matches go first; per-tenant issuers fall back
	// to trying the rest.
	providers := p.registry.Providers()
	ordered := make([]*Provider, 0, len(providers))
	for _, pr := range providers {
		if pr.issuer == peek.Issuer {
			ordered = append(ordered, pr)
		}
	}
	for _, pr := range providers {
		if pr.issuer != peek.Issuer {
			ordered = append(ordered, pr)
		}
	}

	var errs []error
	for _, pr := range ordered {
		if pr.verifier == nil {
			continue
		}
		tok, err := pr.Verify(ctx, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pr.id, err))
			continue
		}
		u := &User{Provider: pr.id, Subject: tok.Subject}
		u.Email, u.EmailVerified = VerifiedEmail(tok)
		return u, nil
	}
	return nil, errors.Join(append([]error{ErrNoProvider}, errs...)...)
}

func (p *BearerProcessor) userInfo(ctx context.Context, token string) (*User, error) {
	var errs []error
	for _, pr := range p.registry.Providers() {
		if pr.oidc == nil {
			continue
		}
		info, err := pr.UserInfo(ctx, token)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pr.id, err))
			continue
		}
		if info.Subject == "" {
			errs = append(errs, fmt.Errorf("%s: userinfo without subject", pr.id))
			continue
		}
		return &User{
			Provider:      pr.id,
			Subject:       info.Subject,
			Email:         info.Email,
			EmailVerified: info.EmailVerified,
		}, nil
	}
	return nil, errors.Join(append([]error{ErrNoProvider}, errs...)...)
}

// VerifiedEmail returns the email of an ID token whose email_verified claim
// is true.
func VerifiedEmail(token *oidc.IDToken) (string, bool) {
	if token == nil {
		return "", false
	}
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil {
		return "", false
	}
	if !claims.EmailVerified {
		return "", false
	}
	return claims.Email, true
}

var _ endpoint.Processor = (*BearerProcessor)(nil)
