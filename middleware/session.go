package middleware

// Cookie sessions for the endpoint processor chain.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mnehpets/rpcsite/endpoint"
)

var ErrNilSession = errors.New("nil session")

// SessionIDBytes is the number of random bytes in a session ID.
//
// 16 bytes -> 22 chars raw URL base64.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = time.Hour * 24

// MaxExtendedPeriod bounds how long a session may live in total,
// even if continually extended.
const MaxExtendedPeriod = time.Hour * 24 * 90

// DefaultExtendThreshold is how close to expiry a session must be before a
// request extends it.
const DefaultExtendThreshold = DefaultSessionPeriod / 4

// DefaultCookieName is the default name for the session cookie.
const DefaultCookieName = "RPCS"

// Session is request-scoped login state.
type Session interface {
	// ID returns the session identifier, or "" when nobody is logged in.
	ID() string
	// Username returns the logged-in user. ok is false when nobody is
	// logged in.
	Username() (name string, ok bool)
	// Login starts a fresh session for username, replacing any existing one.
	Login(username string) error
	// Logout ends the session and clears the cookie.
	Logout() error
	// Expires returns the expiry time, or the zero time when nobody is
	// logged in.
	Expires() time.Time
}

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID       string    `cbor:"1,keyasint"`
	Username string    `cbor:"2,keyasint"`
	Expires  time.Time `cbor:"3,keyasint"`
	// Period is the total lifetime in seconds, from creation to Expires.
	Period int `cbor:"4,keyasint"`
}

// session is shared by every call of a batch, which may run concurrently.
type session struct {
	mu     sync.Mutex
	data   *sessionData
	period time.Duration
	dirty  bool
}

func (s *session) ID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) Username() (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil || s.data.Username == "" {
		return "", false
	}
	return s.data.Username, true
}

func (s *session) Login(username string) error {
	if s == nil {
		return ErrNilSession
	}
	if username == "" {
		return errors.New("empty username")
	}
	// A new ID on login prevents session fixation.
	sd, err := newSessionData(s.period)
	if err != nil {
		return err
	}
	sd.Username = username
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = sd
	s.dirty = true
	return nil
}

func (s *session) Logout() error {
	if s == nil {
		return ErrNilSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.dirty = true
	return nil
}

func (s *session) Expires() time.Time {
	if s == nil {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

// snapshot returns a copy of the payload and whether it changed.
func (s *session) snapshot() (*sessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, s.dirty
	}
	sd := *s.data
	return &sd, s.dirty
}

func newSessionData(period time.Duration) (*sessionData, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if period <= 0 {
		period = DefaultSessionPeriod
	}
	// Truncating moves the creation time backwards, so the valid period
	// always starts in the past.
	now := time.Now().Truncate(time.Second)
	return &sessionData{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(period),
		Period:  int(period.Seconds()),
	}, nil
}

// validate reports whether sd is live at now, and extends it by period when
// fewer than threshold remain.
func (sd *sessionData) validate(now time.Time, threshold, period time.Duration) (ok, extended bool) {
	if sd == nil || sd.Period <= 0 || sd.Period > int(MaxExtendedPeriod.Seconds()) {
		return false, false
	}
	if sd.Expires.IsZero() || !now.Before(sd.Expires) {
		return false, false
	}
	if threshold <= 0 || period < threshold || sd.Expires.Sub(now) >= threshold {
		return true, false
	}
	return true, sd.extendTo(now.Add(period))
}

// extendTo moves Expires forward to newExpires, capped at MaxExtendedPeriod
// after creation. It reports whether anything changed.
func (sd *sessionData) extendTo(newExpires time.Time) bool {
	newExpires = newExpires.Truncate(time.Second)
	created := sd.Expires.Add(-time.Duration(sd.Period) * time.Second)
	if limit := created.Add(MaxExtendedPeriod); newExpires.After(limit) {
		newExpires = limit
	}
	if !newExpires.After(sd.Expires) {
		return false
	}
	sd.Period += int(newExpires.Sub(sd.Expires).Seconds())
	sd.Expires = newExpires
	return true
}

type sessionContextKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor attaches a Session to every request, backed by a sealed
// cookie. Changes made during the request are written back just before the
// response headers.
type SessionProcessor struct {
	cookie          *sealedCookie
	maxAge          time.Duration
	extendThreshold time.Duration
	logger          *zap.Logger
}

// SessionOption configures a SessionProcessor.
type SessionOption func(*SessionProcessor)

// WithCookieName sets the session cookie name.
func WithCookieName(name string) SessionOption {
	return func(p *SessionProcessor) { p.cookie.name = name }
}

// WithInsecureCookie drops the Secure attribute, for plain-HTTP development.
func WithInsecureCookie() SessionOption {
	return func(p *SessionProcessor) { p.cookie.secure = false }
}

// WithCookiePath sets the cookie path.
func WithCookiePath(path string) SessionOption {
	return func(p *SessionProcessor) { p.cookie.path = path }
}

// WithMaxAge sets the session lifetime.
func WithMaxAge(d time.Duration) SessionOption {
	return func(p *SessionProcessor) { p.maxAge = d }
}

// WithExtendThreshold sets how close to expiry a session is extended.
func WithExtendThreshold(d time.Duration) SessionOption {
	return func(p *SessionProcessor) { p.extendThreshold = d }
}

// WithSessionLogger sets the logger for cookies that cannot be written.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(p *SessionProcessor) { p.logger = l }
}

// NewSessionProcessor returns a SessionProcessor sealing cookies with
// keys[keyID]. Every key in keys is accepted when opening cookies.
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionOption) (*SessionProcessor, error) {
	cookie, err := newSealedCookie(DefaultCookieName, keyID, keys)
	if err != nil {
		return nil, err
	}
	p := &SessionProcessor{
		cookie:          cookie,
		maxAge:          DefaultSessionPeriod,
		extendThreshold: DefaultExtendThreshold,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cookie.name == "" {
		return nil, ErrCookieConfig
	}
	if p.cookie.path == "" {
		p.cookie.path = "/"
	}
	return p, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &session{period: p.maxAge}

	if c, err := r.Cookie(p.cookie.name); err == nil {
		var sd sessionData
		if err := p.cookie.decode(c, &sd); err != nil {
			// Tampered, rotated out or malformed.
			sess.dirty = true
		} else if ok, extended := sd.validate(time.Now(), p.extendThreshold, p.maxAge); !ok {
			sess.dirty = true
		} else {
			sess.data = &sd
			sess.dirty = extended
		}
	}

	ctx := r.Context()
	endpoint.Defer(ctx, func(w http.ResponseWriter) {
		if err := p.maybeSetCookie(w, sess); err != nil {
			p.logger.Error("session cookie not written",
				zap.String("request_id", RequestIDFromContext(ctx)),
				zap.Error(err))
		}
	})
	return next(w, r.WithContext(WithSession(ctx, sess)))
}

// maybeSetCookie writes the session cookie if the session changed. On error
// the response carries no cookie and the client keeps its old one.
func (p *SessionProcessor) maybeSetCookie(w http.ResponseWriter, sess *session) error {
	sd, dirty := sess.snapshot()
	if !dirty {
		return nil
	}
	if sd == nil {
		http.SetCookie(w, p.cookie.clear())
		return nil
	}
	maxAge := int(time.Until(sd.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.clear())
		return nil
	}
	c, err := p.cookie.encode(sd, maxAge)
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
