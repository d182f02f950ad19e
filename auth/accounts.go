package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mnehpets/rpcsite/jsonrpc"
	"github.com/mnehpets/rpcsite/middleware"
)

// ErrBadCredentials is returned for an unknown user or a wrong password.
var ErrBadCredentials = errors.New("invalid username or password")

// dummyHash is compared against when the user does not exist, so unknown and
// known usernames take about as long to reject.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("rpcsite"), bcrypt.DefaultCost)

// Accounts holds local users and their bcrypt password hashes.
type Accounts struct {
	hashes map[string][]byte
}

// NewAccounts returns Accounts for users, a map from username to bcrypt hash.
func NewAccounts(users map[string]string) (*Accounts, error) {
	a := &Accounts{hashes: make(map[string][]byte, len(users))}
	for name, hash := range users {
		if name == "" {
			return nil, errors.New("auth: empty username")
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("auth: user %q: %w", name, err)
		}
		a.hashes[name] = []byte(hash)
	}
	return a, nil
}

// HashPassword returns the bcrypt hash of password at the given cost. A cost
// of zero means bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify checks password for username.
func (a *Accounts) Verify(username, password string) error {
	hash, ok := a.hashes[username]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// SessionInfo is returned by the session methods.
type SessionInfo struct {
	Username string    `json:"username,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
}

func currentSession(ctx context.Context) (middleware.Session, error) {
	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeServerError, "sessions are not enabled")
	}
	return sess, nil
}

// SessionMethods returns session.login, session.logout and session.whoami,
// which manage the cookie session through accts.
func SessionMethods(accts *Accounts) []jsonrpc.Method {
	return []jsonrpc.Method{
		{
			Name:    "session.login",
			Params:  []jsonrpc.Param{{Name: "username", Type: "str"}, {Name: "password", Type: "str"}},
			Summary: "Log in with a local account.",
			Returns: "obj",
			Handler: func(ctx context.Context, args jsonrpc.Args) (any, error) {
				var username, password string
				if err := args.Scan(&username, &password); err != nil {
					return nil, err
				}
				sess, err := currentSession(ctx)
				if err != nil {
					return nil, err
				}
				if err := accts.Verify(username, password); err != nil {
					return nil, jsonrpc.NewError(jsonrpc.CodeUnauthorized, err.Error())
				}
				if err := sess.Login(username); err != nil {
					return nil, err
				}
				return SessionInfo{Username: username, Expires: sess.Expires()}, nil
			},
		},
		{
			Name:    "session.logout",
			Summary: "End the current session.",
			Returns: "nil",
			Handler: func(ctx context.Context, _ jsonrpc.Args) (any, error) {
				sess, err := currentSession(ctx)
				if err != nil {
					return nil, err
				}
				return nil, sess.Logout()
			},
		},
		{
			Name:          "session.whoami",
			Safe:          true,
			Authenticated: true,
			Summary:       "Return the authenticated principal.",
			Returns:       "obj",
			Handler: func(ctx context.Context, _ jsonrpc.Args) (any, error) {
				principal, _ := Principal(ctx)
				info := SessionInfo{Username: principal}
				if _, bearer := UserFromContext(ctx); !bearer {
					if sess, ok := middleware.SessionFromContext(ctx); ok {
						info.Expires = sess.Expires()
					}
				}
				return info, nil
			},
		},
	}
}
