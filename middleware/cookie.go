package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid session cookie configuration")
)

// maxCookieLen bounds the cookie value we are willing to decode.
const maxCookieLen = 8192

// KeySize is the length of a session key in bytes.
const KeySize = chacha20poly1305.KeySize

// sealedCookie seals CBOR values into cookies with XChaCha20-Poly1305.
//
// Format: keyID "." base64url(nonce || ciphertext), with the cookie name,
// path and secure flag as additional data. keys holds every accepted key;
// keyID selects the one used for sealing, so keys can be rotated by adding a
// new key and switching keyID.
type sealedCookie struct {
	name     string
	path     string
	secure   bool
	sameSite http.SameSite

	keyID string
	aeads map[string]cipher.AEAD
}

func newSealedCookie(name, keyID string, keys map[string][]byte) (*sealedCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	sc := &sealedCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		keyID:    keyID,
		aeads:    make(map[string]cipher.AEAD, len(keys)),
	}
	for id, k := range keys {
		if id == "" || strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: invalid key id %q", ErrCookieConfig, id)
		}
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrCookieConfig, id, err)
		}
		sc.aeads[id] = aead
	}
	return sc, nil
}

func (sc *sealedCookie) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.path + ":" + secure)
}

// encode seals v into a cookie that lives for maxAge seconds.
func (sc *sealedCookie) encode(v any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	aead, ok := sc.aeads[sc.keyID]
	if !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, sc.keyID)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, sc.aad())
	return &http.Cookie{
		Name:     sc.name,
		Value:    sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     sc.path,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

// decode opens the cookie and unmarshals it into v.
func (sc *sealedCookie) decode(c *http.Cookie, v any) error {
	if c == nil || len(c.Value) == 0 || len(c.Value) > maxCookieLen {
		return ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(c.Value, ".")
	if !ok || keyID == "" || enc == "" {
		return ErrCookieFormat
	}
	aead, ok := sc.aeads[keyID]
	if !ok {
		return ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return ErrCookieFormat
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, sc.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	return cbor.Unmarshal(plain, v)
}

// clear returns a cookie that deletes this cookie in the client.
func (sc *sealedCookie) clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		MaxAge:   -1,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}
