package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidNonce is returned when a nonce is missing, forged, or expired.
var ErrInvalidNonce = errors.New("invalid nonce")

const (
	DefaultNonceTTL = 12 * time.Hour
	nonceAction     = "cartfee-admin"
)

// Nonces issues and verifies short-lived tokens that tie an authoring
// request to a page this server rendered.
type Nonces struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewNonces(secret string, ttl time.Duration) *Nonces {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &Nonces{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns "<expiry>.<mac>" where expiry is unix seconds.
func (n *Nonces) Issue() string {
	expiry := strconv.FormatInt(n.now().Add(n.ttl).Unix(), 10)
	return expiry + "." + n.sign(expiry)
}

func (n *Nonces) Verify(token string) error {
	expiry, mac, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || expiry == "" || mac == "" {
		return ErrInvalidNonce
	}
	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return ErrInvalidNonce
	}
	if !hmac.Equal([]byte(mac), []byte(n.sign(expiry))) {
		return ErrInvalidNonce
	}
	if !n.now().Before(time.Unix(unix, 0)) {
		return ErrInvalidNonce
	}
	return nil
}

func (n *Nonces) sign(expiry string) string {
	h := hmac.New(sha256.New, n.secret)
	h.Write([]byte(nonceAction))
	h.Write([]byte{'|'})
	h.Write([]byte(expiry))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
