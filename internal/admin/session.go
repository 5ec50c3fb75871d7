package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	sessionCookieName  = "cartfee_admin_session"
	sessionDuration    = 24 * time.Hour
	sessionTokenLength = 32
	maxLoginAttempts   = 5
	loginWindow        = 15 * time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

// Credentials is the single admin login.
type Credentials struct {
	Username     string
	PasswordHash string
}

type session struct {
	username  string
	expiresAt time.Time
}

// SessionManager holds admin sessions in memory, keyed by the sha256 of the
// cookie token, and rate limits failed logins per client address.
type SessionManager struct {
	creds Credentials
	now   func() time.Time

	mu            sync.Mutex
	sessions      map[string]session
	loginAttempts map[string][]time.Time
}

func NewSessionManager(creds Credentials) (*SessionManager, error) {
	if creds.Username == "" {
		return nil, fmt.Errorf("admin username is required")
	}
	if err := CheckPasswordHash(creds.PasswordHash); err != nil {
		return nil, err
	}
	return &SessionManager{
		creds:         creds,
		now:           time.Now,
		sessions:      make(map[string]session),
		loginAttempts: make(map[string][]time.Time),
	}, nil
}

// Authenticate checks a username and password against the configured login.
func (m *SessionManager) Authenticate(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.creds.Username)) == 1
	match, err := VerifyPassword(password, m.creds.PasswordHash)
	return userOK && err == nil && match
}

// GenerateSession creates a session and returns the raw token for the cookie.
func (m *SessionManager) GenerateSession(username string) (string, error) {
	tokenBytes := make([]byte, sessionTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	rawToken := base64.RawURLEncoding.EncodeToString(tokenBytes)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, s := range m.sessions {
		if now.After(s.expiresAt) {
			delete(m.sessions, id)
		}
	}
	m.sessions[hashToken(rawToken)] = session{username: username, expiresAt: now.Add(sessionDuration)}
	return rawToken, nil
}

// ValidateSession returns the username bound to rawToken.
func (m *SessionManager) ValidateSession(rawToken string) (string, error) {
	if rawToken == "" {
		return "", ErrUnauthorized
	}
	idHash := hashToken(rawToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[idHash]
	if !ok {
		return "", ErrUnauthorized
	}
	if m.now().After(s.expiresAt) {
		delete(m.sessions, idHash)
		return "", ErrUnauthorized
	}
	return s.username, nil
}

func (m *SessionManager) InvalidateSession(rawToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, hashToken(rawToken))
}

func (m *SessionManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/admin/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		// Plain HTTP is expected over the tailnet.
		Secure:  false,
		Expires: m.now().Add(sessionDuration),
	})
}

func (m *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/admin/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// CheckLoginRateLimit reports whether ip may attempt another login.
func (m *SessionManager) CheckLoginRateLimit(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts, ok := m.loginAttempts[ip]
	if !ok {
		return true
	}

	now := m.now()
	valid := attempts[:0]
	for _, t := range attempts {
		if now.Sub(t) < loginWindow {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(m.loginAttempts, ip)
		return true
	}
	m.loginAttempts[ip] = valid
	return len(valid) < maxLoginAttempts
}

// RecordLoginAttempt counts a failed login for ip.
func (m *SessionManager) RecordLoginAttempt(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginAttempts[ip] = append(m.loginAttempts[ip], m.now())
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// clientIP trusts proxy headers only from loopback or private peers.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return addr
}
