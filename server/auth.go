package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	roleAgent   = "agent"
	roleArbiter = "arbiter"

	challengeTTL = 5 * time.Minute
	sessionTTL   = 24 * time.Hour

	// loginPrefix domain-separates login digests from anything else a
	// wallet key signs.
	loginPrefix = "bountyd-login-v1:"
)

type loginChallenge struct {
	nonce   string
	expires time.Time
}

// sessionClaims is the JWT payload: subject is the caller's principal
// address, role distinguishes agents from the arbiter.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// LoginDigest is the message a wallet signs to prove control of its
// address during login.
func LoginDigest(nonce string) []byte {
	return crypto.Keccak256([]byte(loginPrefix + nonce))
}

// handleChallenge issues a short-lived one-shot login nonce for an
// address.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(req.Address)

	ch := loginChallenge{
		nonce:   uuid.New().String(),
		expires: time.Now().Add(challengeTTL),
	}
	s.challMu.Lock()
	s.challenges[addr] = ch
	s.challMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":  ch.nonce,
		"expires_at": ch.expires.UTC(),
	})
}

// handleLogin verifies a wallet signature over the issued challenge
// and returns a session token for the address.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address   string `json:"address"`
		Signature string `json:"signature"` // hex, 65 bytes
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(req.Address)

	s.challMu.Lock()
	ch, ok := s.challenges[addr]
	delete(s.challenges, addr) // one shot, pass or fail
	s.challMu.Unlock()
	if !ok || time.Now().After(ch.expires) {
		writeError(w, http.StatusUnauthorized, "no valid challenge for address")
		return
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		writeError(w, http.StatusUnauthorized, "malformed signature")
		return
	}
	pub, err := crypto.SigToPub(LoginDigest(ch.nonce), sig)
	if err != nil || crypto.PubkeyToAddress(*pub) != addr {
		writeError(w, http.StatusUnauthorized, "signature does not match address")
		return
	}

	token, err := s.issueToken(addr.Hex(), roleAgent)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleArbiterLogin authenticates the dispute authority with
// credentials and issues an arbiter-role token bound to the configured
// arbiter address.
func (s *Server) handleArbiterLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username != s.cfg.Auth.ArbiterUser ||
		bcrypt.CompareHashAndPassword([]byte(s.cfg.Auth.ArbiterPass), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.issueToken(common.HexToAddress(s.cfg.Auth.ArbiterAddress).Hex(), roleArbiter)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) issueToken(subject, role string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.jwtSecret()))
}

func (s *Server) verifyToken(token string) (subject, role string, err error) {
	var claims sessionClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret()), nil
	})
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.Role, nil
}

// generateSecret creates a random secret for ephemeral deployments
// without a configured one.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwtSecret returns the configured JWT secret, generating one if empty.
func (s *Server) jwtSecret() string {
	if s.cfg.Auth.JWTSecret != "" {
		return s.cfg.Auth.JWTSecret
	}
	s.secretOnce.Do(func() {
		s.generatedSecret = generateSecret()
	})
	return s.generatedSecret
}

// authMiddleware enforces bearer-token authentication on wrapped
// handlers and stores the verified principal in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		subject, role, err := s.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), subject, role)))
	})
}

// requireArbiter restricts a handler to arbiter-role sessions.
func (s *Server) requireArbiter(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if roleFrom(r.Context()) != roleArbiter {
			writeError(w, http.StatusForbidden, "arbiter role required")
			return
		}
		next(w, r)
	}
}

// callerAddress returns the authenticated principal for the request.
func callerAddress(r *http.Request) common.Address {
	return common.HexToAddress(subjectFrom(r.Context()))
}
