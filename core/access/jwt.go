package access

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/hanzsales/salesapi/core"
	"github.com/hanzsales/salesapi/core/logger"
	"github.com/hanzsales/salesapi/core/serializer"
)

// TokenLifetime is the validity period of issued credentials.
const TokenLifetime = time.Hour

// GateBuilder is a builder helper for the Gate
type GateBuilder struct {
	// Username and Password are the single fixed principal. Mandatory.
	Username string
	Password string
	// Secret signs and verifies tokens (HS256). Mandatory.
	Secret string
}

// Gate issues and verifies the signed bearer credentials which guard all
// resource routes. The signing secret and the principal are established at
// startup and never mutated, so a Gate is safe for concurrent use.
type Gate struct {
	username string
	password string
	secret   []byte
}

// NewGate realizes the gate.
func NewGate(gb *GateBuilder) *Gate {
	if gb.Secret == "" {
		panic("token signing secret is missing")
	}
	if gb.Username == "" || gb.Password == "" {
		panic("login credentials are missing")
	}
	return &Gate{username: gb.Username, password: gb.Password, secret: []byte(gb.Secret)}
}

// Login validates the credentials against the configured principal and
// returns a signed token with subject, issued-at and expiry claims.
func (g *Gate) Login(username, password string) (string, error) {
	if username != g.username || password != g.password {
		return "", core.NewError(core.KindAuthentication, "invalid credentials")
	}
	now := time.Now().UTC()
	claims := jwt.StandardClaims{
		Subject:   username,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(TokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", core.NewError(core.KindInternal, "cannot sign token")
	}
	return signed, nil
}

// Verify checks a token and returns its subject. The error distinguishes
// expired, malformed and signature failures, all of kind authorization.
func (g *Gate) Verify(tokenString string) (string, error) {
	claims := jwt.StandardClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.secret, nil
	})
	if err != nil {
		var validationErr *jwt.ValidationError
		if errors.As(err, &validationErr) {
			switch {
			case validationErr.Errors&jwt.ValidationErrorExpired != 0:
				return "", core.NewError(core.KindAuthorization, "token expired")
			case validationErr.Errors&jwt.ValidationErrorSignatureInvalid != 0:
				return "", core.NewError(core.KindAuthorization, "token signature invalid")
			}
		}
		return "", core.NewError(core.KindAuthorization, "malformed token")
	}
	if !token.Valid {
		return "", core.NewError(core.KindAuthorization, "invalid token")
	}
	return claims.Subject, nil
}

// Middleware returns a middleware handler which validates the bearer
// credential before any resource handler runs. An absent or invalid token
// short-circuits with a 401 error body; the filter builder and the engine
// are never reached.
func (g *Gate) Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
				tokenString = strings.TrimSpace(bearer[7:])
			}
			if len(tokenString) == 0 {
				serializer.RenderError(w, r, core.NewError(core.KindAuthorization, "missing or invalid Authorization header"))
				return
			}
			subject, err := g.Verify(tokenString)
			if err != nil {
				serializer.RenderError(w, r, err)
				return
			}
			ctx := ContextWithIdentity(r.Context(), subject)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, subject)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
