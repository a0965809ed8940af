package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/valhalla/internal/config"
)

const (
	tokenIssuer = "valhalla"
	subjectKey  = "subject"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string // "none", "api-key" or "jwt"
	APIKey    string
	JWTSecret string
	TokenTTL  time.Duration
}

// TokenIssuer signs and verifies per-session HS256 tokens whose subject is
// the session ID.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl means 12h.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for sessionID.
func (t *TokenIssuer) Issue(sessionID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry, and returns the subject.
func (t *TokenIssuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware returns a Fiber middleware that validates the Authorization header.
func NewAuthMiddleware(cfg AuthConfig, issuer *TokenIssuer, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == config.AuthNone || cfg.Mode == "" {
			return c.Next()
		}

		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}
		// session creation is how a client obtains its token
		if cfg.Mode == config.AuthJWT && c.Method() == fiber.MethodPost && path == "/api/v1/sessions" {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		switch cfg.Mode {
		case config.AuthAPIKey:
			if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
				return c.Next()
			}
			logger.Warn().Str("path", path).Str("method", c.Method()).Msg("unauthorized request: invalid API key")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_api_key", "Unauthorized",
				"Invalid API key")

		case config.AuthJWT:
			subject, err := issuer.Verify(token)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("unauthorized request: invalid session token")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_token", "Unauthorized",
					"Invalid or expired session token")
			}
			c.Locals(subjectKey, subject)
			return c.Next()
		}

		return problemResponse(c, fiber.StatusInternalServerError,
			"auth_misconfigured", "Internal Server Error",
			"Unknown auth mode")
	}
}

// requireSessionOwner rejects session routes whose :id differs from the
// token subject. It is a no-op outside jwt mode.
func requireSessionOwner(mode string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if mode != config.AuthJWT {
			return c.Next()
		}
		subject, _ := c.Locals(subjectKey).(string)
		if subject == "" || subject != c.Params("id") {
			return problemResponse(c, fiber.StatusForbidden,
				"session_forbidden", "Forbidden",
				"Token does not grant access to this session")
		}
		return c.Next()
	}
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
