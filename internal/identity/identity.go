// Package identity resolves the authenticated caller from identity-provider
// tokens and places it on the request context.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// UserHeaderName and NameHeaderName carry identity in development when no
	// token secret is configured.
	UserHeaderName = "X-User-ID"
	NameHeaderName = "X-User-Name"

	// tokenQueryParam lets browsers authenticate WebSocket upgrades, which
	// cannot carry an Authorization header.
	tokenQueryParam = "access_token"
	maxNameLength   = 100
)

type contextKey int

const (
	userIDKey contextKey = iota
	displayNameKey
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
	errInvalidUser  = errors.New("invalid user id")
)

// UserStore is the persistence the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Config controls token verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	// AllowDevHeaders accepts X-User-ID when Secret is empty.
	AllowDevHeaders bool
	Now             func() time.Time
}

// Principal is the authenticated caller.
type Principal struct {
	UserID      string
	DisplayName string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// Verifier validates HS256 tokens issued by the identity provider.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config) *Verifier {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}
}

// Verify parses a token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", errInvalidToken, err)
	}

	if !isValidUserID(claims.Subject) {
		return Principal{}, errInvalidUser
	}
	return Principal{UserID: claims.Subject, DisplayName: cleanName(claims.Name, claims.Subject)}, nil
}

// Authenticate resolves the caller of r.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	if v.cfg.Secret == "" {
		if !v.cfg.AllowDevHeaders {
			return Principal{}, errMissingToken
		}
		userID := strings.TrimSpace(r.Header.Get(UserHeaderName))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if !isValidUserID(userID) {
			return Principal{}, errInvalidUser
		}
		return Principal{UserID: userID, DisplayName: cleanName(r.Header.Get(NameHeaderName), userID)}, nil
	}

	token := bearerToken(r)
	if token == "" {
		return Principal{}, errMissingToken
	}
	return v.Verify(token)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}

func isValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func cleanName(name, userID string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return deriveDisplayName(userID)
	}
	if r := []rune(name); len(r) > maxNameLength {
		name = string(r[:maxNameLength])
	}
	return name
}

func deriveDisplayName(userID string) string {
	if len(userID) > 8 {
		return "user-" + userID[len(userID)-8:]
	}
	return "user-" + userID
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// DisplayNameFromContext extracts the display name from the request context.
func DisplayNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, userIDKey, p.UserID)
	return context.WithValue(ctx, displayNameKey, p.DisplayName)
}

func ensureUser(ctx context.Context, repo UserStore, p Principal, now time.Time) error {
	user, err := repo.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	if user != nil && user.DisplayName == p.DisplayName && now.Sub(user.LastSeenAt) < time.Minute {
		return nil
	}

	created := now
	if user != nil {
		created = user.CreatedAt
	}
	return repo.UpsertUser(ctx, &domain.User{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		LastSeenAt:  now,
		CreatedAt:   created,
		UpdatedAt:   now,
	})
}

// Middleware authenticates every request and records the caller as a user.
func Middleware(repo UserStore, v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Authenticate(r)
			if err != nil {
				slog.Debug("authentication failed", "error", err, "ip", IPFromRequest(r))
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			if err := ensureUser(r.Context(), repo, p, v.cfg.Now()); err != nil {
				slog.Error("failed to record user", "error", err, "user_id", p.UserID)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
