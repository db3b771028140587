// File: internal/auth/bootstrap.go
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/config"
)

// Bootstrap supplies authenticated session material to the pool. A nil
// Credentials result (with nil error) means "cannot authenticate right now";
// the pool then creates the session in a degraded, unauthenticated state
// instead of failing outright.
type Bootstrap interface {
	GetCredentials(ctx context.Context) (*schemas.Credentials, error)
	InvalidateCredentials()
}

// StaticProvider resolves credentials from configuration, the environment, or
// a credentials file, in that order. Resolved material is cached until
// invalidated or expired.
type StaticProvider struct {
	cfg    config.AuthConfig
	logger *zap.Logger

	mu     sync.Mutex
	cached *schemas.Credentials
	now    func() time.Time
}

// NewStaticProvider creates a provider backed by static configuration.
func NewStaticProvider(cfg config.AuthConfig, logger *zap.Logger) *StaticProvider {
	return &StaticProvider{
		cfg:    cfg,
		logger: logger.Named("auth"),
		now:    time.Now,
	}
}

// GetCredentials returns cached credentials when still usable, otherwise
// re-resolves them. A missing token is not an error.
func (p *StaticProvider) GetCredentials(ctx context.Context) (*schemas.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && !p.cached.Expired(p.now()) {
		return p.cached, nil
	}
	p.cached = nil

	token, signature, err := p.resolveMaterial()
	if err != nil {
		return nil, err
	}
	if token == "" {
		p.logger.Warn("No session credentials available; sessions will run unauthenticated.")
		return nil, nil
	}

	creds := &schemas.Credentials{
		SessionToken: token,
		Signature:    signature,
	}
	enrichFromJWT(creds)

	if creds.Expired(p.now()) {
		p.logger.Warn("Resolved session token is already expired; discarding.",
			zap.Time("expires_at", creds.ExpiresAt))
		return nil, nil
	}

	p.cached = creds
	p.logger.Info("Session credentials resolved.",
		zap.String("user_id", creds.UserID),
		zap.Bool("has_signature", creds.Signature != ""))
	return creds, nil
}

// InvalidateCredentials drops any cached material so the next request
// re-resolves from source.
func (p *StaticProvider) InvalidateCredentials() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
	p.logger.Info("Session credentials invalidated.")
}

// resolveMaterial applies the config → file precedence.
func (p *StaticProvider) resolveMaterial() (token, signature string, err error) {
	token = strings.TrimSpace(p.cfg.SessionToken)
	signature = strings.TrimSpace(p.cfg.Signature)
	if token != "" {
		return token, signature, nil
	}

	if p.cfg.CredentialsFile == "" {
		return "", "", nil
	}
	if _, statErr := os.Stat(p.cfg.CredentialsFile); statErr != nil {
		if os.IsNotExist(statErr) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("failed to stat credentials file: %w", statErr)
	}

	v := viper.New()
	v.SetConfigFile(p.cfg.CredentialsFile)
	if readErr := v.ReadInConfig(); readErr != nil {
		return "", "", fmt.Errorf("failed to read credentials file '%s': %w", p.cfg.CredentialsFile, readErr)
	}
	return strings.TrimSpace(v.GetString("session_token")), strings.TrimSpace(v.GetString("signature")), nil
}

// enrichFromJWT extracts the subject and expiry from JWT-shaped session
// tokens. The token is not verified here; the remote application is the
// authority on validity, we only want the claims for proactive expiry checks.
func enrichFromJWT(creds *schemas.Credentials) {
	if strings.Count(creds.SessionToken, ".") != 2 {
		return
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(creds.SessionToken, claims); err != nil {
		return
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		creds.UserID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		creds.ExpiresAt = exp.Time
	}
}
