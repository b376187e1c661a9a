package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenProvider turns backend tokens into Credentials. It never retries on
// its own; callers decide whether to try again.
type TokenProvider struct {
	source     ports.TokenSource
	defaultTTL time.Duration
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu      sync.Mutex
	lastErr error
}

func NewTokenProvider(source ports.TokenSource, defaultTTL time.Duration, logger *zap.SugaredLogger) *TokenProvider {
	return &TokenProvider{
		source:     source,
		defaultTTL: defaultTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Fetch obtains a fresh credential. Every failure is an AUTH_FAILED AppError.
func (p *TokenProvider) Fetch(ctx context.Context) (domain.Credential, error) {
	raw, err := p.source.FetchToken(ctx)
	if err != nil {
		return domain.Credential{}, p.fail(apperrors.NewAuthError(err, "failed to get access token"))
	}
	if raw == "" {
		return domain.Credential{}, p.fail(apperrors.NewAuthError(errors.New("token missing from response"), "failed to get access token"))
	}

	now := p.now()
	cred := domain.Credential{Token: raw, FetchedAt: now}
	if exp, ok := jwtExpiry(raw); ok {
		cred.ExpiresAt = exp
	} else if p.defaultTTL > 0 {
		cred.ExpiresAt = now.Add(p.defaultTTL)
	}
	if !cred.Valid(now) {
		return domain.Credential{}, p.fail(apperrors.NewAuthError(errors.New("token already expired"), "failed to get access token"))
	}

	p.mu.Lock()
	p.lastErr = nil
	p.mu.Unlock()

	p.logger.Debugw("fetched access token",
		"token", utils.MaskSensitive(raw, 6),
		"expires_at", cred.ExpiresAt,
	)
	return cred, nil
}

// LastError returns the error of the most recent failed fetch, cleared by a
// successful one.
func (p *TokenProvider) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *TokenProvider) fail(err *apperrors.AppError) error {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.logger.Warnw("access token fetch failed", "error", err)
	return err
}

// jwtExpiry reads the exp claim without verifying the signature; the
// platform, not this process, is the verifier.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
