package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultValidity            = 23 * time.Hour
	defaultSafetyMargin        = 10 * time.Minute
	defaultPlaceholderValidity = 5 * time.Minute
	refreshFlightKey           = "refresh"
)

type Config struct {
	Name                string
	Validity            time.Duration
	SafetyMargin        time.Duration
	DevelopmentMode     bool
	PlaceholderValidity time.Duration
}

// Provider caches a time-limited credential and de-duplicates refreshes.
type Provider struct {
	issuer  Issuer
	cfg     Config
	metrics *metrics.GatewayMetrics
	now     func() time.Time

	mu      sync.RWMutex
	current entity.Credential
	group   singleflight.Group
}

func NewProvider(issuer Issuer, cfg Config, m *metrics.GatewayMetrics) *Provider {
	if cfg.Validity <= 0 {
		cfg.Validity = defaultValidity
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = defaultSafetyMargin
	}
	if cfg.PlaceholderValidity <= 0 {
		cfg.PlaceholderValidity = defaultPlaceholderValidity
	}
	if cfg.Name == "" {
		cfg.Name = "approval_key"
	}

	return &Provider{
		issuer:  issuer,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// GetCredential returns the cached credential while it is outside the safety
// margin, otherwise refreshes it.
func (p *Provider) GetCredential(ctx context.Context) (entity.Credential, error) {
	if cred, ok := p.cached(); ok {
		return cred, nil
	}

	return p.refresh(ctx, false)
}

// ForceRefresh discards the cached credential and fetches a new one.
func (p *Provider) ForceRefresh(ctx context.Context) (entity.Credential, error) {
	p.mu.Lock()
	p.current = entity.Credential{}
	p.mu.Unlock()

	return p.refresh(ctx, true)
}

func (p *Provider) Status() entity.CredentialStatus {
	p.mu.RLock()
	cred := p.current
	p.mu.RUnlock()

	if cred.Token == "" {
		return entity.CredentialStatus{}
	}

	return entity.CredentialStatus{
		HasCredential: true,
		MaskedToken:   cred.Masked(),
		IssuedAt:      cred.IssuedAt,
		ExpiresAt:     cred.ExpiresAt,
		HoursElapsed:  p.now().Sub(cred.IssuedAt).Hours(),
		Placeholder:   cred.Placeholder,
	}
}

// StartAutoRefresh renews the credential shortly before it expires until ctx
// is done. Failed renewals are retried with exponential backoff.
func (p *Provider) StartAutoRefresh(ctx context.Context) {
	go p.autoRefreshLoop(ctx)
}

func (p *Provider) autoRefreshLoop(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Second
	retry.MaxInterval = 5 * time.Minute

	for {
		if !sleepContext(ctx, p.nextRefreshIn()) {
			return
		}

		for {
			_, err := p.refresh(ctx, true)
			if err == nil {
				retry.Reset()
				break
			}

			delay := retry.NextBackOff()
			if delay == backoff.Stop {
				delay = retry.MaxInterval
			}

			logrus.WithFields(logrus.Fields{
				"credential": p.cfg.Name,
				"retry_in":   delay.String(),
			}).Warnf("scheduled credential refresh failed: %v", err)

			if !sleepContext(ctx, delay) {
				return
			}
		}
	}
}

func (p *Provider) nextRefreshIn() time.Duration {
	p.mu.RLock()
	cred := p.current
	p.mu.RUnlock()

	if cred.Token == "" {
		return 0
	}

	margin := p.cfg.SafetyMargin
	if cred.Placeholder {
		margin = 0
	}

	wait := cred.ExpiresAt.Add(-margin).Sub(p.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (p *Provider) cached() (entity.Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	margin := p.cfg.SafetyMargin
	if p.current.Placeholder {
		margin = 0
	}

	if p.current.UsableAt(p.now(), margin) {
		return p.current, true
	}
	return entity.Credential{}, false
}

// refresh runs at most one issuer call at a time. The shared call is detached
// from any single caller's cancellation; each caller still stops waiting when
// its own ctx is done.
func (p *Provider) refresh(ctx context.Context, force bool) (entity.Credential, error) {
	ch := p.group.DoChan(refreshFlightKey, func() (any, error) {
		if !force {
			if cred, ok := p.cached(); ok {
				return cred, nil
			}
		}
		return p.issue(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return entity.Credential{}, res.Err
		}
		return res.Val.(entity.Credential), nil
	case <-ctx.Done():
		return entity.Credential{}, ctx.Err()
	}
}

func (p *Provider) issue(ctx context.Context) (entity.Credential, error) {
	logger := logrus.WithField("credential", p.cfg.Name)

	token, err := p.issuer.Issue(ctx)
	now := p.now()
	if err != nil {
		p.metrics.ObserveCredentialRefresh("error")

		if p.cfg.DevelopmentMode {
			return p.storePlaceholder(now, err), nil
		}

		var credErr *entity.CredentialError
		if !errors.As(err, &credErr) {
			err = &entity.CredentialError{Message: "issue " + p.cfg.Name, Err: err}
		}
		logger.WithError(err).Error("credential refresh failed")
		return entity.Credential{}, err
	}

	cred := entity.Credential{
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.cfg.Validity),
	}

	p.mu.Lock()
	p.current = cred
	p.mu.Unlock()

	p.metrics.ObserveCredentialRefresh("ok")
	logger.WithFields(logrus.Fields{
		"token":      cred.Masked(),
		"expires_at": cred.ExpiresAt.Format(time.RFC3339),
	}).Info("credential refreshed")

	return cred, nil
}

func (p *Provider) storePlaceholder(now time.Time, cause error) entity.Credential {
	cred := entity.Credential{
		Token:       entity.PlaceholderTokenPrefix + now.UTC().Format(time.RFC3339),
		IssuedAt:    now,
		ExpiresAt:   now.Add(p.cfg.PlaceholderValidity),
		Placeholder: true,
	}

	p.mu.Lock()
	p.current = cred
	p.mu.Unlock()

	p.metrics.ObserveCredentialRefresh("placeholder")
	logrus.WithFields(logrus.Fields{
		"credential":  p.cfg.Name,
		"placeholder": true,
		"token":       cred.Token,
		"expires_at":  cred.ExpiresAt.Format(time.RFC3339),
	}).Warnf("DEVELOPMENT MODE: issuing placeholder credential after refresh failure: %v", cause)

	return cred
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
