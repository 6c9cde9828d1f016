package ctrader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	tokenFilename = "ctrader_token.json"

	// refreshBuffer is how long before actual expiry a token is treated as
	// expired. Refreshing early keeps the account session from racing the
	// broker's own expiry check.
	refreshBuffer = 5 * time.Minute
)

// TokenManager owns the OAuth access token lifecycle: code exchange, cached
// access, refresh and persistence. Refreshes are single-flight; concurrent
// callers share one round trip to the token endpoint.
type TokenManager struct {
	config  *oauth2.Config
	storage TokenStorage
	logger  *slog.Logger

	mu      sync.Mutex
	current *TokenInfo
}

func NewTokenManager(config *oauth2.Config, storage TokenStorage, logger *slog.Logger) *TokenManager {
	if storage == nil {
		storage = NewMemoryTokenStorage()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		config:  config,
		storage: storage,
		logger:  logger,
	}
}

// AuthCodeURL returns the URL the account holder must visit to grant access.
func (tm *TokenManager) AuthCodeURL(state string) string {
	return tm.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for a token pair and persists it
// before returning.
func (tm *TokenManager) ExchangeCode(ctx context.Context, code string) (*TokenInfo, error) {
	token, err := tm.config.Exchange(ctx, code)
	if err != nil {
		tm.logger.Error("Code exchange failed",
			"function", "ExchangeCode",
			"error", err)
		return nil, tokenEndpointError("exchange", err)
	}

	info := tokenInfoFromOAuth2(token)
	if err := tm.store(info); err != nil {
		return nil, err
	}

	tm.logger.Info("Access token obtained",
		"function", "ExchangeCode",
		"expiresAt", info.ExpiresAt)
	return info, nil
}

// GetValidToken returns the cached token, refreshing it first if it is
// expired or inside the refresh buffer. Callers block on an in-flight
// refresh rather than starting their own.
func (tm *TokenManager) GetValidToken(ctx context.Context) (*TokenInfo, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.current == nil {
		token, err := tm.storage.LoadToken(tokenFilename)
		if err != nil {
			return nil, &AuthError{Step: "token", Reason: "no stored token, authorization required"}
		}
		tm.current = token
	}

	if !tm.current.Expired() {
		cp := *tm.current
		return &cp, nil
	}

	return tm.refreshLocked(ctx)
}

// Refresh forces a refresh regardless of the cached token's expiry.
func (tm *TokenManager) Refresh(ctx context.Context) (*TokenInfo, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.current == nil {
		token, err := tm.storage.LoadToken(tokenFilename)
		if err != nil {
			return nil, &AuthError{Step: "token", Reason: "no stored token to refresh"}
		}
		tm.current = token
	}
	return tm.refreshLocked(ctx)
}

// Clear drops the cached token and removes the persisted copy.
func (tm *TokenManager) Clear() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.current = nil
	return tm.storage.DeleteToken(tokenFilename)
}

// refreshLocked performs the refresh round trip. Callers hold tm.mu, which
// is what makes the refresh single-flight.
func (tm *TokenManager) refreshLocked(ctx context.Context) (*TokenInfo, error) {
	if tm.current.RefreshToken == "" {
		return nil, &AuthError{Step: "token", Reason: "no refresh token available"}
	}

	tm.logger.Info("Refreshing access token",
		"function", "refreshLocked",
		"expiredAt", tm.current.ExpiresAt)

	src := tm.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tm.current.RefreshToken,
	})
	newToken, err := src.Token()
	if err != nil {
		tm.logger.Error("Token refresh failed",
			"function", "refreshLocked",
			"error", err)
		return nil, tokenEndpointError("refresh", err)
	}

	info := tokenInfoFromOAuth2(newToken)
	// Brokers rotate refresh tokens; keep the old one if the response
	// omitted a replacement.
	if info.RefreshToken == "" {
		info.RefreshToken = tm.current.RefreshToken
	}

	if err := tm.storeLocked(info); err != nil {
		return nil, err
	}

	tm.logger.Info("Access token refreshed",
		"function", "refreshLocked",
		"expiresAt", info.ExpiresAt)
	cp := *info
	return &cp, nil
}

// StartRefreshKeeper runs a background refresh cycle so long-lived sessions
// never present an expired token. The first run needs a stored token; after
// each refresh the next wake-up is re-armed from the new expiry. Returns
// once the keeper goroutine is started; it stops when ctx is done.
func (tm *TokenManager) StartRefreshKeeper(ctx context.Context) error {
	token, err := tm.GetValidToken(ctx)
	if err != nil {
		return err
	}

	go func() {
		timer := time.NewTimer(tm.keeperDelay(token))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				tm.logger.Info("Refresh keeper stopped", "function", "StartRefreshKeeper")
				return

			case <-timer.C:
				refreshed, err := tm.GetValidToken(ctx)
				if err != nil {
					tm.logger.Error("Background token refresh failed",
						"function", "StartRefreshKeeper",
						"error", err)
					timer.Reset(refreshBuffer)
					continue
				}
				timer.Reset(tm.keeperDelay(refreshed))
			}
		}
	}()
	return nil
}

// keeperDelay is the time until the next background refresh: just inside the
// refresh buffer, with a floor so a near-expired token never busy-loops.
func (tm *TokenManager) keeperDelay(token *TokenInfo) time.Duration {
	d := time.Until(token.ExpiresAt) - refreshBuffer
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

func (tm *TokenManager) store(info *TokenInfo) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.storeLocked(info)
}

// storeLocked persists before updating the cache, so a crash between the two
// never leaves the disk with a staler token than memory.
func (tm *TokenManager) storeLocked(info *TokenInfo) error {
	if err := tm.storage.SaveToken(tokenFilename, info); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	tm.current = info
	return nil
}

func tokenInfoFromOAuth2(token *oauth2.Token) *TokenInfo {
	return &TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
}

// tokenEndpointError maps oauth2 transport errors into the auth error
// taxonomy, surfacing the endpoint's structured error code when present.
func tokenEndpointError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		reason := retrieveErr.ErrorDescription
		if reason == "" {
			reason = fmt.Sprintf("token endpoint returned %s", retrieveErr.Response.Status)
		}
		return &AuthError{Step: "token", Code: retrieveErr.ErrorCode, Reason: fmt.Sprintf("%s: %s", op, reason)}
	}
	return &AuthError{Step: "token", Reason: fmt.Sprintf("%s: %v", op, err)}
}
