package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"github.com/nowpools/keepintouchtext-sub000/internal/repository"
)

// DefaultTokenExpiryBuffer is how close to expiry an access token is refreshed
const DefaultTokenExpiryBuffer = 5 * time.Minute

// refreshTimeout bounds a shared refresh, which no longer follows any single caller's context
const refreshTimeout = 30 * time.Second

// pendingRefresh is a refresh result whose write to the store failed
type pendingRefresh struct {
	from         string // refresh token the result was obtained with
	accessToken  string
	refreshToken string // rotated token, empty when unchanged
	expiresAt    time.Time
}

// TokenManager hands out usable access tokens, refreshing them through the
// provider when missing or about to expire. Concurrent refreshes for the same
// user within a process share one provider call.
type TokenManager struct {
	store  TokenStore
	client PeopleClient
	buffer time.Duration
	logger *zap.Logger
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	pending map[string]pendingRefresh
}

func NewTokenManager(store TokenStore, client PeopleClient, buffer time.Duration, logger *zap.Logger) *TokenManager {
	if buffer <= 0 {
		buffer = DefaultTokenExpiryBuffer
	}
	return &TokenManager{
		store:   store,
		client:  client,
		buffer:  buffer,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]pendingRefresh),
	}
}

// AccessToken returns a token valid for at least the expiry buffer.
// Errors wrapping ErrReauthRequired are permanent until the user reconnects;
// errors wrapping ErrTokenStorage are not about the connection at all.
func (m *TokenManager) AccessToken(ctx context.Context, userID string) (string, error) {
	token, err := m.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return "", fmt.Errorf("%w: no connected account", ErrReauthRequired)
		}
		return "", fmt.Errorf("%w: failed to load token: %w", ErrTokenStorage, err)
	}

	if token.ReauthRequired {
		m.dropPending(userID)
		return "", fmt.Errorf("%w: connection was revoked", ErrReauthRequired)
	}

	if err := m.flushPending(ctx, token); err != nil {
		return "", err
	}

	if token.AccessToken != nil && *token.AccessToken != "" && !m.isTokenExpired(token.ExpiresAt) {
		return *token.AccessToken, nil
	}

	if token.RefreshToken == nil || *token.RefreshToken == "" {
		m.markReauth(ctx, userID, "no refresh token available")
		return "", fmt.Errorf("%w: no refresh token available", ErrReauthRequired)
	}

	m.logger.Info("Access token expired, refreshing", zap.String("user_id", userID))

	refreshToken := *token.RefreshToken
	ch := m.group.DoChan(userID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, userID, refreshToken)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// MarkReauthRequired records that the provider rejected the user's credentials
func (m *TokenManager) MarkReauthRequired(ctx context.Context, userID string, reason string) {
	m.dropPending(userID)
	m.markReauth(ctx, userID, reason)
}

// isTokenExpired checks if access token is expired or will expire within the buffer
func (m *TokenManager) isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true // Assume expired if no expiry time
	}
	return m.now().Add(m.buffer).After(*expiresAt)
}

func (m *TokenManager) refresh(ctx context.Context, userID string, refreshToken string) (string, error) {
	result, err := m.client.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrProviderAuth) {
			m.markReauth(ctx, userID, err.Error())
			return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	rotated := ""
	if result.RefreshToken != "" && result.RefreshToken != refreshToken {
		rotated = result.RefreshToken
	}

	if err := m.store.UpdateTokens(ctx, userID, result.AccessToken, rotated, result.ExpiresAt); err != nil {
		// The provider may already have invalidated the old refresh token, so the
		// result is kept and written on the next call
		m.holdPending(userID, pendingRefresh{
			from:         refreshToken,
			accessToken:  result.AccessToken,
			refreshToken: rotated,
			expiresAt:    result.ExpiresAt,
		})
		m.logger.Warn("Failed to store refreshed tokens, holding them for the next attempt",
			zap.String("user_id", userID),
			zap.Bool("rotated", rotated != ""),
			zap.Error(err))
		return result.AccessToken, nil
	}

	m.logger.Info("Token refreshed",
		zap.String("user_id", userID),
		zap.Bool("rotated", rotated != ""),
		zap.Time("expires_at", result.ExpiresAt))

	return result.AccessToken, nil
}

// flushPending writes a held refresh result and applies it to token
func (m *TokenManager) flushPending(ctx context.Context, token *models.OAuthToken) error {
	m.mu.Lock()
	p, ok := m.pending[token.UserID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if token.RefreshToken == nil || *token.RefreshToken != p.from {
		// The user reconnected since; the held result belongs to the old grant
		m.dropPending(token.UserID)
		return nil
	}

	if err := m.store.UpdateTokens(ctx, token.UserID, p.accessToken, p.refreshToken, p.expiresAt); err != nil {
		return fmt.Errorf("%w: failed to store refreshed tokens: %w", ErrTokenStorage, err)
	}
	m.dropPending(token.UserID)

	token.AccessToken = &p.accessToken
	token.ExpiresAt = &p.expiresAt
	if p.refreshToken != "" {
		token.RefreshToken = &p.refreshToken
	}
	m.logger.Info("Stored held token refresh", zap.String("user_id", token.UserID))
	return nil
}

func (m *TokenManager) holdPending(userID string, p pendingRefresh) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = p
}

func (m *TokenManager) dropPending(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, userID)
}

func (m *TokenManager) markReauth(ctx context.Context, userID string, reason string) {
	if err := m.store.MarkReauthRequired(ctx, userID, reason); err != nil {
		m.logger.Warn("Failed to mark reauthorization required",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
