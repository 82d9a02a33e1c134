package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTokenNotFound = errors.New("oauth token not found")

type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Get retrieves the stored token state for a user
func (r *TokenRepository) Get(ctx context.Context, userID string) (*models.OAuthToken, error) {
	var token models.OAuthToken
	result := r.db.WithContext(ctx).First(&token, "user_id = ?", userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", result.Error)
	}
	return &token, nil
}

// UpdateTokens stores a refreshed access token and its expiry. A non-empty
// refreshToken replaces the stored one in the same statement.
func (r *TokenRepository) UpdateTokens(ctx context.Context, userID string, accessToken string, refreshToken string, expiresAt time.Time) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"expires_at":   expiresAt,
		"updated_at":   time.Now(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}

	result := r.db.WithContext(ctx).Model(&models.OAuthToken{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// MarkReauthRequired flags the connection as unusable until the user reconnects
func (r *TokenRepository) MarkReauthRequired(ctx context.Context, userID string, reason string) error {
	result := r.db.WithContext(ctx).Model(&models.OAuthToken{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"access_token":    nil,
			"reauth_required": true,
			"reauth_reason":   reason,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark reauth required: %w", result.Error)
	}
	return nil
}

// Save stores a new connection for a user, clearing any reauthorization flag
func (r *TokenRepository) Save(ctx context.Context, token *models.OAuthToken) error {
	now := time.Now()
	token.ReauthRequired = false
	token.ReauthReason = nil
	token.UpdatedAt = now
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"provider", "access_token", "refresh_token", "expires_at",
				"reauth_required", "reauth_reason", "updated_at",
			}),
		}).
		Create(token)
	if result.Error != nil {
		return fmt.Errorf("failed to save token: %w", result.Error)
	}
	return nil
}
