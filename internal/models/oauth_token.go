package models

import "time"

// OAuthToken holds a user's connection to the external contacts provider
type OAuthToken struct {
	UserID         string     `gorm:"column:user_id;primaryKey"`
	Provider       string     `gorm:"column:provider"`
	AccessToken    *string    `gorm:"column:access_token"`
	RefreshToken   *string    `gorm:"column:refresh_token"`
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
	ReauthRequired bool       `gorm:"column:reauth_required"`
	ReauthReason   *string    `gorm:"column:reauth_reason"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (OAuthToken) TableName() string {
	return "oauth_token"
}
