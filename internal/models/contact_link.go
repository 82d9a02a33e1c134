package models

import "time"

// SourceGoogle identifies links created by the Google People import
const SourceGoogle = "google"

// ContactLink maps an external record (source, external_id) to exactly one contact
type ContactLink struct {
	ID           string    `gorm:"column:id;primaryKey"`
	UserID       string    `gorm:"column:user_id"`
	AppContactID string    `gorm:"column:app_contact_id;index"`
	Source       string    `gorm:"column:source"`
	ExternalID   string    `gorm:"column:external_id"`
	ExternalEtag *string   `gorm:"column:external_etag"`
	LastPulledAt time.Time `gorm:"column:last_pulled_at"`
}

// TableName specifies the table name for GORM
func (ContactLink) TableName() string {
	return "contact_link"
}
