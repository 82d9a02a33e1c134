package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ContactValue is one email address or phone number of a contact
type ContactValue struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// ContactValues is stored as a jsonb array
type ContactValues []ContactValue

// Value implements driver.Valuer for ContactValues
func (v ContactValues) Value() (driver.Value, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for ContactValues
func (v *ContactValues) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, v)
}

// Contact is the application's own contact record. Sync owns only the
// externally sourced columns; Notes, ReminderIntervalDays and LastContactedAt
// are user-authored and never written by the importer.
type Contact struct {
	ID             string        `gorm:"column:id;primaryKey"`
	UserID         string        `gorm:"column:user_id;index"`
	DisplayName    string        `gorm:"column:display_name"`
	GivenName      *string       `gorm:"column:given_name"`
	FamilyName     *string       `gorm:"column:family_name"`
	Emails         ContactValues `gorm:"column:emails;type:jsonb"`
	Phones         ContactValues `gorm:"column:phones;type:jsonb"`
	Label          *string       `gorm:"column:label"`
	Birthday       *string       `gorm:"column:birthday"`
	ExternalSource *string       `gorm:"column:external_source"`
	ExternalID     *string       `gorm:"column:external_id"`
	ExternalEtag   *string       `gorm:"column:external_etag"`

	Notes                *string    `gorm:"column:notes"`
	ReminderIntervalDays *int       `gorm:"column:reminder_interval_days"`
	LastContactedAt      *time.Time `gorm:"column:last_contacted_at"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Contact) TableName() string {
	return "contact"
}
