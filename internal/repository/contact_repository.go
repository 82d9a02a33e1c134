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

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrLinkNotFound    = errors.New("contact link not found")
	// ErrDuplicateContact means another writer created the same external record first
	ErrDuplicateContact = errors.New("contact already exists for external id")
)

// syncedColumns are the only contact columns the importer may write on update
var syncedColumns = []string{
	"display_name",
	"given_name",
	"family_name",
	"emails",
	"phones",
	"label",
	"birthday",
	"external_source",
	"external_id",
	"external_etag",
	"updated_at",
}

type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// GetByID retrieves a user's contact
func (r *ContactRepository) GetByID(ctx context.Context, userID, contactID string) (*models.Contact, error) {
	var contact models.Contact
	result := r.db.WithContext(ctx).First(&contact, "id = ? AND user_id = ?", contactID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", result.Error)
	}
	return &contact, nil
}

// FindByExternalID looks a contact up by the external id stored inline on the row
func (r *ContactRepository) FindByExternalID(ctx context.Context, userID, source, externalID string) (*models.Contact, error) {
	var contact models.Contact
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND external_source = ? AND external_id = ?", userID, source, externalID).
		First(&contact)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to find contact by external id: %w", result.Error)
	}
	return &contact, nil
}

// FindLinkBySourceID looks up the link for an external record
func (r *ContactRepository) FindLinkBySourceID(ctx context.Context, userID, source, externalID string) (*models.ContactLink, error) {
	var link models.ContactLink
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND source = ? AND external_id = ?", userID, source, externalID).
		First(&link)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("failed to find contact link: %w", result.Error)
	}
	return &link, nil
}

// CreateWithLink inserts a new contact and its link in one transaction.
// ErrDuplicateContact means the external record already has a contact.
func (r *ContactRepository) CreateWithLink(ctx context.Context, contact *models.Contact, link *models.ContactLink) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(contact).Error; err != nil {
			return err
		}
		link.AppContactID = contact.ID
		// A link left behind by a deleted contact is repointed at the new one
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "source"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"app_contact_id", "external_etag", "last_pulled_at"}),
		}).Create(link).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateContact
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// UpdateSyncedFields overwrites only the externally sourced columns of a contact,
// leaving notes and other user-authored fields untouched
func (r *ContactRepository) UpdateSyncedFields(ctx context.Context, contact *models.Contact) error {
	result := r.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND user_id = ?", contact.ID, contact.UserID).
		Select(syncedColumns).
		Updates(contact)
	if result.Error != nil {
		return fmt.Errorf("failed to update contact: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrContactNotFound
	}
	return nil
}

// CreateLink inserts a link, or refreshes etag and pull time if it already exists
func (r *ContactRepository) CreateLink(ctx context.Context, link *models.ContactLink) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "source"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"external_etag", "last_pulled_at"}),
		}).
		Create(link)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateContact
		}
		return fmt.Errorf("failed to create contact link: %w", result.Error)
	}
	return nil
}

// TouchLink records that the external record was pulled again
func (r *ContactRepository) TouchLink(ctx context.Context, linkID string, etag *string, pulledAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ContactLink{}).
		Where("id = ?", linkID).
		Updates(map[string]interface{}{
			"external_etag":  etag,
			"last_pulled_at": pulledAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to touch contact link: %w", result.Error)
	}
	return nil
}

// CountLinks returns how many contacts of a user are linked to a source
func (r *ContactRepository) CountLinks(ctx context.Context, userID, source string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.ContactLink{}).
		Where("user_id = ? AND source = ?", userID, source).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count contact links: %w", result.Error)
	}
	return count, nil
}
