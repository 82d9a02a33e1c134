package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"github.com/nowpools/keepintouchtext-sub000/internal/repository"
)

type reconcileOutcome int

const (
	outcomeCreated reconcileOutcome = iota
	outcomeUpdated
	outcomeSkipped  // no display name
	outcomeFiltered // excluded by the job's filter mode
)

var errMissingExternalID = errors.New("record has no resource name")

// BatchStats counts what happened to one page of external records
type BatchStats struct {
	Fetched        int
	Created        int
	Updated        int
	Skipped        int
	Filtered       int
	Failed         int
	LastExternalID string
}

// Imported is the number of records that now exist as internal contacts
func (s BatchStats) Imported() int {
	return s.Created + s.Updated
}

// RecordError is a per-record failure that was absorbed rather than failing the job
type RecordError struct {
	ExternalID string
	Err        error
}

// ContactReconciler upserts external records into the contact store keyed by
// their stable source identity. Safe to apply the same record any number of times.
type ContactReconciler struct {
	store  ContactStore
	source string
	logger *zap.Logger
	now    func() time.Time
}

func NewContactReconciler(store ContactStore, logger *zap.Logger) *ContactReconciler {
	return &ContactReconciler{
		store:  store,
		source: models.SourceGoogle,
		logger: logger,
		now:    time.Now,
	}
}

// ReconcilePage applies every record of a page. Record-level failures are
// collected and never abort the page.
func (r *ContactReconciler) ReconcilePage(ctx context.Context, userID string, params models.JobParams, records []ExternalContact) (BatchStats, []RecordError) {
	stats := BatchStats{Fetched: len(records)}
	var failures []RecordError

	for _, record := range records {
		if record.ResourceName != "" {
			stats.LastExternalID = record.ResourceName
		}

		outcome, err := r.Reconcile(ctx, userID, params, record)
		if err != nil {
			stats.Failed++
			failures = append(failures, RecordError{ExternalID: record.ResourceName, Err: err})
			r.logger.Warn("Failed to import contact",
				zap.String("user_id", userID),
				zap.String("external_id", record.ResourceName),
				zap.Error(err))
			continue
		}

		switch outcome {
		case outcomeCreated:
			stats.Created++
		case outcomeUpdated:
			stats.Updated++
		case outcomeSkipped:
			stats.Skipped++
		case outcomeFiltered:
			stats.Filtered++
		}
	}

	return stats, failures
}

// Reconcile finds the internal contact for a record, first by the inline
// external id and then through the link table, and updates its synced fields;
// otherwise it creates the contact together with its link.
func (r *ContactReconciler) Reconcile(ctx context.Context, userID string, params models.JobParams, record ExternalContact) (reconcileOutcome, error) {
	record = normalizeRecord(record)

	if record.DisplayName == "" {
		return outcomeSkipped, nil
	}
	if record.ResourceName == "" {
		return 0, errMissingExternalID
	}
	if !matchesFilter(params.FilterMode, record) {
		return outcomeFiltered, nil
	}

	// A lost create race resolves to an update on the second pass
	for attempt := 0; attempt < 2; attempt++ {
		outcome, err := r.upsert(ctx, userID, record)
		if errors.Is(err, repository.ErrDuplicateContact) {
			continue
		}
		return outcome, err
	}
	return 0, fmt.Errorf("failed to upsert %s: concurrent writer keeps winning", record.ResourceName)
}

func (r *ContactReconciler) upsert(ctx context.Context, userID string, record ExternalContact) (reconcileOutcome, error) {
	now := r.now()
	contact := r.buildContact(userID, record, now)

	existing, err := r.store.FindByExternalID(ctx, userID, r.source, record.ResourceName)
	if err != nil && !errors.Is(err, repository.ErrContactNotFound) {
		return 0, err
	}
	if existing != nil {
		contact.ID = existing.ID
		if err := r.store.UpdateSyncedFields(ctx, contact); err != nil {
			return 0, err
		}
		if err := r.ensureLink(ctx, userID, contact.ID, record, now); err != nil {
			return 0, err
		}
		return outcomeUpdated, nil
	}

	link, err := r.store.FindLinkBySourceID(ctx, userID, r.source, record.ResourceName)
	if err != nil && !errors.Is(err, repository.ErrLinkNotFound) {
		return 0, err
	}
	if link != nil {
		contact.ID = link.AppContactID
		err := r.store.UpdateSyncedFields(ctx, contact)
		if err == nil {
			if err := r.store.TouchLink(ctx, link.ID, contact.ExternalEtag, now); err != nil {
				return 0, err
			}
			return outcomeUpdated, nil
		}
		if !errors.Is(err, repository.ErrContactNotFound) {
			return 0, err
		}
		// Dangling link: fall through and recreate the contact
	}

	contact.ID = uuid.New().String()
	contact.CreatedAt = now
	newLink := &models.ContactLink{
		ID:           uuid.New().String(),
		UserID:       userID,
		Source:       r.source,
		ExternalID:   record.ResourceName,
		ExternalEtag: contact.ExternalEtag,
		LastPulledAt: now,
	}
	if err := r.store.CreateWithLink(ctx, contact, newLink); err != nil {
		return 0, err
	}
	return outcomeCreated, nil
}

// ensureLink repairs contacts that carry the external id inline but lost their link
func (r *ContactReconciler) ensureLink(ctx context.Context, userID, contactID string, record ExternalContact, now time.Time) error {
	etag := optionalString(record.Etag)

	link, err := r.store.FindLinkBySourceID(ctx, userID, r.source, record.ResourceName)
	if err == nil {
		return r.store.TouchLink(ctx, link.ID, etag, now)
	}
	if !errors.Is(err, repository.ErrLinkNotFound) {
		return err
	}

	return r.store.CreateLink(ctx, &models.ContactLink{
		ID:           uuid.New().String(),
		UserID:       userID,
		AppContactID: contactID,
		Source:       r.source,
		ExternalID:   record.ResourceName,
		ExternalEtag: etag,
		LastPulledAt: now,
	})
}

// buildContact carries only externally sourced fields; user-authored fields stay nil
func (r *ContactReconciler) buildContact(userID string, record ExternalContact, now time.Time) *models.Contact {
	source := r.source
	externalID := record.ResourceName
	return &models.Contact{
		UserID:         userID,
		DisplayName:    record.DisplayName,
		GivenName:      optionalString(record.GivenName),
		FamilyName:     optionalString(record.FamilyName),
		Emails:         models.ContactValues(record.Emails),
		Phones:         models.ContactValues(record.Phones),
		Label:          optionalString(record.Label),
		Birthday:       optionalString(record.Birthday),
		ExternalSource: &source,
		ExternalID:     &externalID,
		ExternalEtag:   optionalString(record.Etag),
		UpdatedAt:      now,
	}
}

// normalizeRecord trims fields, builds a display name from name parts when
// missing, and removes duplicate or empty emails and phones
func normalizeRecord(record ExternalContact) ExternalContact {
	record.ResourceName = strings.TrimSpace(record.ResourceName)
	record.GivenName = strings.TrimSpace(record.GivenName)
	record.FamilyName = strings.TrimSpace(record.FamilyName)
	record.DisplayName = strings.TrimSpace(record.DisplayName)
	if record.DisplayName == "" {
		record.DisplayName = strings.TrimSpace(record.GivenName + " " + record.FamilyName)
	}
	record.Label = strings.TrimSpace(record.Label)
	record.Emails = dedupeValues(record.Emails, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	record.Phones = dedupeValues(record.Phones, strings.TrimSpace)
	return record
}

func dedupeValues(values []models.ContactValue, normalize func(string) string) []models.ContactValue {
	out := make([]models.ContactValue, 0, len(values))
	seen := make(map[string]int, len(values))
	for _, v := range values {
		v.Value = normalize(v.Value)
		if v.Value == "" {
			continue
		}
		if i, ok := seen[v.Value]; ok {
			out[i].Primary = out[i].Primary || v.Primary
			continue
		}
		seen[v.Value] = len(out)
		out = append(out, v)
	}
	return out
}

func matchesFilter(mode string, record ExternalContact) bool {
	switch mode {
	case models.FilterWithEmail:
		return len(record.Emails) > 0
	case models.FilterWithPhone:
		return len(record.Phones) > 0
	case models.FilterWithEmailOrPhone:
		return len(record.Emails) > 0 || len(record.Phones) > 0
	default:
		return true
	}
}

// Helper function for pointer conversion
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
