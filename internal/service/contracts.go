package service

import (
	"context"
	"errors"
	"time"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"github.com/nowpools/keepintouchtext-sub000/internal/repository"
)

var (
	// ErrProviderAuth is returned by a PeopleClient when the provider rejects the
	// credentials (revoked grant, expired or invalid access token). Anything else
	// the client returns is treated as transient.
	ErrProviderAuth = errors.New("provider rejected credentials")

	// ErrReauthRequired means the user must reconnect their account before syncing
	ErrReauthRequired = errors.New("reauthorization required")

	ErrInvalidParams = errors.New("invalid sync parameters")

	// ErrTokenStorage means the token store could not be read or written. The
	// connection itself may be fine; the caller should retry later.
	ErrTokenStorage = errors.New("token storage unavailable")

	ErrJobNotFound   = repository.ErrJobNotFound
	ErrNotCancelable = repository.ErrNotCancelable
)

// PeopleClient is the paginated external contacts API
type PeopleClient interface {
	FetchPage(ctx context.Context, accessToken string, pageToken string, pageSize int) (*ContactPage, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

type ContactPage struct {
	Records       []ExternalContact
	NextPageToken string
	TotalEstimate *int // nil when the provider does not report a count
}

// ExternalContact is one record as delivered by the provider
type ExternalContact struct {
	ResourceName string
	Etag         string
	DisplayName  string
	GivenName    string
	FamilyName   string
	Emails       []models.ContactValue
	Phones       []models.ContactValue
	Label        string
	Birthday     string // YYYY-MM-DD, or --MM-DD when the year is unknown
}

type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // May be same or new
}

// JobStore is the durable job ledger
type JobStore interface {
	GetActive(ctx context.Context, userID string, jobType models.SyncJobType) (*models.SyncJob, error)
	CreateIfNoActive(ctx context.Context, job models.SyncJob) (*models.SyncJob, bool, error)
	GetForUser(ctx context.Context, userID string, jobID string) (*models.SyncJob, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error)
	Claim(ctx context.Context, tickID string, lease time.Duration) (*repository.ClaimResult, error)
	SaveProgress(ctx context.Context, jobID, tickID string, checkpoint models.Checkpoint, progressDone int, totalEstimate *int, lease time.Duration) error
	Complete(ctx context.Context, jobID, tickID string) error
	Fail(ctx context.Context, jobID, tickID string, message string) error
	Release(ctx context.Context, jobID, tickID string) error
	Cancel(ctx context.Context, userID, jobID string) (*models.SyncJob, error)
}

// EventLog is the append-only per-job audit trail
type EventLog interface {
	Append(ctx context.Context, jobID string, eventType models.SyncEventType, payload map[string]interface{}) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]models.SyncJobItem, error)
}

// TokenStore persists OAuth state per user
type TokenStore interface {
	Get(ctx context.Context, userID string) (*models.OAuthToken, error)
	UpdateTokens(ctx context.Context, userID string, accessToken string, refreshToken string, expiresAt time.Time) error
	MarkReauthRequired(ctx context.Context, userID string, reason string) error
}

// ContactStore is the application's contact repository, shared with manual edits
type ContactStore interface {
	FindByExternalID(ctx context.Context, userID, source, externalID string) (*models.Contact, error)
	FindLinkBySourceID(ctx context.Context, userID, source, externalID string) (*models.ContactLink, error)
	CreateWithLink(ctx context.Context, contact *models.Contact, link *models.ContactLink) error
	UpdateSyncedFields(ctx context.Context, contact *models.Contact) error
	CreateLink(ctx context.Context, link *models.ContactLink) error
	TouchLink(ctx context.Context, linkID string, etag *string, pulledAt time.Time) error
}
