package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"github.com/nowpools/keepintouchtext-sub000/internal/repository"
)

// clock is a settable time source shared by the fakes and the components under test
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeJobStore mirrors SyncJobRepository: guarded status transitions and
// writes conditional on the lease holder
type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.SyncJob
	clock *clock

	saveErr      error
	beforeSave   func(jobID string)
	saveCalls    int
	releaseCalls int
	claimCalls   int
}

func newFakeJobStore(c *clock) *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.SyncJob), clock: c}
}

func (s *fakeJobStore) get(jobID string) models.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[jobID]
}

func (s *fakeJobStore) activeLocked(userID string, jobType models.SyncJobType) *models.SyncJob {
	for _, job := range s.jobs {
		if job.UserID == userID && job.JobType == jobType && job.Status.IsActive() {
			return job
		}
	}
	return nil
}

func (s *fakeJobStore) GetActive(ctx context.Context, userID string, jobType models.SyncJobType) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.activeLocked(userID, jobType); job != nil {
		cp := *job
		return &cp, nil
	}
	return nil, repository.ErrJobNotFound
}

func (s *fakeJobStore) CreateIfNoActive(ctx context.Context, job models.SyncJob) (*models.SyncJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeLocked(job.UserID, job.JobType); existing != nil {
		cp := *existing
		return &cp, false, nil
	}
	stored := job
	s.jobs[job.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (s *fakeJobStore) GetForUser(ctx context.Context, userID string, jobID string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, repository.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) ListForUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncJob
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeJobStore) Claim(ctx context.Context, tickID string, lease time.Duration) (*repository.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	now := s.clock.Now()

	var candidates []*models.SyncJob
	for _, job := range s.jobs {
		if !job.Status.IsActive() {
			continue
		}
		if job.LockedUntil != nil && !job.LockedUntil.Before(now) {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		qi := candidates[i].Status == models.JobStatusQueued
		qj := candidates[j].Status == models.JobStatusQueued
		if qi != qj {
			return qi
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	job := candidates[0]
	lockedUntil := now.Add(lease)
	tick := tickID
	job.LockedBy = &tick
	job.LockedUntil = &lockedUntil
	job.UpdatedAt = now
	started := false
	if job.Status == models.JobStatusQueued {
		job.Status = models.JobStatusRunning
		startedAt := now
		job.StartedAt = &startedAt
		started = true
	}
	return &repository.ClaimResult{Job: *job, Started: started}, nil
}

func (s *fakeJobStore) ownedLocked(jobID, tickID string) *models.SyncJob {
	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.JobStatusRunning || job.LockedBy == nil || *job.LockedBy != tickID {
		return nil
	}
	return job
}

func (s *fakeJobStore) SaveProgress(ctx context.Context, jobID, tickID string, checkpoint models.Checkpoint, progressDone int, totalEstimate *int, lease time.Duration) error {
	if s.beforeSave != nil {
		s.beforeSave(jobID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	job := s.ownedLocked(jobID, tickID)
	if job == nil {
		return repository.ErrJobNotOwned
	}
	now := s.clock.Now()
	job.Checkpoint = checkpoint
	if progressDone > job.ProgressDone {
		job.ProgressDone = progressDone
	}
	job.ProgressTotalEstimate = totalEstimate
	lockedUntil := now.Add(lease)
	job.LockedUntil = &lockedUntil
	job.UpdatedAt = now
	return nil
}

func (s *fakeJobStore) finish(jobID, tickID string, status models.SyncJobStatus, message *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.ownedLocked(jobID, tickID)
	if job == nil {
		return repository.ErrJobNotOwned
	}
	now := s.clock.Now()
	job.Status = status
	job.ErrorMessage = message
	job.FinishedAt = &now
	job.LockedBy = nil
	job.LockedUntil = nil
	job.UpdatedAt = now
	return nil
}

func (s *fakeJobStore) Complete(ctx context.Context, jobID, tickID string) error {
	return s.finish(jobID, tickID, models.JobStatusCompleted, nil)
}

func (s *fakeJobStore) Fail(ctx context.Context, jobID, tickID string, message string) error {
	return s.finish(jobID, tickID, models.JobStatusFailed, &message)
}

func (s *fakeJobStore) Release(ctx context.Context, jobID, tickID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCalls++
	job, ok := s.jobs[jobID]
	if ok && job.LockedBy != nil && *job.LockedBy == tickID {
		job.LockedBy = nil
		job.LockedUntil = nil
	}
	return nil
}

func (s *fakeJobStore) Cancel(ctx context.Context, userID, jobID string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, repository.ErrJobNotFound
	}
	if !job.Status.IsActive() {
		cp := *job
		return &cp, repository.ErrNotCancelable
	}
	now := s.clock.Now()
	job.Status = models.JobStatusCanceled
	job.FinishedAt = &now
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

type fakeEventLog struct {
	mu    sync.Mutex
	items []models.SyncJobItem
	err   error
}

func (l *fakeEventLog) Append(ctx context.Context, jobID string, eventType models.SyncEventType, payload map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.items = append(l.items, models.SyncJobItem{
		ID:        fmt.Sprintf("ev-%d", len(l.items)+1),
		JobID:     jobID,
		EventType: eventType,
		Payload:   models.JSONB(payload),
	})
	return nil
}

func (l *fakeEventLog) ListByJob(ctx context.Context, jobID string, limit int) ([]models.SyncJobItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.SyncJobItem
	for _, item := range l.items {
		if item.JobID == jobID && len(out) < limit {
			out = append(out, item)
		}
	}
	return out, nil
}

func (l *fakeEventLog) types(jobID string) []models.SyncEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.SyncEventType
	for _, item := range l.items {
		if item.JobID == jobID {
			out = append(out, item.EventType)
		}
	}
	return out
}

func (l *fakeEventLog) last(jobID string, eventType models.SyncEventType) *models.SyncJobItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].JobID == jobID && l.items[i].EventType == eventType {
			item := l.items[i]
			return &item
		}
	}
	return nil
}

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.OAuthToken

	getErr    error
	updateErr error
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]*models.OAuthToken)}
}

func (s *fakeTokenStore) put(userID, accessToken, refreshToken string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := &models.OAuthToken{UserID: userID, Provider: models.SourceGoogle, ExpiresAt: &expiresAt}
	if accessToken != "" {
		token.AccessToken = &accessToken
	}
	if refreshToken != "" {
		token.RefreshToken = &refreshToken
	}
	s.tokens[userID] = token
}

func (s *fakeTokenStore) failWith(getErr, updateErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = getErr
	s.updateErr = updateErr
}

func (s *fakeTokenStore) snapshot(userID string) models.OAuthToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tokens[userID]
}

func (s *fakeTokenStore) Get(ctx context.Context, userID string) (*models.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	token, ok := s.tokens[userID]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

func (s *fakeTokenStore) UpdateTokens(ctx context.Context, userID string, accessToken string, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	token, ok := s.tokens[userID]
	if !ok {
		return repository.ErrTokenNotFound
	}
	token.AccessToken = &accessToken
	token.ExpiresAt = &expiresAt
	if refreshToken != "" {
		token.RefreshToken = &refreshToken
	}
	return nil
}

func (s *fakeTokenStore) MarkReauthRequired(ctx context.Context, userID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	if !ok {
		return repository.ErrTokenNotFound
	}
	token.ReauthRequired = true
	token.ReauthReason = &reason
	token.AccessToken = nil
	return nil
}

// fakeContactStore enforces the same unique keys as the contact and contact_link tables
type fakeContactStore struct {
	mu       sync.Mutex
	contacts map[string]*models.Contact
	links    map[string]*models.ContactLink
	nextID   int

	failUpdateFor string
}

func newFakeContactStore() *fakeContactStore {
	return &fakeContactStore{
		contacts: make(map[string]*models.Contact),
		links:    make(map[string]*models.ContactLink),
	}
}

func (s *fakeContactStore) contactCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.contacts {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

func (s *fakeContactStore) linkCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.links {
		if l.UserID == userID {
			n++
		}
	}
	return n
}

func (s *fakeContactStore) byExternalID(userID, externalID string) *models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.UserID == userID && c.ExternalID != nil && *c.ExternalID == externalID {
			cp := *c
			return &cp
		}
	}
	return nil
}

func (s *fakeContactStore) contactByExternalLocked(userID, source, externalID string) *models.Contact {
	for _, c := range s.contacts {
		if c.UserID == userID && c.ExternalSource != nil && *c.ExternalSource == source &&
			c.ExternalID != nil && *c.ExternalID == externalID {
			return c
		}
	}
	return nil
}

func (s *fakeContactStore) linkLocked(userID, source, externalID string) *models.ContactLink {
	for _, l := range s.links {
		if l.UserID == userID && l.Source == source && l.ExternalID == externalID {
			return l
		}
	}
	return nil
}

func (s *fakeContactStore) FindByExternalID(ctx context.Context, userID, source, externalID string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.contactByExternalLocked(userID, source, externalID); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, repository.ErrContactNotFound
}

func (s *fakeContactStore) FindLinkBySourceID(ctx context.Context, userID, source, externalID string) (*models.ContactLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.linkLocked(userID, source, externalID); l != nil {
		cp := *l
		return &cp, nil
	}
	return nil, repository.ErrLinkNotFound
}

func (s *fakeContactStore) CreateWithLink(ctx context.Context, contact *models.Contact, link *models.ContactLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contact.ExternalSource != nil && contact.ExternalID != nil &&
		s.contactByExternalLocked(contact.UserID, *contact.ExternalSource, *contact.ExternalID) != nil {
		return repository.ErrDuplicateContact
	}
	stored := *contact
	s.contacts[contact.ID] = &stored

	link.AppContactID = contact.ID
	if existing := s.linkLocked(link.UserID, link.Source, link.ExternalID); existing != nil {
		existing.AppContactID = contact.ID
		existing.ExternalEtag = link.ExternalEtag
		existing.LastPulledAt = link.LastPulledAt
		return nil
	}
	storedLink := *link
	s.links[link.ID] = &storedLink
	return nil
}

func (s *fakeContactStore) UpdateSyncedFields(ctx context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdateFor != "" && contact.ExternalID != nil && *contact.ExternalID == s.failUpdateFor {
		return fmt.Errorf("failed to update contact: constraint violation")
	}
	existing, ok := s.contacts[contact.ID]
	if !ok || existing.UserID != contact.UserID {
		return repository.ErrContactNotFound
	}
	existing.DisplayName = contact.DisplayName
	existing.GivenName = contact.GivenName
	existing.FamilyName = contact.FamilyName
	existing.Emails = contact.Emails
	existing.Phones = contact.Phones
	existing.Label = contact.Label
	existing.Birthday = contact.Birthday
	existing.ExternalSource = contact.ExternalSource
	existing.ExternalID = contact.ExternalID
	existing.ExternalEtag = contact.ExternalEtag
	existing.UpdatedAt = contact.UpdatedAt
	return nil
}

func (s *fakeContactStore) CreateLink(ctx context.Context, link *models.ContactLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.linkLocked(link.UserID, link.Source, link.ExternalID); existing != nil {
		existing.ExternalEtag = link.ExternalEtag
		existing.LastPulledAt = link.LastPulledAt
		return nil
	}
	stored := *link
	s.links[link.ID] = &stored
	return nil
}

func (s *fakeContactStore) TouchLink(ctx context.Context, linkID string, etag *string, pulledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[linkID]; ok {
		l.ExternalEtag = etag
		l.LastPulledAt = pulledAt
	}
	return nil
}

// addManual stores a contact the way the application itself would
func (s *fakeContactStore) addManual(contact models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.ID] = &contact
}

func (s *fakeContactStore) deleteContact(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, id)
}

func (s *fakeContactStore) deleteLinks(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.links {
		if l.UserID == userID {
			delete(s.links, id)
		}
	}
}

// fakePeopleClient serves a fixed set of pages keyed by page token ("" is the first)
type fakePeopleClient struct {
	mu    sync.Mutex
	pages map[string]*ContactPage

	fetchErrs    []error // consumed one per FetchPage call before serving pages
	fetchTokens  []string
	accessTokens []string

	refreshResult *TokenRefreshResult
	refreshErr    error
	refreshCalls  int
	refreshDelay  time.Duration
}

func (c *fakePeopleClient) FetchPage(ctx context.Context, accessToken string, pageToken string, pageSize int) (*ContactPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchTokens = append(c.fetchTokens, pageToken)
	c.accessTokens = append(c.accessTokens, accessToken)
	if len(c.fetchErrs) > 0 {
		err := c.fetchErrs[0]
		c.fetchErrs = c.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	page, ok := c.pages[pageToken]
	if !ok {
		return nil, fmt.Errorf("unknown page token %q", pageToken)
	}
	return page, nil
}

func (c *fakePeopleClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	c.mu.Lock()
	c.refreshCalls++
	delay := c.refreshDelay
	result, err := c.refreshResult, c.refreshErr
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *fakePeopleClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetchTokens)
}

func (c *fakePeopleClient) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCalls
}

func person(id, name string, emails ...string) ExternalContact {
	record := ExternalContact{ResourceName: id, Etag: "etag-" + id, DisplayName: name}
	for _, e := range emails {
		record.Emails = append(record.Emails, models.ContactValue{Value: e})
	}
	return record
}

func intPtr(v int) *int {
	return &v
}
