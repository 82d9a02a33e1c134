package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
)

const testUser = "user-1"

type harness struct {
	clock      *clock
	jobs       *fakeJobStore
	events     *fakeEventLog
	tokens     *fakeTokenStore
	contacts   *fakeContactStore
	client     *fakePeopleClient
	tokenMgr   *TokenManager
	reconciler *ContactReconciler
	processor  *SyncProcessor
	control    *JobControl
	ticks      int
}

func newHarness(t *testing.T, maxPages int) *harness {
	t.Helper()
	c := newClock()
	h := &harness{
		clock:    c,
		jobs:     newFakeJobStore(c),
		events:   &fakeEventLog{},
		tokens:   newFakeTokenStore(),
		contacts: newFakeContactStore(),
		client:   &fakePeopleClient{pages: map[string]*ContactPage{}},
	}
	logger := zap.NewNop()

	h.tokenMgr = NewTokenManager(h.tokens, h.client, DefaultTokenExpiryBuffer, logger)
	h.tokenMgr.now = c.Now
	h.reconciler = NewContactReconciler(h.contacts, logger)
	h.reconciler.now = c.Now
	h.processor = NewSyncProcessor(h.jobs, h.events, h.tokenMgr, h.client, h.reconciler,
		ProcessorConfig{MaxPagesPerTick: maxPages, JobLease: time.Minute}, logger)
	h.processor.newTickID = func() string {
		h.ticks++
		return fmt.Sprintf("tick-%d", h.ticks)
	}
	h.control = NewJobControl(h.jobs, h.events, h.tokens, DefaultPageSize, logger)
	h.control.now = c.Now

	h.tokens.put(testUser, "access-1", "refresh-1", c.Now().Add(time.Hour))
	return h
}

// twoPages serves 3 records then 2
func (h *harness) twoPages() {
	h.client.pages[""] = &ContactPage{
		Records: []ExternalContact{
			person("people/c1", "Ada Lovelace", "ada@example.com"),
			person("people/c2", "Grace Hopper", "grace@example.com"),
			person("people/c3", "Alan Turing"),
		},
		NextPageToken: "p2",
		TotalEstimate: intPtr(5),
	}
	h.client.pages["p2"] = &ContactPage{
		Records: []ExternalContact{
			person("people/c4", "Edsger Dijkstra"),
			person("people/c5", "Barbara Liskov", "barbara@example.com"),
		},
		TotalEstimate: intPtr(5),
	}
}

func (h *harness) start(t *testing.T, params StartParams) *models.SyncJob {
	t.Helper()
	job, err := h.control.StartSync(context.Background(), testUser, params)
	require.NoError(t, err)
	// Jobs created later must sort after this one
	h.clock.Advance(time.Second)
	return job
}

func (h *harness) tick(t *testing.T) *TickResult {
	t.Helper()
	result, err := h.processor.Tick(context.Background())
	require.NoError(t, err)
	return result
}
