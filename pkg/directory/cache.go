package directory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buerokratt/DMR/pkg/httpx"
	"github.com/buerokratt/DMR/pkg/metrics"
	"github.com/buerokratt/DMR/pkg/models"
)

// externalRecord is one entry of the directory service response. Field names
// follow the external API, not ours.
type externalRecord struct {
	ID                        string `json:"id"`
	Name                      string `json:"name"`
	AuthenticationCertificate string `json:"authentication_certificate"`
	CreatedAt                 string `json:"created_at"`
	UpdatedAt                 string `json:"updated_at"`
	Deleted                   bool   `json:"deleted,omitempty"`
}

type directoryResponse struct {
	Response []externalRecord `json:"response"`
}

// Snapshot is an immutable view of the directory at one refresh tick.
// Concurrent readers share it without locking; a refresh installs a new
// value, never mutates this one.
type Snapshot struct {
	Records []models.ParticipantRecord
	byID    map[string]models.ParticipantRecord
}

func newSnapshot(records []models.ParticipantRecord) *Snapshot {
	byID := make(map[string]models.ParticipantRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return &Snapshot{Records: records, byID: byID}
}

// Lookup resolves a live participant by id.
func (s *Snapshot) Lookup(id string) (models.ParticipantRecord, bool) {
	rec, ok := s.byID[id]
	return rec, ok
}

func (s *Snapshot) Len() int {
	return len(s.Records)
}

// Cache keeps the in-memory participant directory synchronized with the
// external source of truth. Refresh ticks never overlap; between ticks every
// reader sees the last successfully installed snapshot.
type Cache struct {
	url        string
	client     *http.Client
	logger     zerolog.Logger
	retries    int
	retryDelay time.Duration

	refreshMu sync.Mutex
	snapshot  atomic.Pointer[Snapshot]

	subMu sync.Mutex
	subs  []func(models.DirectoryDiff)
}

// New builds a cache with an empty initial snapshot. Call Refresh or Run to
// populate it.
func New(url string, client *http.Client, logger zerolog.Logger) *Cache {
	c := &Cache{
		url:        url,
		client:     client,
		logger:     logger.With().Str("component", "directory").Logger(),
		retries:    2,
		retryDelay: 500 * time.Millisecond,
	}
	c.snapshot.Store(newSnapshot(nil))
	return c
}

// Subscribe registers a callback invoked after each refresh that changed the
// directory. Callbacks run on the refresh goroutine and must not block.
func (c *Cache) Subscribe(fn func(models.DirectoryDiff)) {
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

// Snapshot returns the current directory view.
func (c *Cache) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Lookup resolves a live participant in the current snapshot.
func (c *Cache) Lookup(id string) (models.ParticipantRecord, bool) {
	return c.snapshot.Load().Lookup(id)
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
// Refresh failures are logged and retried naturally at the next tick.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Error().Err(err).Msg("initial directory refresh failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Error().Err(err).Msg("directory refresh failed")
			}
		}
	}
}

// Refresh fetches the full participant list, validates records, installs the
// new snapshot and returns the diff against the previous one. On any fetch or
// parse failure the previous snapshot is left untouched.
func (c *Cache) Refresh(ctx context.Context) (models.DirectoryDiff, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	var resp directoryResponse
	if err := httpx.GetJSON(ctx, c.client, c.url, &resp, c.retries, c.retryDelay); err != nil {
		metrics.DirectoryRefreshTotal.WithLabelValues("error").Inc()
		return models.DirectoryDiff{}, fmt.Errorf("fetch directory: %w", err)
	}

	records := make([]models.ParticipantRecord, 0, len(resp.Response))
	for _, ext := range resp.Response {
		rec, err := mapRecord(ext)
		if err != nil {
			// A malformed record is dropped; a partial result still
			// replaces the snapshot.
			c.logger.Warn().Err(err).Str("id", ext.ID).Msg("rejecting malformed directory record")
			continue
		}
		if rec.Deleted {
			continue
		}
		records = append(records, rec)
	}

	old := c.snapshot.Load()
	next := newSnapshot(records)
	diff := diffSnapshots(old, next)
	c.snapshot.Store(next)

	metrics.DirectoryRefreshTotal.WithLabelValues("ok").Inc()
	metrics.DirectoryParticipants.Set(float64(next.Len()))
	c.logger.Info().
		Int("participants", next.Len()).
		Int("added", len(diff.Added)).
		Int("removed", len(diff.Removed)).
		Msg("directory snapshot updated")

	if !diff.Empty() {
		c.subMu.Lock()
		subs := make([]func(models.DirectoryDiff), len(c.subs))
		copy(subs, c.subs)
		c.subMu.Unlock()
		for _, fn := range subs {
			fn(diff)
		}
	}
	return diff, nil
}

func mapRecord(ext externalRecord) (models.ParticipantRecord, error) {
	if _, err := uuid.Parse(ext.ID); err != nil {
		return models.ParticipantRecord{}, fmt.Errorf("invalid participant id %q: %w", ext.ID, err)
	}
	if ext.Name == "" {
		return models.ParticipantRecord{}, fmt.Errorf("participant %s: name is required", ext.ID)
	}
	if ext.AuthenticationCertificate == "" {
		return models.ParticipantRecord{}, fmt.Errorf("participant %s: authentication certificate is required", ext.ID)
	}
	return models.ParticipantRecord{
		ID:                        ext.ID,
		Name:                      ext.Name,
		AuthenticationCertificate: ext.AuthenticationCertificate,
		CreatedAt:                 ext.CreatedAt,
		UpdatedAt:                 ext.UpdatedAt,
		Deleted:                   ext.Deleted,
	}, nil
}

// diffSnapshots computes identity-set membership changes between two
// snapshots: added = in next but not old, removed = in old but not next.
func diffSnapshots(old, next *Snapshot) models.DirectoryDiff {
	var diff models.DirectoryDiff
	for _, rec := range next.Records {
		if _, ok := old.byID[rec.ID]; !ok {
			diff.Added = append(diff.Added, rec)
		}
	}
	for _, rec := range old.Records {
		if _, ok := next.byID[rec.ID]; !ok {
			diff.Removed = append(diff.Removed, rec)
		}
	}
	return diff
}
