// Package sync provides the paged mirror of tagged CRM contacts into the local cache.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/google/uuid"

	"github.com/JohanCodinha/crmsync/internal/cache"
	"github.com/JohanCodinha/crmsync/internal/config"
	"github.com/JohanCodinha/crmsync/internal/logger"
	"github.com/JohanCodinha/crmsync/internal/virtuous"
)

// Remote is the part of the CRM client the engine needs.
type Remote interface {
	FetchPage(ctx context.Context, tagID, skip, take int) (*virtuous.ContactPage, error)
	FetchCollection(ctx context.Context, contactID int64, collectionName string) ([]virtuous.CollectionEntry, error)
}

// Store is the part of the cache the engine needs.
type Store interface {
	UpsertFamily(ctx context.Context, family cache.Family) error
	SetEngagementDate(ctx context.Context, id int64, date string) (bool, error)
	CountFamilies(ctx context.Context, search string) (int, error)
	ListFamilies(ctx context.Context, opts cache.ListOptions) ([]cache.Family, int, error)
	ReadCursor(ctx context.Context, name string) (*cache.Cursor, error)
	WriteCursor(ctx context.Context, name string, value int) error
}

// State is the current progress of the forward sync.
type State struct {
	Cursor      *cache.Cursor // nil until the first step or reset
	CachedCount int
}

// ResetResult is returned by Reset.
type ResetResult struct {
	NextSkip    int
	CachedCount int
}

// PageResult is the outcome of one forward sync step.
type PageResult struct {
	NextSkip    int
	Total       int
	Complete    bool
	CachedCount int
	Fetched     int
}

// RefreshResult is the outcome of one engagement refresh batch.
type RefreshResult struct {
	NextOffset  int
	TotalCached int
	Complete    bool
	Refreshed   int
	Failed      int
}

// Engine runs sync and refresh steps against a remote and a store.
type Engine struct {
	remote Remote
	store  Store
	cfg    config.SyncConfig

	syncMu    gosync.Mutex // forward steps and reset
	refreshMu gosync.Mutex // refresh batches
}

// NewEngine creates a new sync engine.
func NewEngine(store Store, remote Remote, cfg config.SyncConfig) *Engine {
	return &Engine{
		remote: remote,
		store:  store,
		cfg:    cfg,
	}
}

// Config returns the sync settings the engine was built with.
func (e *Engine) Config() config.SyncConfig {
	return e.cfg
}

// State reads the cursor and the number of cached families.
func (e *Engine) State(ctx context.Context) (State, error) {
	cursor, err := e.store.ReadCursor(ctx, e.cfg.CursorName)
	if err != nil {
		return State{}, fmt.Errorf("failed to read cursor: %w", err)
	}

	count, err := e.store.CountFamilies(ctx, "")
	if err != nil {
		return State{}, fmt.Errorf("failed to count families: %w", err)
	}

	return State{Cursor: cursor, CachedCount: count}, nil
}

// Reset moves the cursor back to the configured reset offset.
// Cached families are left in place.
func (e *Engine) Reset(ctx context.Context) (ResetResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if err := e.store.WriteCursor(ctx, e.cfg.CursorName, e.cfg.ResetOffset); err != nil {
		return ResetResult{}, fmt.Errorf("failed to reset cursor: %w", err)
	}

	count, err := e.store.CountFamilies(ctx, "")
	if err != nil {
		return ResetResult{}, fmt.Errorf("failed to count families: %w", err)
	}

	logger.Info("sync: cursor %s reset to %d (%d families cached)", e.cfg.CursorName, e.cfg.ResetOffset, count)
	return ResetResult{NextSkip: e.cfg.ResetOffset, CachedCount: count}, nil
}

// SyncPage fetches the page at the cursor, upserts every contact in it and
// advances the cursor. The cursor only moves after the whole page is stored.
func (e *Engine) SyncPage(ctx context.Context) (PageResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	step := uuid.NewString()

	cursor, err := e.store.ReadCursor(ctx, e.cfg.CursorName)
	if err != nil {
		return PageResult{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	skip := 0
	if cursor != nil {
		skip = cursor.LastSyncedCount
	}

	logger.Debug("sync: step %s fetching tag %d skip=%d take=%d", step, e.cfg.TagID, skip, e.cfg.PageSize)

	page, err := e.remote.FetchPage(ctx, e.cfg.TagID, skip, e.cfg.PageSize)
	if err != nil {
		return PageResult{}, fmt.Errorf("failed to fetch page at %d: %w", skip, err)
	}

	for _, contact := range page.Items {
		if err := e.store.UpsertFamily(ctx, familyFromContact(contact)); err != nil {
			return PageResult{}, fmt.Errorf("failed to upsert family %d: %w", contact.ID, err)
		}
	}

	nextSkip := skip + len(page.Items)
	complete := nextSkip >= page.Total

	position := nextSkip
	if complete {
		position = page.Total
	}
	if err := e.store.WriteCursor(ctx, e.cfg.CursorName, position); err != nil {
		return PageResult{}, fmt.Errorf("failed to advance cursor: %w", err)
	}

	count, err := e.store.CountFamilies(ctx, "")
	if err != nil {
		return PageResult{}, fmt.Errorf("failed to count families: %w", err)
	}

	if len(page.Items) == 0 && !complete {
		logger.Warn("sync: step %s got an empty page at %d of %d", step, skip, page.Total)
	}
	logger.Info("sync: step %s stored %d contacts, cursor %d/%d", step, len(page.Items), position, page.Total)

	return PageResult{
		NextSkip:    nextSkip,
		Total:       page.Total,
		Complete:    complete,
		CachedCount: count,
		Fetched:     len(page.Items),
	}, nil
}

// RefreshEngagementDates recomputes last_engagement_date for one batch of
// cached families in name order, starting at offset. A failed remote call for
// one family is logged and skipped; missing credentials, storage failures and
// cancellation end the batch.
func (e *Engine) RefreshEngagementDates(ctx context.Context, offset, batchSize int) (RefreshResult, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}

	total, err := e.store.CountFamilies(ctx, "")
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to count families: %w", err)
	}

	families, _, err := e.store.ListFamilies(ctx, cache.ListOptions{Offset: offset, Limit: batchSize})
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to list families: %w", err)
	}

	result := RefreshResult{TotalCached: total}
	for _, family := range families {
		if err := ctx.Err(); err != nil {
			return RefreshResult{}, err
		}

		entries, err := e.remote.FetchCollection(ctx, family.ID, e.cfg.EngagementCollection)
		if err != nil {
			if errors.Is(err, virtuous.ErrNotConfigured) || !virtuous.IsUpstream(err) {
				return RefreshResult{}, fmt.Errorf("failed to fetch engagement for family %d: %w", family.ID, err)
			}
			logger.Warn("sync: engagement for family %d (%s) failed: %v", family.ID, family.Name, err)
			result.Failed++
			continue
		}

		latest := latestDate(entries)
		if latest == "" {
			continue
		}
		if _, err := e.store.SetEngagementDate(ctx, family.ID, latest); err != nil {
			return RefreshResult{}, fmt.Errorf("failed to store engagement date for family %d: %w", family.ID, err)
		}
		result.Refreshed++
	}

	result.NextOffset = offset + len(families)
	result.Complete = result.NextOffset >= total

	logger.Info("sync: refreshed %d engagement dates (%d failed), offset %d/%d",
		result.Refreshed, result.Failed, result.NextOffset, total)
	return result, nil
}

// familyFromContact maps a remote contact to its cached form.
func familyFromContact(c virtuous.Contact) cache.Family {
	return cache.Family{
		ID:          c.ID,
		Name:        c.Name,
		ContactType: c.ContactType,
		CreatedDate: c.CreatedDate,
		Tags:        c.Tags,
	}
}

// latestDate returns the greatest non-empty date. ISO-8601 values in one
// format order correctly as strings.
func latestDate(entries []virtuous.CollectionEntry) string {
	var latest string
	for _, entry := range entries {
		if entry.Date > latest {
			latest = entry.Date
		}
	}
	return latest
}
