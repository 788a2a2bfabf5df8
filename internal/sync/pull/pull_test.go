package pull

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truar/DepotVente-sub001/internal/db"
	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/sync/metadata"
)

type fakeFetcher struct {
	initial    *models.Snapshot
	delta      *models.Snapshot
	err        error
	initials   int
	deltaSince []int64
}

func (f *fakeFetcher) Initial(ctx context.Context) (*models.Snapshot, error) {
	f.initials++
	if f.err != nil {
		return nil, f.err
	}
	return f.initial, nil
}

func (f *fakeFetcher) Delta(ctx context.Context, since int64) (*models.Snapshot, error) {
	f.deltaSince = append(f.deltaSince, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.delta, nil
}

type harness struct {
	fetcher *fakeFetcher
	repo    *db.Repository
	meta    *metadata.Store
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	h := &harness{
		fetcher: &fakeFetcher{},
		repo:    repo,
		meta:    metadata.NewStore(database, "test-machine"),
	}
	h.engine = NewEngine(h.fetcher, h.repo, h.meta)
	return h
}

func article(id, price string, updatedAt int64) models.Article {
	a := models.Article{ID: id, DepositID: "d1", Code: "A-" + id, Price: decimal.RequireFromString(price), Status: models.ArticleAvailable}
	a.UpdatedAt = updatedAt
	return a
}

func TestInitialSyncReplacesAndRecordsLastSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := article("stale", "1", 1)
	require.NoError(t, h.repo.Put(ctx, &stale))

	h.fetcher.initial = &models.Snapshot{
		Articles: []models.Article{article("a1", "10", 50)},
		Contacts: []models.Contact{{ID: "c1", FirstName: "Ada"}},
		SyncedAt: 100,
	}
	res, err := h.engine.InitialSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeInitial, res.Mode)
	assert.Equal(t, 2, res.Rows)

	assert.ErrorIs(t, h.repo.Get(ctx, &models.Article{}, "stale"), db.ErrNotFound)
	var c models.Contact
	require.NoError(t, h.repo.Get(ctx, &c, "c1"))
	assert.Equal(t, "Ada", c.FirstName)

	ms, ok, err := h.meta.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), ms)
}

func TestSoftInitialSyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.initial = &models.Snapshot{Articles: []models.Article{article("a1", "10", 50)}, SyncedAt: 100}

	res, err := h.engine.SoftInitialSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeInitial, res.Mode)

	res, err = h.engine.SoftInitialSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeSkipped, res.Mode)
	assert.Equal(t, 1, h.fetcher.initials, "second call must not refetch")

	n, err := h.repo.Count(ctx, models.CollectionArticles)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeltaMergesChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.initial = &models.Snapshot{
		Articles: []models.Article{article("a1", "10", 50), article("a2", "20", 50)},
		SyncedAt: 100,
	}
	_, err := h.engine.InitialSync(ctx)
	require.NoError(t, err)

	h.fetcher.delta = &models.Snapshot{Articles: []models.Article{article("a1", "15", 150)}, SyncedAt: 200}
	res, err := h.engine.DeltaSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeDelta, res.Mode)
	assert.Equal(t, []int64{100}, h.fetcher.deltaSince)

	var a1, a2 models.Article
	require.NoError(t, h.repo.Get(ctx, &a1, "a1"))
	require.NoError(t, h.repo.Get(ctx, &a2, "a2"))
	assert.True(t, a1.Price.Equal(decimal.NewFromInt(15)), "price = %s", a1.Price)
	assert.True(t, a2.Price.Equal(decimal.NewFromInt(20)), "untouched rows stay")

	ms, _, _ := h.meta.LastSync(ctx)
	assert.Equal(t, int64(200), ms)
}

func TestDeltaWithoutLastSyncFallsBackToInitial(t *testing.T) {
	h := newHarness(t)
	h.fetcher.initial = &models.Snapshot{SyncedAt: 100}

	res, err := h.engine.DeltaSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeInitial, res.Mode)
	assert.Equal(t, 1, h.fetcher.initials)
	assert.Empty(t, h.fetcher.deltaSince)
}

func TestFailedPullKeepsLastSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.meta.SetLastSync(ctx, 100))

	h.fetcher.err = apperrors.New(apperrors.ErrNetwork, "offline")
	_, err := h.engine.DeltaSync(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	ms, ok, _ := h.meta.LastSync(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(100), ms)
}

func TestFailedInitialLeavesLocalData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keep := article("keep", "5", 1)
	require.NoError(t, h.repo.Put(ctx, &keep))

	h.fetcher.err = apperrors.HTTPStatus(500, "")
	_, err := h.engine.InitialSync(ctx)
	require.Error(t, err)

	require.NoError(t, h.repo.Get(ctx, &models.Article{}, "keep"))
	_, ok, _ := h.meta.LastSync(ctx)
	assert.False(t, ok)
}
