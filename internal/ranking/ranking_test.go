package ranking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cv-match-go/internal/scoring"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/storage/models"
)

type fakeStore struct {
	mu         sync.Mutex
	profiles   map[string]*models.Profile
	candidates map[string]*models.Candidate
	rankings   map[string]*models.Ranking // keyed profileID|candidateID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:   make(map[string]*models.Profile),
		candidates: make(map[string]*models.Candidate),
		rankings:   make(map[string]*models.Ranking),
	}
}

func rankingKey(profileID, candidateID string) string {
	return profileID + "|" + candidateID
}

func (f *fakeStore) GetProfileByID(_ context.Context, profileID string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[profileID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetActiveProfile(_ context.Context) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) BumpRebuildEpoch(_ context.Context, profileID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[profileID]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	p.RebuildEpoch++
	return p.RebuildEpoch, nil
}

func (f *fakeStore) GetCandidateByID(_ context.Context, candidateID string) (*models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[candidateID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ListCandidatesInBatches(_ context.Context, batchSize int, fn func(batch []models.Candidate) error) error {
	f.mu.Lock()
	ids := make([]string, 0, len(f.candidates))
	for id := range f.candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	all := make([]models.Candidate, 0, len(ids))
	for _, id := range ids {
		all = append(all, *f.candidates[id])
	}
	f.mu.Unlock()

	for start := 0; start < len(all); start += batchSize {
		end := start + batchSize
		if end > len(all) {
			end = len(all)
		}
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) UpsertRanking(_ context.Context, ranking *models.Ranking) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rankingKey(ranking.ProfileID, ranking.CandidateID)
	if existing, ok := f.rankings[key]; ok && existing.RebuildEpoch > ranking.RebuildEpoch {
		return false, nil
	}
	cp := *ranking
	f.rankings[key] = &cp
	return true, nil
}

func (f *fakeStore) BatchUpsertRankings(_ context.Context, rankings []models.Ranking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range rankings {
		cp := rankings[i]
		f.rankings[rankingKey(cp.ProfileID, cp.CandidateID)] = &cp
	}
	return nil
}

func (f *fakeStore) DeleteRankingsByProfile(_ context.Context, profileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, r := range f.rankings {
		if r.ProfileID == profileID {
			delete(f.rankings, key)
		}
	}
	return nil
}

func (f *fakeStore) DeleteStaleRankings(_ context.Context, profileID string, epoch uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, r := range f.rankings {
		if r.ProfileID == profileID && r.RebuildEpoch < epoch {
			delete(f.rankings, key)
		}
	}
	return nil
}

func (f *fakeStore) ListRankings(_ context.Context, profileID string, limit, offset int) ([]models.Ranking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []models.Ranking
	for _, r := range f.rankings {
		if r.ProfileID == profileID {
			rows = append(rows, *r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].CandidateID < rows[j].CandidateID
	})
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeStore) CountRankings(_ context.Context, profileID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.rankings {
		if r.ProfileID == profileID {
			n++
		}
	}
	return n, nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) AcquireRebuildLock(_ context.Context, profileID string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[profileID]; ok {
		return "", fmt.Errorf("lock already held")
	}
	token := fmt.Sprintf("token-%s", profileID)
	l.held[profileID] = token
	return token, nil
}

func (l *fakeLocker) ReleaseRebuildLock(_ context.Context, profileID string, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[profileID] == token {
		delete(l.held, profileID)
	}
	return nil
}

func mustJSON(t *testing.T, values []string) datatypes.JSON {
	t.Helper()
	data, err := models.StringsToJSON(values)
	require.NoError(t, err)
	return data
}

func mustVector(t *testing.T, v []float32) datatypes.JSON {
	t.Helper()
	data, err := models.VectorToJSON(v)
	require.NoError(t, err)
	return data
}

func testProfile(t *testing.T, id string, active bool) *models.Profile {
	t.Helper()
	return &models.Profile{
		ProfileID:          id,
		Owner:              "hr@example.com",
		Position:           "Desarrollador Backend",
		RequiredEducation:  mustJSON(t, []string{"universidad"}),
		RequiredAttributes: mustJSON(t, []string{"python", "base de datos"}),
		RequiredExperience: mustJSON(t, []string{"liderazgo"}),
		RequiredLanguages:  mustJSON(t, []string{"ingles"}),
		Vector:             mustVector(t, []float32{1, 0, 0}),
		Active:             active,
	}
}

func testCandidate(t *testing.T, id string, skills []string, vector []float32) *models.Candidate {
	t.Helper()
	c := &models.Candidate{
		CandidateID:      id,
		FirstName:        "Ana",
		LastName:         "Gomez",
		Email:            id + "@example.com",
		CVFileKey:        "cvs/2026/01/" + id + ".pdf",
		TokensEducation:  mustJSON(t, []string{"universidad"}),
		TokensSkills:     mustJSON(t, skills),
		TokensExperience: mustJSON(t, []string{"liderazgo"}),
		TokensLanguages:  mustJSON(t, []string{"ingles"}),
	}
	if vector != nil {
		c.Vector = mustVector(t, vector)
		c.VectorNorm = similarity.Norm(vector)
	}
	return c
}

func newTestSynchronizer(store *fakeStore, opts ...Option) *Synchronizer {
	return NewSynchronizer(store, store, store, scoring.DefaultWeights(), opts...)
}

func TestUpsertOne(t *testing.T) {
	ctx := context.Background()

	t.Run("writes a scored row", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})

		s := newTestSynchronizer(store)
		written, err := s.UpsertOne(ctx, "p1", "c1")
		require.NoError(t, err)
		assert.True(t, written)

		row := store.rankings[rankingKey("p1", "c1")]
		require.NotNil(t, row)
		assert.Greater(t, row.Score, 0.0)
		assert.LessOrEqual(t, row.Score, 1.0)
		assert.InDelta(t, 1.0, row.ScoreCosine, 1e-6)
		assert.NotEmpty(t, row.Snapshot)
		assert.NotEmpty(t, row.Weights)
	})

	t.Run("recomputing yields the identical score", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python", "ventas"}, []float32{0.5, 0.5, 0})

		s := newTestSynchronizer(store)
		_, err := s.UpsertOne(ctx, "p1", "c1")
		require.NoError(t, err)
		first := store.rankings[rankingKey("p1", "c1")].Score

		_, err = s.UpsertOne(ctx, "p1", "c1")
		require.NoError(t, err)
		assert.Equal(t, first, store.rankings[rankingKey("p1", "c1")].Score)
	})

	t.Run("skips rows stamped with a newer epoch", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})
		store.rankings[rankingKey("p1", "c1")] = &models.Ranking{
			ProfileID:    "p1",
			CandidateID:  "c1",
			Score:        0.99,
			RebuildEpoch: 5,
		}

		s := newTestSynchronizer(store)
		written, err := s.UpsertOne(ctx, "p1", "c1")
		require.NoError(t, err)
		assert.False(t, written)
		assert.Equal(t, 0.99, store.rankings[rankingKey("p1", "c1")].Score)
	})

	t.Run("unknown profile is a skip, not an error", func(t *testing.T) {
		store := newFakeStore()
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, nil)

		s := newTestSynchronizer(store)
		written, err := s.UpsertOne(ctx, "missing", "c1")
		require.NoError(t, err)
		assert.False(t, written)
		assert.Empty(t, store.rankings)
	})

	t.Run("unknown candidate is a skip, not an error", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)

		s := newTestSynchronizer(store)
		written, err := s.UpsertOne(ctx, "p1", "missing")
		require.NoError(t, err)
		assert.False(t, written)
		assert.Empty(t, store.rankings)
	})

	t.Run("candidate without embedding is a skip", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, nil)

		s := newTestSynchronizer(store)
		written, err := s.UpsertOne(ctx, "p1", "c1")
		require.NoError(t, err)
		assert.False(t, written)
		assert.Empty(t, store.rankings)
	})

	t.Run("profile without embedding is a skip", func(t *testing.T) {
		store := newFakeStore()
		profile := testProfile(t, "p1", true)
		profile.Vector = mustVector(t, nil)
		store.profiles["p1"] = profile
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})

		s := newTestSynchronizer(store)
		written, err := s.UpsertOne(ctx, "p1", "c1")
		require.NoError(t, err)
		assert.False(t, written)
		assert.Empty(t, store.rankings)
	})
}

func TestUpsertForActive(t *testing.T) {
	ctx := context.Background()

	t.Run("ranks against the active profile", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", false)
		store.profiles["p2"] = testProfile(t, "p2", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})

		s := newTestSynchronizer(store)
		written, err := s.UpsertForActive(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, written)
		assert.NotNil(t, store.rankings[rankingKey("p2", "c1")])
		assert.Nil(t, store.rankings[rankingKey("p1", "c1")])
	})

	t.Run("no active profile", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", false)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, nil)

		s := newTestSynchronizer(store)
		_, err := s.UpsertForActive(ctx, "c1")
		assert.ErrorIs(t, err, ErrNoActiveProfile)
	})
}

func TestRebuildAll(t *testing.T) {
	ctx := context.Background()

	t.Run("covers every embedded candidate under a fresh epoch", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("c%d", i)
			store.candidates[id] = testCandidate(t, id, []string{"python"}, []float32{1, 0, 0})
		}
		// No embedding yet, so this one is not ranked and not counted.
		store.candidates["pending"] = testCandidate(t, "pending", []string{"python"}, nil)

		s := newTestSynchronizer(store, WithBatchSize(2))
		result, err := s.RebuildAll(ctx, "p1")
		require.NoError(t, err)

		assert.Equal(t, uint64(1), result.Epoch)
		assert.Equal(t, 5, result.Total)
		assert.Equal(t, 5, result.Written)
		assert.Equal(t, 0, result.Skipped)
		assert.Len(t, store.rankings, 5)
		assert.Nil(t, store.rankings[rankingKey("p1", "pending")])
		for _, r := range store.rankings {
			assert.Equal(t, uint64(1), r.RebuildEpoch)
		}
	})

	t.Run("purge mode drops rows of deleted candidates", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})
		// Row for a candidate that no longer exists.
		store.rankings[rankingKey("p1", "ghost")] = &models.Ranking{
			ProfileID: "p1", CandidateID: "ghost", Score: 0.5,
		}

		s := newTestSynchronizer(store, WithRebuildMode(RebuildModePurge))
		_, err := s.RebuildAll(ctx, "p1")
		require.NoError(t, err)

		assert.Nil(t, store.rankings[rankingKey("p1", "ghost")])
		assert.NotNil(t, store.rankings[rankingKey("p1", "c1")])
	})

	t.Run("overwrite mode sweeps stale epochs", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})
		store.rankings[rankingKey("p1", "ghost")] = &models.Ranking{
			ProfileID: "p1", CandidateID: "ghost", Score: 0.5, RebuildEpoch: 0,
		}

		s := newTestSynchronizer(store, WithRebuildMode(RebuildModeOverwrite))
		result, err := s.RebuildAll(ctx, "p1")
		require.NoError(t, err)

		assert.Nil(t, store.rankings[rankingKey("p1", "ghost")])
		row := store.rankings[rankingKey("p1", "c1")]
		require.NotNil(t, row)
		assert.Equal(t, result.Epoch, row.RebuildEpoch)
	})

	t.Run("profile without embedding purges and writes nothing", func(t *testing.T) {
		store := newFakeStore()
		profile := testProfile(t, "p1", true)
		profile.Vector = mustVector(t, nil)
		store.profiles["p1"] = profile
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})
		store.rankings[rankingKey("p1", "c1")] = &models.Ranking{
			ProfileID: "p1", CandidateID: "c1", Score: 0.9,
		}

		s := newTestSynchronizer(store, WithRebuildMode(RebuildModePurge))
		result, err := s.RebuildAll(ctx, "p1")
		require.NoError(t, err)

		assert.Equal(t, 0, result.Total)
		assert.Equal(t, 0, result.Written)
		assert.Empty(t, store.rankings)
	})

	t.Run("profile without embedding sweeps in overwrite mode", func(t *testing.T) {
		store := newFakeStore()
		profile := testProfile(t, "p1", true)
		profile.Vector = mustVector(t, nil)
		store.profiles["p1"] = profile
		store.rankings[rankingKey("p1", "c1")] = &models.Ranking{
			ProfileID: "p1", CandidateID: "c1", Score: 0.9, RebuildEpoch: 0,
		}

		s := newTestSynchronizer(store, WithRebuildMode(RebuildModeOverwrite))
		result, err := s.RebuildAll(ctx, "p1")
		require.NoError(t, err)

		assert.Equal(t, 0, result.Written)
		assert.Empty(t, store.rankings)
	})

	t.Run("missing profile settles as a no-op", func(t *testing.T) {
		store := newFakeStore()
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})

		s := newTestSynchronizer(store)
		result, err := s.RebuildAll(ctx, "gone")
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, "gone", result.ProfileID)
		assert.Equal(t, 0, result.Total)
		assert.Empty(t, store.rankings)
	})

	t.Run("skips unscorable candidates and continues", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		store.candidates["c1"] = testCandidate(t, "c1", []string{"python"}, []float32{1, 0, 0})
		broken := testCandidate(t, "c2", []string{"python"}, nil)
		broken.Vector = datatypes.JSON(`{"not":"a vector"}`)
		broken.VectorNorm = 1
		store.candidates["c2"] = broken
		store.candidates["c3"] = testCandidate(t, "c3", []string{"ventas"}, []float32{0, 1, 0})

		s := newTestSynchronizer(store)
		result, err := s.RebuildAll(ctx, "p1")
		require.NoError(t, err)

		assert.Equal(t, 3, result.Total)
		assert.Equal(t, 2, result.Written)
		assert.Equal(t, 1, result.Skipped)
		assert.Nil(t, store.rankings[rankingKey("p1", "c2")])
	})

	t.Run("rebuild lock is released afterwards", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		locker := newFakeLocker()

		s := newTestSynchronizer(store, WithLocker(locker))
		_, err := s.RebuildAll(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, locker.held)

		// A second rebuild can acquire the lock again.
		_, err = s.RebuildAll(ctx, "p1")
		require.NoError(t, err)
	})

	t.Run("held lock blocks a concurrent rebuild", func(t *testing.T) {
		store := newFakeStore()
		store.profiles["p1"] = testProfile(t, "p1", true)
		locker := newFakeLocker()
		_, err := locker.AcquireRebuildLock(ctx, "p1", time.Minute)
		require.NoError(t, err)

		s := newTestSynchronizer(store, WithLocker(locker))
		_, err = s.RebuildAll(ctx, "p1")
		assert.Error(t, err)
	})
}

func TestReadRanking(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.profiles["p1"] = testProfile(t, "p1", true)
	// Candidates engineered so scores differ: skills overlap shrinks as the
	// candidate's skill set diverges from the profile's.
	store.candidates["c1"] = testCandidate(t, "c1", []string{"python", "base de datos"}, []float32{1, 0, 0})
	store.candidates["c2"] = testCandidate(t, "c2", []string{"python", "ventas", "marketing"}, []float32{1, 0, 0})
	store.candidates["c3"] = testCandidate(t, "c3", []string{"contabilidad"}, []float32{1, 0, 0})

	s := newTestSynchronizer(store)
	_, err := s.RebuildAll(ctx, "p1")
	require.NoError(t, err)

	rows, err := s.ReadRanking(ctx, "p1", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i-1].Score, rows[i].Score)
	}
	assert.Equal(t, "c1", rows[0].CandidateID)

	// Snapshot fields decode from the persisted row.
	assert.Equal(t, "Ana", rows[0].FirstName)
	assert.Equal(t, "c1@example.com", rows[0].Email)

	// Pagination.
	page, err := s.ReadRanking(ctx, "p1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	count, err := s.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
