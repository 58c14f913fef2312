// Package ranking keeps the persisted ranking table consistent with the
// candidate corpus and the active wanted profile.
package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"cv-match-go/internal/logger"
	"cv-match-go/internal/metrics"
	"cv-match-go/internal/scoring"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/storage/models"
	"cv-match-go/internal/textnorm"
	"cv-match-go/internal/tracing"
)

var rankingTracer = otel.Tracer("cv-match-go/ranking")

// Rebuild consistency strategies.
const (
	// RebuildModePurge deletes the profile's rankings first, then writes
	// the fresh set. Readers may observe a shrinking table mid-rebuild.
	RebuildModePurge = "purge"
	// RebuildModeOverwrite upserts row by row and sweeps stale epochs at
	// the end. Readers never see a partially empty table.
	RebuildModeOverwrite = "overwrite"
)

// ErrNoActiveProfile is returned by operations that need an active wanted
// profile when none exists.
var ErrNoActiveProfile = errors.New("no active profile")

// ProfileStore is the profile persistence the synchronizer depends on.
type ProfileStore interface {
	GetProfileByID(ctx context.Context, profileID string) (*models.Profile, error)
	GetActiveProfile(ctx context.Context) (*models.Profile, error)
	BumpRebuildEpoch(ctx context.Context, profileID string) (uint64, error)
}

// CandidateStore is the candidate persistence the synchronizer depends on.
type CandidateStore interface {
	GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error)
	ListCandidatesInBatches(ctx context.Context, batchSize int, fn func(batch []models.Candidate) error) error
}

// RankingStore is the ranking persistence the synchronizer depends on.
type RankingStore interface {
	UpsertRanking(ctx context.Context, ranking *models.Ranking) (bool, error)
	BatchUpsertRankings(ctx context.Context, rankings []models.Ranking) error
	DeleteRankingsByProfile(ctx context.Context, profileID string) error
	DeleteStaleRankings(ctx context.Context, profileID string, epoch uint64) error
	ListRankings(ctx context.Context, profileID string, limit, offset int) ([]models.Ranking, error)
	CountRankings(ctx context.Context, profileID string) (int64, error)
}

// Locker serializes full rebuilds per profile.
type Locker interface {
	AcquireRebuildLock(ctx context.Context, profileID string, ttl time.Duration) (string, error)
	ReleaseRebuildLock(ctx context.Context, profileID string, token string) error
}

// Synchronizer recomputes and persists rankings. All score computation is
// funneled through one code path, so a single-candidate upsert and a full
// rebuild can never disagree on a score.
type Synchronizer struct {
	profiles   ProfileStore
	candidates CandidateStore
	rankings   RankingStore
	locker     Locker

	weights   scoring.Weights
	mode      string
	batchSize int
	lockTTL   time.Duration
	metrics   *metrics.Metrics
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithRebuildMode selects the rebuild consistency strategy.
func WithRebuildMode(mode string) Option {
	return func(s *Synchronizer) {
		if mode != "" {
			s.mode = mode
		}
	}
}

// WithBatchSize sets the rebuild batch size.
func WithBatchSize(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLocker installs a distributed lock around full rebuilds.
func WithLocker(locker Locker) Option {
	return func(s *Synchronizer) {
		s.locker = locker
	}
}

// WithMetrics installs ranking metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// NewSynchronizer wires a Synchronizer. The weights must already be
// validated; configuration loading rejects bad weights before this point.
func NewSynchronizer(profiles ProfileStore, candidates CandidateStore, rankings RankingStore, weights scoring.Weights, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		profiles:   profiles,
		candidates: candidates,
		rankings:   rankings,
		weights:    weights,
		mode:       RebuildModePurge,
		batchSize:  200,
		lockTTL:    10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// profileSides converts a stored profile into scoring inputs. Computed once
// per rebuild.
func profileSides(p *models.Profile) (scoring.Sides, error) {
	vector, err := models.JSONToVector(p.Vector)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("profile %s vector: %w", p.ProfileID, err)
	}

	education, err := models.JSONToStrings(p.RequiredEducation)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("profile %s education: %w", p.ProfileID, err)
	}
	skills, err := models.JSONToStrings(p.RequiredAttributes)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("profile %s attributes: %w", p.ProfileID, err)
	}
	experience, err := models.JSONToStrings(p.RequiredExperience)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("profile %s experience: %w", p.ProfileID, err)
	}
	languages, err := models.JSONToStrings(p.RequiredLanguages)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("profile %s languages: %w", p.ProfileID, err)
	}

	return scoring.Sides{
		Vector:     vector,
		VectorNorm: similarity.Norm(vector),
		Education:  textnorm.TokensFromSlice(education),
		Skills:     textnorm.TokensFromSlice(skills),
		Experience: textnorm.TokensFromSlice(experience),
		Languages:  textnorm.TokensFromSlice(languages),
	}, nil
}

// candidateSides converts a stored candidate into scoring inputs. Token
// normalization is idempotent, so re-normalizing stored tokens is safe and
// keeps rows written under older token tables comparable.
func candidateSides(c *models.Candidate) (scoring.Sides, error) {
	vector, err := models.JSONToVector(c.Vector)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("candidate %s vector: %w", c.CandidateID, err)
	}

	education, err := models.JSONToStrings(c.TokensEducation)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("candidate %s education: %w", c.CandidateID, err)
	}
	skills, err := models.JSONToStrings(c.TokensSkills)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("candidate %s skills: %w", c.CandidateID, err)
	}
	experience, err := models.JSONToStrings(c.TokensExperience)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("candidate %s experience: %w", c.CandidateID, err)
	}
	languages, err := models.JSONToStrings(c.TokensLanguages)
	if err != nil {
		return scoring.Sides{}, fmt.Errorf("candidate %s languages: %w", c.CandidateID, err)
	}

	return scoring.Sides{
		Vector:     vector,
		VectorNorm: c.VectorNorm,
		Education:  textnorm.TokensFromSlice(education),
		Skills:     textnorm.TokensFromSlice(skills),
		Experience: textnorm.TokensFromSlice(experience),
		Languages:  textnorm.TokensFromSlice(languages),
	}, nil
}

// buildRanking scores one candidate against one profile and assembles the
// persistable row.
func (s *Synchronizer) buildRanking(profile *models.Profile, profileSide scoring.Sides, candidate *models.Candidate, epoch uint64) (*models.Ranking, error) {
	candidateSide, err := candidateSides(candidate)
	if err != nil {
		return nil, err
	}

	breakdown := scoring.Compose(profileSide, candidateSide, s.weights)

	weightsJSON, err := models.ToJSON(models.WeightSnapshot{
		Alpha:      s.weights.Alpha,
		Skills:     s.weights.Skills,
		Experience: s.weights.Experience,
		Education:  s.weights.Education,
		Languages:  s.weights.Languages,
		Threshold:  s.weights.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize weights: %w", err)
	}

	snapshotJSON, err := models.ToJSON(models.DisplaySnapshot{
		FirstName: candidate.FirstName,
		LastName:  candidate.LastName,
		Email:     candidate.Email,
		CVFileKey: candidate.CVFileKey,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot: %w", err)
	}

	return &models.Ranking{
		ProfileID:   profile.ProfileID,
		CandidateID: candidate.CandidateID,

		Score:                  breakdown.Score,
		ScoreCosine:            breakdown.Cosine,
		ScoreJaccardTotal:      breakdown.JTotal,
		ScoreJaccardSkills:     breakdown.JSkills,
		ScoreJaccardExperience: breakdown.JExperience,
		ScoreJaccardEducation:  breakdown.JEducation,
		ScoreJaccardLanguages:  breakdown.JLanguages,

		Weights:      weightsJSON,
		Snapshot:     snapshotJSON,
		RebuildEpoch: epoch,
	}, nil
}

// UpsertOne recomputes a single (profile, candidate) ranking and persists it
// under the profile's current epoch. Returns whether the row was written; a
// false result with nil error means a newer rebuild already covered it.
func (s *Synchronizer) UpsertOne(ctx context.Context, profileID, candidateID string) (bool, error) {
	ctx, span := rankingTracer.Start(ctx, "Synchronizer.UpsertOne")
	defer span.End()
	span.SetAttributes(
		attribute.String("profile.id", profileID),
		attribute.String("candidate.id", candidateID),
	)

	profile, err := s.profiles.GetProfileByID(ctx, profileID)
	if err != nil {
		// A vanished profile makes the upsert moot, not failed.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Ctx(ctx).Debug().Str("profile_id", profileID).Msg("upsert skipped, profile not found")
			s.observeUpsert("skipped")
			return false, nil
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		s.observeUpsert("failed")
		return false, fmt.Errorf("load profile %s: %w", profileID, err)
	}
	candidate, err := s.candidates.GetCandidateByID(ctx, candidateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Ctx(ctx).Debug().Str("candidate_id", candidateID).Msg("upsert skipped, candidate not found")
			s.observeUpsert("skipped")
			return false, nil
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		s.observeUpsert("failed")
		return false, fmt.Errorf("load candidate %s: %w", candidateID, err)
	}

	// Either side missing its embedding means the pair is not rankable.
	if !profile.HasVector() {
		logger.Ctx(ctx).Debug().Str("profile_id", profileID).Msg("upsert skipped, profile has no embedding")
		s.observeUpsert("skipped")
		return false, nil
	}
	if !candidate.HasVector() {
		logger.Ctx(ctx).Debug().Str("candidate_id", candidateID).Msg("upsert skipped, candidate has no embedding")
		s.observeUpsert("skipped")
		return false, nil
	}

	profileSide, err := profileSides(profile)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		s.observeUpsert("failed")
		return false, err
	}

	row, err := s.buildRanking(profile, profileSide, candidate, profile.RebuildEpoch)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		s.observeUpsert("failed")
		return false, err
	}

	written, err := s.rankings.UpsertRanking(ctx, row)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		s.observeUpsert("failed")
		return false, err
	}

	if written {
		s.observeUpsert("written")
	} else {
		s.observeUpsert("skipped")
	}
	span.SetAttributes(attribute.Bool("ranking.written", written))
	span.SetStatus(codes.Ok, "")
	return written, nil
}

// UpsertForActive ranks one candidate against the active profile. Returns
// ErrNoActiveProfile when no profile is active; callers on the upload path
// treat that as a no-op.
func (s *Synchronizer) UpsertForActive(ctx context.Context, candidateID string) (bool, error) {
	profile, err := s.profiles.GetActiveProfile(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNoActiveProfile
		}
		return false, fmt.Errorf("load active profile: %w", err)
	}
	return s.UpsertOne(ctx, profile.ProfileID, candidateID)
}

// RebuildResult summarizes one full rebuild.
type RebuildResult struct {
	ProfileID string
	Epoch     uint64
	Total     int
	Written   int
	Skipped   int
	Duration  time.Duration
}

// RebuildAll recomputes every ranking row of one profile under a fresh
// epoch. Only candidates with a usable embedding are ranked; candidates
// that fail to score are skipped and counted, never aborting the rebuild. Concurrent rebuilds of the same profile are
// serialized through the locker when one is installed.
func (s *Synchronizer) RebuildAll(ctx context.Context, profileID string) (*RebuildResult, error) {
	ctx, span := rankingTracer.Start(ctx, "Synchronizer.RebuildAll")
	defer span.End()
	span.SetAttributes(
		attribute.String("profile.id", profileID),
		attribute.String("rebuild.mode", s.mode),
	)

	start := time.Now()

	if s.locker != nil {
		token, err := s.locker.AcquireRebuildLock(ctx, profileID, s.lockTTL)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
			s.observeRebuild("locked", time.Since(start), 0)
			return nil, fmt.Errorf("acquire rebuild lock for %s: %w", profileID, err)
		}
		defer func() {
			if err := s.locker.ReleaseRebuildLock(context.WithoutCancel(ctx), profileID, token); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("profile_id", profileID).Msg("failed to release rebuild lock")
			}
		}()
	}

	profile, err := s.profiles.GetProfileByID(ctx, profileID)
	if err != nil {
		// A rebuild for a deleted profile must settle, not requeue forever.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Ctx(ctx).Warn().Str("profile_id", profileID).Msg("rebuild dropped, profile not found")
			s.observeRebuild("skipped", time.Since(start), 0)
			return &RebuildResult{ProfileID: profileID, Duration: time.Since(start)}, nil
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		s.observeRebuild("failed", time.Since(start), 0)
		return nil, fmt.Errorf("load profile %s: %w", profileID, err)
	}

	epoch, err := s.profiles.BumpRebuildEpoch(ctx, profileID)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		s.observeRebuild("failed", time.Since(start), 0)
		return nil, fmt.Errorf("bump rebuild epoch for %s: %w", profileID, err)
	}
	span.SetAttributes(attribute.Int64("rebuild.epoch", int64(epoch)))

	profileSide, err := profileSides(profile)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		s.observeRebuild("failed", time.Since(start), 0)
		return nil, err
	}

	if s.mode == RebuildModePurge {
		if err := s.rankings.DeleteRankingsByProfile(ctx, profileID); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			s.observeRebuild("failed", time.Since(start), 0)
			return nil, fmt.Errorf("purge rankings for %s: %w", profileID, err)
		}
	}

	result := &RebuildResult{ProfileID: profileID, Epoch: epoch}

	// A profile without an embedding produces no rankings at all. Its stale
	// rows are already purged above, or swept here under the fresh epoch.
	if !profile.HasVector() {
		if s.mode == RebuildModeOverwrite {
			if err := s.rankings.DeleteStaleRankings(ctx, profileID, epoch); err != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeDB)
				s.observeRebuild("failed", time.Since(start), 0)
				return nil, fmt.Errorf("sweep stale rankings for %s: %w", profileID, err)
			}
		}
		result.Duration = time.Since(start)
		s.observeRebuild("ok", result.Duration, 0)
		logger.Ctx(ctx).Info().
			Str("profile_id", profileID).
			Uint64("epoch", epoch).
			Msg("profile has no embedding, rankings cleared")
		span.SetStatus(codes.Ok, "")
		return result, nil
	}

	err = s.candidates.ListCandidatesInBatches(ctx, s.batchSize, func(batch []models.Candidate) error {
		rows := make([]models.Ranking, 0, len(batch))
		for i := range batch {
			// Candidates without a usable embedding are not ranked and do
			// not count toward the rebuild.
			if !batch[i].HasVector() {
				logger.Ctx(ctx).Debug().
					Str("profile_id", profileID).
					Str("candidate_id", batch[i].CandidateID).
					Msg("candidate has no embedding, not ranked")
				continue
			}
			result.Total++
			row, buildErr := s.buildRanking(profile, profileSide, &batch[i], epoch)
			if buildErr != nil {
				result.Skipped++
				logger.Ctx(ctx).Warn().
					Err(buildErr).
					Str("profile_id", profileID).
					Str("candidate_id", batch[i].CandidateID).
					Msg("skipping candidate during rebuild")
				continue
			}
			rows = append(rows, *row)
		}
		if len(rows) == 0 {
			return nil
		}
		if upErr := s.rankings.BatchUpsertRankings(ctx, rows); upErr != nil {
			return fmt.Errorf("write rebuild batch: %w", upErr)
		}
		result.Written += len(rows)
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		s.observeRebuild("failed", time.Since(start), result.Total)
		return nil, err
	}

	if s.mode == RebuildModeOverwrite {
		if err := s.rankings.DeleteStaleRankings(ctx, profileID, epoch); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			s.observeRebuild("failed", time.Since(start), result.Total)
			return nil, fmt.Errorf("sweep stale rankings for %s: %w", profileID, err)
		}
	}

	result.Duration = time.Since(start)
	s.observeRebuild("ok", result.Duration, result.Total)

	span.SetAttributes(
		attribute.Int("rebuild.total", result.Total),
		attribute.Int("rebuild.written", result.Written),
		attribute.Int("rebuild.skipped", result.Skipped),
	)
	span.SetStatus(codes.Ok, "")

	logger.Ctx(ctx).Info().
		Str("profile_id", profileID).
		Uint64("epoch", epoch).
		Int("total", result.Total).
		Int("written", result.Written).
		Int("skipped", result.Skipped).
		Dur("duration", result.Duration).
		Msg("ranking rebuild completed")

	return result, nil
}

// RankedCandidate is one row of a ranking read, with the display snapshot
// decoded.
type RankedCandidate struct {
	CandidateID string
	FirstName   string
	LastName    string
	Email       string
	CVFileKey   string

	Score       float64
	Cosine      float64
	JTotal      float64
	JSkills     float64
	JExperience float64
	JEducation  float64
	JLanguages  float64
}

// ReadRanking returns one page of a profile's ranking ordered best first.
func (s *Synchronizer) ReadRanking(ctx context.Context, profileID string, limit, offset int) ([]RankedCandidate, error) {
	rows, err := s.rankings.ListRankings(ctx, profileID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list rankings for %s: %w", profileID, err)
	}

	out := make([]RankedCandidate, 0, len(rows))
	for _, row := range rows {
		rc := RankedCandidate{
			CandidateID: row.CandidateID,
			Score:       row.Score,
			Cosine:      row.ScoreCosine,
			JTotal:      row.ScoreJaccardTotal,
			JSkills:     row.ScoreJaccardSkills,
			JExperience: row.ScoreJaccardExperience,
			JEducation:  row.ScoreJaccardEducation,
			JLanguages:  row.ScoreJaccardLanguages,
		}
		if len(row.Snapshot) > 0 {
			var snap models.DisplaySnapshot
			if err := json.Unmarshal(row.Snapshot, &snap); err == nil {
				rc.FirstName = snap.FirstName
				rc.LastName = snap.LastName
				rc.Email = snap.Email
				rc.CVFileKey = snap.CVFileKey
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

// Count returns the number of ranked candidates for one profile.
func (s *Synchronizer) Count(ctx context.Context, profileID string) (int64, error) {
	return s.rankings.CountRankings(ctx, profileID)
}

func (s *Synchronizer) observeUpsert(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveUpsert(outcome)
	}
}

func (s *Synchronizer) observeRebuild(outcome string, d time.Duration, candidates int) {
	if s.metrics != nil {
		s.metrics.ObserveRebuild(outcome, d.Seconds(), candidates)
	}
}
