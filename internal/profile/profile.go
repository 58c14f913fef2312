// Package profile manages wanted profiles: the hiring targets candidates
// are ranked against.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"cv-match-go/internal/constants"
	"cv-match-go/internal/embedding"
	"cv-match-go/internal/logger"
	"cv-match-go/internal/ranking"
	"cv-match-go/internal/storage"
	"cv-match-go/internal/storage/models"
	"cv-match-go/internal/tracing"
)

var profileTracer = otel.Tracer("cv-match-go/profile")

// ErrNoActiveProfile mirrors the ranking package so callers holding only a
// profile.Service see one error identity.
var ErrNoActiveProfile = ranking.ErrNoActiveProfile

// Store is the profile persistence the service depends on.
type Store interface {
	CreateProfile(ctx context.Context, profile *models.Profile) error
	GetProfileByID(ctx context.Context, profileID string) (*models.Profile, error)
	GetActiveProfile(ctx context.Context) (*models.Profile, error)
	ActivateProfile(ctx context.Context, profileID string) error
}

// Cache is the active-profile cache.
type Cache interface {
	CacheActiveProfile(ctx context.Context, profile *models.Profile) error
	GetCachedActiveProfile(ctx context.Context) (*models.Profile, error)
	InvalidateActiveProfile(ctx context.Context) error
}

// Publisher is the queue side used to hand off rebuild tasks.
type Publisher interface {
	EnsureExchange(exchangeName, exchangeType string, durable bool) error
	EnsureQueue(queueName string, durable bool) error
	BindQueue(queueName, exchangeName, routingKey string) error
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error
}

// Service owns the profile lifecycle. Profiles are immutable once created;
// changing requirements means submitting a new profile and activating it.
type Service struct {
	store     Store
	cache     Cache
	publisher Publisher
	embedder  embedding.Embedder
}

// NewService wires a profile Service. cache, publisher and embedder may be
// nil; the corresponding behavior degrades gracefully.
func NewService(store Store, cache Cache, publisher Publisher, em embedding.Embedder) *Service {
	return &Service{
		store:     store,
		cache:     cache,
		publisher: publisher,
		embedder:  em,
	}
}

// CreateInput describes one wanted profile submission.
type CreateInput struct {
	Owner      string
	Position   string
	Education  []string
	Attributes []string
	Experience []string
	Languages  []string
	// Activate makes the new profile the active one immediately.
	Activate bool
}

// Create persists a new wanted profile. When the embedding provider is
// unavailable the profile is stored without a vector and scores on tokens
// alone.
func (s *Service) Create(ctx context.Context, input CreateInput) (*models.Profile, error) {
	ctx, span := profileTracer.Start(ctx, "ProfileService.Create")
	defer span.End()

	if input.Position == "" {
		err := errors.New("profile position is required")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}

	education, err := models.StringsToJSON(input.Education)
	if err != nil {
		return nil, fmt.Errorf("serialize education: %w", err)
	}
	attributes, err := models.StringsToJSON(input.Attributes)
	if err != nil {
		return nil, fmt.Errorf("serialize attributes: %w", err)
	}
	experience, err := models.StringsToJSON(input.Experience)
	if err != nil {
		return nil, fmt.Errorf("serialize experience: %w", err)
	}
	languages, err := models.StringsToJSON(input.Languages)
	if err != nil {
		return nil, fmt.Errorf("serialize languages: %w", err)
	}

	profile := &models.Profile{
		ProfileID:          uuid.NewString(),
		Owner:              input.Owner,
		Position:           input.Position,
		RequiredEducation:  education,
		RequiredAttributes: attributes,
		RequiredExperience: experience,
		RequiredLanguages:  languages,
		ProfileText:        profileText(input),
	}

	if s.embedder != nil {
		vector, err := s.embedder.Embed(ctx, profile.ProfileText)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("profile_id", profile.ProfileID).
				Msg("embedding failed, profile stored without a vector")
		} else if len(vector) > 0 {
			vectorJSON, err := models.VectorToJSON(vector)
			if err != nil {
				return nil, fmt.Errorf("serialize vector: %w", err)
			}
			profile.Vector = vectorJSON
		}
	}

	if err := s.store.CreateProfile(ctx, profile); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, fmt.Errorf("persist profile: %w", err)
	}
	span.SetAttributes(attribute.String("profile.id", profile.ProfileID))

	logger.Ctx(ctx).Info().
		Str("profile_id", profile.ProfileID).
		Str("position", profile.Position).
		Bool("has_vector", len(profile.Vector) > 0).
		Msg("profile created")

	if input.Activate {
		if err := s.activate(ctx, profile, "profile_created"); err != nil {
			return nil, err
		}
	}

	span.SetStatus(codes.Ok, "")
	return profile, nil
}

// profileText assembles the text the profile vector is computed from. The
// wording mirrors the candidate side so both embeddings live in the same
// neighborhood of the space.
func profileText(input CreateInput) string {
	parts := []string{"puesto: " + input.Position}
	appendJoined := func(label string, values []string) {
		if len(values) > 0 {
			parts = append(parts, label+": "+strings.Join(values, ", "))
		}
	}
	appendJoined("educacion", input.Education)
	appendJoined("habilidades", input.Attributes)
	appendJoined("experiencia", input.Experience)
	appendJoined("idiomas", input.Languages)
	return strings.Join(parts, "\n")
}

// GetActive returns the active profile, reading through the cache.
func (s *Service) GetActive(ctx context.Context) (*models.Profile, error) {
	if s.cache != nil {
		cached, err := s.cache.GetCachedActiveProfile(ctx)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Msg("active profile cache read failed")
		}
	}

	profile, err := s.store.GetActiveProfile(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveProfile
		}
		return nil, fmt.Errorf("load active profile: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.CacheActiveProfile(ctx, profile); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("active profile cache write failed")
		}
	}
	return profile, nil
}

// Get returns one profile by id.
func (s *Service) Get(ctx context.Context, profileID string) (*models.Profile, error) {
	return s.store.GetProfileByID(ctx, profileID)
}

// Activate switches the active profile and schedules a full ranking rebuild
// for it.
func (s *Service) Activate(ctx context.Context, profileID string) error {
	profile, err := s.store.GetProfileByID(ctx, profileID)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", profileID, err)
	}
	return s.activate(ctx, profile, "profile_activated")
}

func (s *Service) activate(ctx context.Context, profile *models.Profile, reason string) error {
	ctx, span := profileTracer.Start(ctx, "ProfileService.Activate")
	defer span.End()
	span.SetAttributes(attribute.String("profile.id", profile.ProfileID))

	if err := s.store.ActivateProfile(ctx, profile.ProfileID); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return fmt.Errorf("activate profile %s: %w", profile.ProfileID, err)
	}
	profile.Active = true

	if s.cache != nil {
		// Drop the stale entry rather than writing the new one; the next
		// read repopulates it with the persisted row.
		if err := s.cache.InvalidateActiveProfile(ctx); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("active profile cache invalidation failed")
		}
	}

	if err := s.RequestRebuild(ctx, profile.ProfileID, reason); err != nil {
		// Activation already committed; rankings catch up on the next
		// rebuild request.
		logger.Ctx(ctx).Error().Err(err).
			Str("profile_id", profile.ProfileID).
			Msg("failed to schedule ranking rebuild")
	}

	logger.Ctx(ctx).Info().
		Str("profile_id", profile.ProfileID).
		Str("reason", reason).
		Msg("profile activated")
	return nil
}

// RequestRebuild publishes a rebuild task for one profile. The exchange,
// queue and binding are declared idempotently before the first publish.
func (s *Service) RequestRebuild(ctx context.Context, profileID, reason string) error {
	if s.publisher == nil {
		return errors.New("no message queue configured")
	}

	if err := s.declareRebuildTopology(); err != nil {
		return err
	}

	task := storage.RebuildTask{
		ProfileID:   profileID,
		RequestedAt: time.Now().UTC(),
		Reason:      reason,
	}
	if err := s.publisher.PublishJSON(ctx, constants.RebuildExchangeName,
		constants.RebuildRoutingKey, task, true); err != nil {
		return fmt.Errorf("publish rebuild task: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("profile_id", profileID).
		Str("reason", reason).
		Msg("rebuild task published")
	return nil
}

func (s *Service) declareRebuildTopology() error {
	if err := s.publisher.EnsureExchange(constants.RebuildExchangeName, "direct", true); err != nil {
		return fmt.Errorf("declare rebuild exchange: %w", err)
	}
	if err := s.publisher.EnsureQueue(constants.RebuildQueueName, true); err != nil {
		return fmt.Errorf("declare rebuild queue: %w", err)
	}
	if err := s.publisher.BindQueue(constants.RebuildQueueName,
		constants.RebuildExchangeName, constants.RebuildRoutingKey); err != nil {
		return fmt.Errorf("bind rebuild queue: %w", err)
	}
	return nil
}
