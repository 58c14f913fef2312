// Package candidate implements the CV ingestion side of the engine: upload,
// analysis, token and vector extraction, and candidate lifecycle.
package candidate

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"

	"cv-match-go/internal/analyzer"
	"cv-match-go/internal/constants"
	"cv-match-go/internal/embedding"
	"cv-match-go/internal/logger"
	"cv-match-go/internal/metrics"
	"cv-match-go/internal/ranking"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/storage"
	"cv-match-go/internal/storage/models"
	"cv-match-go/internal/textnorm"
	"cv-match-go/internal/tracing"
)

var candidateTracer = otel.Tracer("cv-match-go/candidate")

var (
	// ErrDuplicateFile is returned when the exact same file was uploaded
	// before.
	ErrDuplicateFile = errors.New("duplicate CV file")
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("empty CV file")
)

// Store is the candidate persistence the service depends on.
type Store interface {
	CreateCandidate(ctx context.Context, candidate *models.Candidate) error
	GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error)
	GetCandidateByEmail(ctx context.Context, email string) (*models.Candidate, error)
	UpdateCandidateFields(ctx context.Context, candidateID string, updates map[string]interface{}) error
	DeleteCandidate(ctx context.Context, candidateID string) error
	CountCandidates(ctx context.Context) (int64, error)
}

// Deduper tracks uploaded file digests.
type Deduper interface {
	CheckAndAddFileMD5(ctx context.Context, md5Hex string) (bool, error)
	RemoveFileMD5(ctx context.Context, md5Hex string) error
}

// BlobStore is the CV file storage the service depends on.
type BlobStore interface {
	UploadCVFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error)
	GetCVFile(ctx context.Context, objectKey string) ([]byte, error)
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	DeleteCVFile(ctx context.Context, objectKey string) error
}

// Ranker is the ranking hook invoked after candidate mutations.
type Ranker interface {
	UpsertForActive(ctx context.Context, candidateID string) (bool, error)
}

// EventPublisher announces ingestion events on the message bus.
type EventPublisher interface {
	EnsureExchange(exchangeName, exchangeType string, durable bool) error
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error
}

// Service owns the candidate lifecycle.
type Service struct {
	store    Store
	dedup    Deduper
	blobs    BlobStore
	analyzer analyzer.Analyzer
	embedder embedding.Embedder
	ranker   Ranker
	events   EventPublisher
	metrics  *metrics.Metrics
}

// NewService wires a candidate Service. dedup, blobs, ranker, events and
// metrics may be nil; the corresponding steps are skipped.
func NewService(store Store, dedup Deduper, blobs BlobStore, an analyzer.Analyzer, em embedding.Embedder, ranker Ranker, events EventPublisher, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		dedup:    dedup,
		blobs:    blobs,
		analyzer: an,
		embedder: em,
		ranker:   ranker,
		events:   events,
		metrics:  m,
	}
}

// UploadInput carries one CV upload.
type UploadInput struct {
	FileName string
	Content  []byte
	// RawText optionally supplies the CV text directly, skipping analyzer
	// text extraction as the embedding source.
	RawText string
}

// Upload ingests one CV: dedup check, blob upload, field extraction, token
// normalization, embedding and persistence. The new candidate is ranked
// against the active profile when one exists.
//
// A failed embedding still persists the candidate, who stays out of the
// ranking until a reupload supplies a vector; an analyzer failure aborts and
// rolls the dedup entry back so the file can be retried.
func (s *Service) Upload(ctx context.Context, input UploadInput) (*models.Candidate, error) {
	ctx, span := candidateTracer.Start(ctx, "CandidateService.Upload")
	defer span.End()
	span.SetAttributes(attribute.Int("upload.bytes", len(input.Content)))

	if len(input.Content) == 0 {
		s.observeUpload("rejected")
		tracing.RecordError(span, ErrEmptyFile, tracing.ErrorTypeValidation)
		return nil, ErrEmptyFile
	}
	if s.analyzer == nil {
		err := errors.New("no document analyzer configured")
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return nil, err
	}

	sum := md5.Sum(input.Content)
	md5Hex := hex.EncodeToString(sum[:])

	if s.dedup != nil {
		duplicate, err := s.dedup.CheckAndAddFileMD5(ctx, md5Hex)
		if err != nil {
			s.observeUpload("failed")
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if duplicate {
			s.observeUpload("duplicate")
			span.SetStatus(codes.Ok, "duplicate upload")
			return nil, ErrDuplicateFile
		}
	}

	candidateID := uuid.NewString()

	rollbackDedup := func() {
		if s.dedup == nil {
			return
		}
		if err := s.dedup.RemoveFileMD5(context.WithoutCancel(ctx), md5Hex); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to roll back dedup entry")
		}
	}

	var objectKey string
	if s.blobs != nil {
		var err error
		objectKey, err = s.blobs.UploadCVFile(ctx, candidateID, filepath.Ext(input.FileName),
			bytes.NewReader(input.Content), int64(len(input.Content)))
		if err != nil {
			rollbackDedup()
			s.observeUpload("failed")
			tracing.RecordError(span, err, tracing.ErrorTypeBlobStore)
			return nil, fmt.Errorf("store CV file: %w", err)
		}
	}

	fields, err := s.analyzer.ExtractFields(ctx, input.FileName, input.Content)
	if err != nil {
		rollbackDedup()
		s.observeUpload("failed")
		tracing.RecordError(span, err, tracing.ErrorTypeAnalyzer)
		return nil, fmt.Errorf("analyze CV: %w", err)
	}

	candidate, err := s.assembleCandidate(ctx, candidateID, objectKey, md5Hex, fields, input.RawText)
	if err != nil {
		rollbackDedup()
		s.observeUpload("failed")
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return nil, err
	}

	if err := s.store.CreateCandidate(ctx, candidate); err != nil {
		rollbackDedup()
		s.observeUpload("failed")
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, fmt.Errorf("persist candidate: %w", err)
	}

	s.rankAgainstActive(ctx, candidate.CandidateID)
	s.announceUpload(ctx, candidate)

	s.observeUpload("ok")
	span.SetAttributes(attribute.String("candidate.id", candidate.CandidateID))
	span.SetStatus(codes.Ok, "")

	logger.Ctx(ctx).Info().
		Str("candidate_id", candidate.CandidateID).
		Str("cv_file_key", candidate.CVFileKey).
		Str("vector_source", candidate.VectorSource).
		Bool("has_vector", candidate.HasVector()).
		Msg("candidate ingested")

	return candidate, nil
}

// assembleCandidate turns extracted fields into a persistable candidate,
// including normalized tokens and the embedding.
func (s *Service) assembleCandidate(ctx context.Context, candidateID, objectKey, md5Hex string, fields *analyzer.Fields, rawText string) (*models.Candidate, error) {
	tokensEducation, err := models.StringsToJSON(textnorm.TokensFromSlice(fields.Education).Sorted())
	if err != nil {
		return nil, fmt.Errorf("serialize education tokens: %w", err)
	}
	tokensSkills, err := models.StringsToJSON(textnorm.TokensFromSlice(fields.Skills).Sorted())
	if err != nil {
		return nil, fmt.Errorf("serialize skill tokens: %w", err)
	}
	tokensExperience, err := models.StringsToJSON(textnorm.TokensFromSlice(fields.Experience).Sorted())
	if err != nil {
		return nil, fmt.Errorf("serialize experience tokens: %w", err)
	}
	tokensLanguages, err := models.StringsToJSON(textnorm.TokensFromSlice(fields.Languages).Sorted())
	if err != nil {
		return nil, fmt.Errorf("serialize language tokens: %w", err)
	}

	analyzerJSON, err := models.ToJSON(map[string]interface{}{
		"education":  fields.Education,
		"skills":     fields.Skills,
		"experience": fields.Experience,
		"languages":  fields.Languages,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize analyzer fields: %w", err)
	}

	embedText, vectorSource := embeddingText(fields, rawText)

	candidate := &models.Candidate{
		CandidateID: candidateID,
		FirstName:   fields.FirstName,
		LastName:    fields.LastName,
		Email:       fields.Email,
		City:        fields.City,
		Address:     fields.Address,
		Age:         fields.Age,

		CVFileKey:       objectKey,
		CVFileMD5:       md5Hex,
		CVText:          embedText,
		AnalyzerFields:  analyzerJSON,
		AnalyzerVersion: analyzerVersion(s.analyzer),

		TokensEducation:  tokensEducation,
		TokensSkills:     tokensSkills,
		TokensExperience: tokensExperience,
		TokensLanguages:  tokensLanguages,
	}

	if fields.BirthDate != "" {
		if t, err := time.Parse("2006-01-02", fields.BirthDate); err == nil {
			d := datatypes.Date(t)
			candidate.BirthDate = &d
		}
	}

	if s.embedder != nil && embedText != "" {
		vector, err := s.embedder.Embed(ctx, embedText)
		if err != nil {
			// Persist anyway; a vectorless candidate is simply not ranked.
			logger.Ctx(ctx).Warn().Err(err).
				Str("candidate_id", candidateID).
				Msg("embedding failed, candidate stored without a vector")
		} else if len(vector) > 0 {
			vectorJSON, err := models.VectorToJSON(vector)
			if err != nil {
				return nil, fmt.Errorf("serialize vector: %w", err)
			}
			candidate.Vector = vectorJSON
			candidate.VectorNorm = similarity.Norm(vector)
			candidate.VectorSource = vectorSource
		}
	}

	return candidate, nil
}

// embeddingText picks the text the candidate vector is computed from,
// preferring caller-supplied raw text, then analyzer-extracted document
// text, then a synthesis of the structured fields.
func embeddingText(fields *analyzer.Fields, rawText string) (string, string) {
	if rawText != "" {
		return rawText, constants.VectorSourceRawText
	}
	if fields.RawText != "" {
		return fields.RawText, constants.VectorSourcePDFText
	}

	var parts []string
	appendJoined := func(label string, values []string) {
		if len(values) > 0 {
			parts = append(parts, label+": "+strings.Join(values, ", "))
		}
	}
	appendJoined("educacion", fields.Education)
	appendJoined("habilidades", fields.Skills)
	appendJoined("experiencia", fields.Experience)
	appendJoined("idiomas", fields.Languages)
	return strings.Join(parts, "\n"), constants.VectorSourceAnalyzer
}

func analyzerVersion(a analyzer.Analyzer) string {
	if a == nil {
		return constants.DefaultAnalyzerVer
	}
	if v := a.Version(); v != "" {
		return v
	}
	return constants.DefaultAnalyzerVer
}

// rankAgainstActive upserts the candidate against the active profile. No
// active profile is a normal state, not an error.
func (s *Service) rankAgainstActive(ctx context.Context, candidateID string) {
	if s.ranker == nil {
		return
	}
	if _, err := s.ranker.UpsertForActive(ctx, candidateID); err != nil {
		if errors.Is(err, ranking.ErrNoActiveProfile) {
			return
		}
		logger.Ctx(ctx).Error().Err(err).
			Str("candidate_id", candidateID).
			Msg("failed to rank candidate against active profile")
	}
}

// announceUpload publishes a stored-CV event. Delivery is best effort; the
// candidate is already persisted when this runs.
func (s *Service) announceUpload(ctx context.Context, candidate *models.Candidate) {
	if s.events == nil {
		return
	}
	if err := s.events.EnsureExchange(constants.EventsExchangeName, "topic", true); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to declare events exchange")
		return
	}
	event := storage.CVUploadedEvent{
		CandidateID: candidate.CandidateID,
		Email:       candidate.Email,
		CVFileKey:   candidate.CVFileKey,
		FileMD5:     candidate.CVFileMD5,
		UploadedAt:  time.Now().UTC(),
	}
	if err := s.events.PublishJSON(ctx, constants.EventsExchangeName,
		constants.CVUploadedRoutingKey, event, true); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("candidate_id", candidate.CandidateID).
			Msg("failed to publish CV uploaded event")
	}
}

// Reupload replaces a candidate's CV identified by email. The previous
// record is kept as history when keepHistory is true, deleted otherwise.
// Either way the newest record wins email lookups by recency.
func (s *Service) Reupload(ctx context.Context, email string, input UploadInput, keepHistory bool) (*models.Candidate, error) {
	previous, err := s.store.GetCandidateByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup candidate by email: %w", err)
	}

	candidate, err := s.Upload(ctx, input)
	if err != nil {
		return nil, err
	}

	if !keepHistory {
		if err := s.removeCandidate(ctx, previous); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("candidate_id", previous.CandidateID).
				Msg("failed to remove superseded candidate record")
		}
	}
	return candidate, nil
}

// PatchContactFields applies a partial update to display fields, then
// refreshes the candidate's ranking row so the persisted snapshot follows.
func (s *Service) PatchContactFields(ctx context.Context, candidateID string, updates map[string]interface{}) error {
	allowed := map[string]bool{
		"first_name": true,
		"last_name":  true,
		"email":      true,
		"city":       true,
		"address":    true,
		"birth_date": true,
		"age":        true,
	}
	filtered := make(map[string]interface{}, len(updates))
	for k, v := range updates {
		if allowed[k] {
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return fmt.Errorf("no patchable fields in update")
	}

	if err := s.store.UpdateCandidateFields(ctx, candidateID, filtered); err != nil {
		return fmt.Errorf("patch candidate %s: %w", candidateID, err)
	}

	// Snapshots denormalize these fields; recompute so readers see the new
	// identity without waiting for the next rebuild.
	s.rankAgainstActive(ctx, candidateID)
	return nil
}

// Delete removes a candidate, its stored CV and its dedup entry.
func (s *Service) Delete(ctx context.Context, candidateID string) error {
	candidate, err := s.store.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return fmt.Errorf("load candidate %s: %w", candidateID, err)
	}
	return s.removeCandidate(ctx, candidate)
}

func (s *Service) removeCandidate(ctx context.Context, candidate *models.Candidate) error {
	if err := s.store.DeleteCandidate(ctx, candidate.CandidateID); err != nil {
		return fmt.Errorf("delete candidate %s: %w", candidate.CandidateID, err)
	}

	if s.blobs != nil && candidate.CVFileKey != "" {
		if err := s.blobs.DeleteCVFile(ctx, candidate.CVFileKey); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("cv_file_key", candidate.CVFileKey).
				Msg("failed to delete CV file")
		}
	}
	if s.dedup != nil && candidate.CVFileMD5 != "" {
		if err := s.dedup.RemoveFileMD5(ctx, candidate.CVFileMD5); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to release dedup entry")
		}
	}
	return nil
}

// GetByEmail returns the most recent candidate record for an email address.
func (s *Service) GetByEmail(ctx context.Context, email string) (*models.Candidate, error) {
	return s.store.GetCandidateByEmail(ctx, email)
}

// Count returns the number of stored candidates.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountCandidates(ctx)
}

// DownloadFile returns the raw bytes of a candidate's stored CV.
func (s *Service) DownloadFile(ctx context.Context, candidateID string) ([]byte, error) {
	candidate, err := s.store.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("load candidate %s: %w", candidateID, err)
	}
	if s.blobs == nil || candidate.CVFileKey == "" {
		return nil, fmt.Errorf("candidate %s has no stored CV", candidateID)
	}
	return s.blobs.GetCVFile(ctx, candidate.CVFileKey)
}

// DownloadURL returns a temporary URL for a candidate's stored CV.
func (s *Service) DownloadURL(ctx context.Context, candidateID string, expiry time.Duration) (string, error) {
	candidate, err := s.store.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return "", fmt.Errorf("load candidate %s: %w", candidateID, err)
	}
	if s.blobs == nil || candidate.CVFileKey == "" {
		return "", fmt.Errorf("candidate %s has no stored CV", candidateID)
	}
	return s.blobs.GetPresignedURL(ctx, candidate.CVFileKey, expiry)
}

func (s *Service) observeUpload(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveUpload(outcome)
	}
}
