package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cv-match-go/internal/config"
	"cv-match-go/internal/storage/models"
)

var mysqlTracer = otel.Tracer("cv-match-go/storage/mysql")

// GormTracingPlugin adds an OpenTelemetry span around every GORM operation.
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	disableErrSkip bool
}

// NewGormTracingPlugin creates the tracing plugin for the named database.
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		disableErrSkip: true,
	}
}

// WithDisableErrSkip toggles tracing of statements running with hooks skipped.
func (p *GormTracingPlugin) WithDisableErrSkip(disable bool) *GormTracingPlugin {
	p.disableErrSkip = disable
	return p
}

// Name returns the plugin name.
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize registers before/after callbacks for every CRUD verb.
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		if sqlStatement := db.Statement.SQL.String(); sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", sqlStatement),
			))
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)
		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// Record-not-found is part of normal control flow.
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.SetAttributes(attribute.String("error.type", "database_error"))
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// MySQL provides relational persistence for profiles, candidates and
// rankings.
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL connects, registers the tracing plugin and migrates the schema.
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL config must not be nil")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("failed to register tracing plugin: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return m, nil
}

// autoMigrateSchema migrates the three engine tables with SQL logging
// silenced; migration DDL is noise at startup.
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger

	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.Profile{},
		&models.Candidate{},
		&models.Ranking{},
	)

	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM auto-migration failed: %w", err)
	}
	return nil
}

// DB returns the underlying GORM handle.
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close closes the connection pool.
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// ---- Profiles ----

// CreateProfile inserts a new search profile.
func (m *MySQL) CreateProfile(ctx context.Context, profile *models.Profile) error {
	return m.db.WithContext(ctx).Create(profile).Error
}

// GetProfileByID fetches one profile.
func (m *MySQL) GetProfileByID(ctx context.Context, profileID string) (*models.Profile, error) {
	var profile models.Profile
	if err := m.db.WithContext(ctx).Where("profile_id = ?", profileID).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetActiveProfile returns the most recently created active profile, or
// gorm.ErrRecordNotFound when none is active.
func (m *MySQL) GetActiveProfile(ctx context.Context) (*models.Profile, error) {
	var profile models.Profile
	err := m.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at DESC").
		First(&profile).Error
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ActivateProfile marks one profile active and deactivates the same owner's
// other profiles inside a single transaction, so each owner has at most one
// active profile at any time. Profiles of other owners are left untouched.
func (m *MySQL) ActivateProfile(ctx context.Context, profileID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile models.Profile
		if err := tx.Select("profile_id", "owner").
			Where("profile_id = ?", profileID).
			First(&profile).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Profile{}).
			Where("profile_id = ?", profileID).
			Update("active", true).Error; err != nil {
			return err
		}
		return tx.Model(&models.Profile{}).
			Where("owner = ?", profile.Owner).
			Where("profile_id <> ?", profileID).
			Where("active = ?", true).
			Update("active", false).Error
	})
}

// BumpRebuildEpoch atomically increments a profile's rebuild epoch and
// returns the new value.
func (m *MySQL) BumpRebuildEpoch(ctx context.Context, profileID string) (uint64, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.BumpRebuildEpoch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("profile.id", profileID)))
	defer span.End()

	err := m.db.WithContext(ctx).Model(&models.Profile{}).
		Where("profile_id = ?", profileID).
		UpdateColumn("rebuild_epoch", gorm.Expr("rebuild_epoch + 1")).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	var epoch uint64
	err = m.db.WithContext(ctx).Model(&models.Profile{}).
		Where("profile_id = ?", profileID).
		Pluck("rebuild_epoch", &epoch).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.Int64("profile.rebuild_epoch", int64(epoch)))
	span.SetStatus(codes.Ok, "")
	return epoch, nil
}

// ---- Candidates ----

// CreateCandidate inserts a new candidate record.
func (m *MySQL) CreateCandidate(ctx context.Context, candidate *models.Candidate) error {
	return m.db.WithContext(ctx).Create(candidate).Error
}

// GetCandidateByID fetches one candidate.
func (m *MySQL) GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error) {
	var candidate models.Candidate
	if err := m.db.WithContext(ctx).Where("candidate_id = ?", candidateID).First(&candidate).Error; err != nil {
		return nil, err
	}
	return &candidate, nil
}

// GetCandidateByEmail returns the most recent candidate record for an email
// address. Re-uploads create newer records, so latest wins.
func (m *MySQL) GetCandidateByEmail(ctx context.Context, email string) (*models.Candidate, error) {
	var candidate models.Candidate
	err := m.db.WithContext(ctx).
		Where("email = ?", email).
		Order("created_at DESC").
		First(&candidate).Error
	if err != nil {
		return nil, err
	}
	return &candidate, nil
}

// UpdateCandidateFields applies a partial update to one candidate.
func (m *MySQL) UpdateCandidateFields(ctx context.Context, candidateID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return m.db.WithContext(ctx).Model(&models.Candidate{}).
		Where("candidate_id = ?", candidateID).
		Updates(updates).Error
}

// DeleteCandidate removes a candidate and its ranking rows.
func (m *MySQL) DeleteCandidate(ctx context.Context, candidateID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("candidate_id = ?", candidateID).Delete(&models.Ranking{}).Error; err != nil {
			return err
		}
		return tx.Where("candidate_id = ?", candidateID).Delete(&models.Candidate{}).Error
	})
}

// CountCandidates returns the number of stored candidates.
func (m *MySQL) CountCandidates(ctx context.Context) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.Candidate{}).Count(&count).Error
	return count, err
}

// ListCandidatesInBatches streams all candidates to fn in batches of
// batchSize, keeping rebuilds bounded in memory regardless of corpus size.
func (m *MySQL) ListCandidatesInBatches(ctx context.Context, batchSize int, fn func(batch []models.Candidate) error) error {
	if batchSize <= 0 {
		batchSize = 200
	}
	var batch []models.Candidate
	result := m.db.WithContext(ctx).
		Model(&models.Candidate{}).
		Order("candidate_id").
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		})
	return result.Error
}

// ---- Rankings ----

// UpsertRanking writes one ranking row keyed by (profile_id, candidate_id).
// A row already stamped with a newer rebuild epoch is left untouched, so a
// single-candidate update racing a full rebuild can never roll a score back.
// Returns whether the row was written.
func (m *MySQL) UpsertRanking(ctx context.Context, ranking *models.Ranking) (bool, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.UpsertRanking",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemMySQL,
			attribute.String("db.sql.table", "rankings"),
			attribute.String("profile.id", ranking.ProfileID),
			attribute.String("candidate.id", ranking.CandidateID),
		))
	defer span.End()

	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile_id"}, {Name: "candidate_id"}},
		DoNothing: true,
	}).Create(ranking)
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		span.SetStatus(codes.Ok, "inserted")
		return true, nil
	}

	// The pair exists. Overwrite only rows from the same or an older epoch.
	updates := map[string]interface{}{
		"score":                    ranking.Score,
		"score_cosine":             ranking.ScoreCosine,
		"score_jaccard_total":      ranking.ScoreJaccardTotal,
		"score_jaccard_skills":     ranking.ScoreJaccardSkills,
		"score_jaccard_experience": ranking.ScoreJaccardExperience,
		"score_jaccard_education":  ranking.ScoreJaccardEducation,
		"score_jaccard_languages":  ranking.ScoreJaccardLanguages,
		"weights":                  ranking.Weights,
		"snapshot":                 ranking.Snapshot,
		"rebuild_epoch":            ranking.RebuildEpoch,
	}
	res = m.db.WithContext(ctx).Model(&models.Ranking{}).
		Where("profile_id = ? AND candidate_id = ?", ranking.ProfileID, ranking.CandidateID).
		Where("rebuild_epoch <= ?", ranking.RebuildEpoch).
		Updates(updates)
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		return false, res.Error
	}

	written := res.RowsAffected > 0
	if written {
		span.SetStatus(codes.Ok, "updated")
	} else {
		span.SetStatus(codes.Ok, "skipped, newer epoch present")
	}
	return written, nil
}

// BatchUpsertRankings upserts a rebuild batch in one statement. Rebuilds
// always run under the newest epoch for their profile, so the overwrite is
// unconditional; single-row writers use UpsertRanking which checks epochs.
func (m *MySQL) BatchUpsertRankings(ctx context.Context, rankings []models.Ranking) error {
	if len(rankings) == 0 {
		return nil
	}

	ctx, span := mysqlTracer.Start(ctx, "MySQL.BatchUpsertRankings",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemMySQL,
			attribute.String("db.sql.table", "rankings"),
			attribute.Int("batch.size", len(rankings)),
		))
	defer span.End()

	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "profile_id"}, {Name: "candidate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score", "score_cosine", "score_jaccard_total",
			"score_jaccard_skills", "score_jaccard_experience",
			"score_jaccard_education", "score_jaccard_languages",
			"weights", "snapshot", "rebuild_epoch",
		}),
	}).Create(&rankings).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// DeleteRankingsByProfile removes every ranking row of one profile.
func (m *MySQL) DeleteRankingsByProfile(ctx context.Context, profileID string) error {
	return m.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Delete(&models.Ranking{}).Error
}

// DeleteStaleRankings removes rows of one profile left over from epochs
// before the given one. Used by overwrite-mode rebuilds to drop candidates
// that no longer exist.
func (m *MySQL) DeleteStaleRankings(ctx context.Context, profileID string, epoch uint64) error {
	return m.db.WithContext(ctx).
		Where("profile_id = ? AND rebuild_epoch < ?", profileID, epoch).
		Delete(&models.Ranking{}).Error
}

// ListRankings returns one profile's ranking page ordered by score
// descending; candidate_id breaks score ties so pagination is stable.
func (m *MySQL) ListRankings(ctx context.Context, profileID string, limit, offset int) ([]models.Ranking, error) {
	if limit <= 0 {
		limit = 50
	}
	var rankings []models.Ranking
	err := m.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("score DESC").
		Order("candidate_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&rankings).Error
	if err != nil {
		return nil, err
	}
	return rankings, nil
}

// CountRankings returns the ranking row count for one profile.
func (m *MySQL) CountRankings(ctx context.Context, profileID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.Ranking{}).
		Where("profile_id = ?", profileID).
		Count(&count).Error
	return count, err
}
