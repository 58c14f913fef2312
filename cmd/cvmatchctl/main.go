package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"cv-match-go/internal/analyzer"
	"cv-match-go/internal/candidate"
	"cv-match-go/internal/config"
	"cv-match-go/internal/embedding"
	"cv-match-go/internal/logger"
	"cv-match-go/internal/profile"
	"cv-match-go/internal/ranking"
	"cv-match-go/internal/scoring"
	"cv-match-go/internal/storage"
)

const usage = `cvmatchctl <command> [flags]

Commands:
  upload             ingest one CV file
  candidate-delete   delete a candidate, its CV file and its dedup entry
  candidate-url      print a temporary download URL for a candidate's CV
  profile-create     create a wanted profile, optionally activating it
  profile-activate   make an existing profile the active one
  profile-show       print the active profile
  rebuild            rebuild a profile's ranking (queued, or --sync inline)
  rankings           print one page of a profile's ranking
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	app, err := newApp(args, command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cvmatchctl: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx := context.Background()
	if err := app.run(ctx, command); err != nil {
		fmt.Fprintf(os.Stderr, "cvmatchctl %s: %v\n", command, err)
		os.Exit(1)
	}
}

// app bundles one command invocation: parsed flags plus wired services.
type app struct {
	flags *pflag.FlagSet

	configPath string

	filePath string
	id       string
	limit    int
	offset   int
	sync     bool
	keepHist bool
	email    string
	expiry   time.Duration

	owner      string
	position   string
	education  []string
	attributes []string
	experience []string
	languages  []string
	activate   bool

	storage      *storage.Storage
	candidates   *candidate.Service
	profiles     *profile.Service
	synchronizer *ranking.Synchronizer
}

func newApp(args []string, command string) (*app, error) {
	a := &app{flags: pflag.NewFlagSet(command, pflag.ExitOnError)}

	a.flags.StringVarP(&a.configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	a.flags.StringVarP(&a.filePath, "file", "f", "", "CV file to ingest")
	a.flags.StringVar(&a.id, "id", "", "candidate or profile id")
	a.flags.IntVar(&a.limit, "limit", 20, "page size")
	a.flags.IntVar(&a.offset, "offset", 0, "page offset")
	a.flags.BoolVar(&a.sync, "sync", false, "run the rebuild inline instead of queueing it")
	a.flags.BoolVar(&a.keepHist, "keep-history", false, "keep the superseded candidate record on re-upload")
	a.flags.StringVar(&a.email, "email", "", "candidate email for re-upload")
	a.flags.DurationVar(&a.expiry, "expiry", 15*time.Minute, "download URL lifetime")
	a.flags.StringVar(&a.owner, "owner", "", "profile owner")
	a.flags.StringVar(&a.position, "position", "", "profile position")
	a.flags.StringSliceVar(&a.education, "education", nil, "required education, comma separated")
	a.flags.StringSliceVar(&a.attributes, "skills", nil, "required skills, comma separated")
	a.flags.StringSliceVar(&a.experience, "experience", nil, "required experience, comma separated")
	a.flags.StringSliceVar(&a.languages, "languages", nil, "required languages, comma separated")
	a.flags.BoolVar(&a.activate, "activate", false, "activate the profile after creating it")
	if err := a.flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
	})
	if err := cfg.Ranking.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ranking configuration: %w", err)
	}

	a.storage, err = storage.NewStorage(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	if a.storage.MySQL == nil {
		a.storage.Close()
		return nil, errors.New("MySQL is required")
	}

	var embedder embedding.Embedder
	if cfg.Embedding.BaseURL != "" {
		httpEmbedder, err := embedding.NewHTTPEmbedder(cfg.Embedding)
		if err != nil {
			a.storage.Close()
			return nil, fmt.Errorf("initialize embedder: %w", err)
		}
		embedder = httpEmbedder
	}

	var cvAnalyzer analyzer.Analyzer
	if cfg.Analyzer.BaseURL != "" {
		httpAnalyzer, err := analyzer.NewHTTPAnalyzer(cfg.Analyzer)
		if err != nil {
			a.storage.Close()
			return nil, fmt.Errorf("initialize analyzer: %w", err)
		}
		cvAnalyzer = httpAnalyzer
	}

	weights := scoring.FromConfig(cfg.Ranking)
	synchronizerOpts := []ranking.Option{
		ranking.WithRebuildMode(cfg.Ranking.RebuildMode),
	}
	if a.storage.Redis != nil {
		synchronizerOpts = append(synchronizerOpts, ranking.WithLocker(a.storage.Redis))
	}
	a.synchronizer = ranking.NewSynchronizer(
		a.storage.MySQL, a.storage.MySQL, a.storage.MySQL,
		weights, synchronizerOpts...)

	var dedup candidate.Deduper
	var cache profile.Cache
	if a.storage.Redis != nil {
		dedup = a.storage.Redis
		cache = a.storage.Redis
	}
	var blobs candidate.BlobStore
	if a.storage.MinIO != nil {
		blobs = a.storage.MinIO
	}
	var publisher profile.Publisher
	var events candidate.EventPublisher
	if a.storage.RabbitMQ != nil {
		publisher = a.storage.RabbitMQ
		events = a.storage.RabbitMQ
	}

	a.candidates = candidate.NewService(a.storage.MySQL, dedup, blobs, cvAnalyzer, embedder, a.synchronizer, events, nil)
	a.profiles = profile.NewService(a.storage.MySQL, cache, publisher, embedder)
	return a, nil
}

func (a *app) Close() {
	if a.storage != nil {
		a.storage.Close()
	}
}

func (a *app) run(ctx context.Context, command string) error {
	switch command {
	case "upload":
		return a.upload(ctx)
	case "candidate-delete":
		if a.id == "" {
			return errors.New("--id is required")
		}
		return a.candidates.Delete(ctx, a.id)
	case "candidate-url":
		if a.id == "" {
			return errors.New("--id is required")
		}
		url, err := a.candidates.DownloadURL(ctx, a.id, a.expiry)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	case "profile-create":
		return a.profileCreate(ctx)
	case "profile-activate":
		if a.id == "" {
			return errors.New("--id is required")
		}
		return a.profiles.Activate(ctx, a.id)
	case "profile-show":
		return a.profileShow(ctx)
	case "rebuild":
		return a.rebuild(ctx)
	case "rankings":
		return a.rankings(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) upload(ctx context.Context) error {
	if a.filePath == "" {
		return errors.New("--file is required")
	}
	content, err := os.ReadFile(a.filePath)
	if err != nil {
		return err
	}
	input := candidate.UploadInput{
		FileName: filepath.Base(a.filePath),
		Content:  content,
	}

	if a.email != "" {
		uploaded, err := a.candidates.Reupload(ctx, a.email, input, a.keepHist)
		if err != nil {
			return err
		}
		fmt.Println(uploaded.CandidateID)
		return nil
	}
	uploaded, err := a.candidates.Upload(ctx, input)
	if err != nil {
		return err
	}
	fmt.Println(uploaded.CandidateID)
	return nil
}

func (a *app) profileCreate(ctx context.Context) error {
	created, err := a.profiles.Create(ctx, profile.CreateInput{
		Owner:      a.owner,
		Position:   a.position,
		Education:  a.education,
		Attributes: a.attributes,
		Experience: a.experience,
		Languages:  a.languages,
		Activate:   a.activate,
	})
	if err != nil {
		return err
	}
	fmt.Println(created.ProfileID)
	return nil
}

func (a *app) profileShow(ctx context.Context) error {
	active, err := a.profiles.GetActive(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("profile_id: %s\nposition: %s\nowner: %s\nrebuild_epoch: %d\n",
		active.ProfileID, active.Position, active.Owner, active.RebuildEpoch)
	return nil
}

func (a *app) rebuild(ctx context.Context) error {
	profileID := a.id
	if profileID == "" {
		active, err := a.profiles.GetActive(ctx)
		if err != nil {
			return err
		}
		profileID = active.ProfileID
	}

	if !a.sync {
		return a.profiles.RequestRebuild(ctx, profileID, "manual")
	}

	result, err := a.synchronizer.RebuildAll(ctx, profileID)
	if err != nil {
		return err
	}
	fmt.Printf("profile %s epoch %d: %d candidates, %d written, %d skipped in %s\n",
		result.ProfileID, result.Epoch, result.Total, result.Written, result.Skipped, result.Duration)
	return nil
}

func (a *app) rankings(ctx context.Context) error {
	profileID := a.id
	if profileID == "" {
		active, err := a.profiles.GetActive(ctx)
		if err != nil {
			return err
		}
		profileID = active.ProfileID
	}

	rows, err := a.synchronizer.ReadRanking(ctx, profileID, a.limit, a.offset)
	if err != nil {
		return err
	}
	total, err := a.synchronizer.Count(ctx, profileID)
	if err != nil {
		return err
	}

	fmt.Printf("%-38s %-24s %7s %7s %7s\n", "CANDIDATE", "NAME", "SCORE", "COS", "JACC")
	for _, row := range rows {
		name := strings.TrimSpace(row.FirstName + " " + row.LastName)
		fmt.Printf("%-38s %-24s %7.4f %7.4f %7.4f\n",
			row.CandidateID, name, row.Score, row.Cosine, row.JTotal)
	}
	fmt.Printf("%d of %d rows (offset %d)\n", len(rows), total, a.offset)
	return nil
}
