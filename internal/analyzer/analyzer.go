// Package analyzer extracts structured candidate fields from an uploaded CV
// document via an external analysis service.
package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cv-match-go/internal/config"
	"cv-match-go/internal/tracing"
)

var analyzerTracer = otel.Tracer("cv-match-go/analyzer")

// Fields is the structured extraction result for one CV.
type Fields struct {
	FirstName string
	LastName  string
	Email     string
	City      string
	Address   string
	BirthDate string // as reported, typically YYYY-MM-DD
	Age       *int

	Education  []string
	Skills     []string
	Experience []string
	Languages  []string

	// RawText is the full extracted document text when the service
	// provides it.
	RawText string
}

// Analyzer turns a CV document into structured fields.
type Analyzer interface {
	ExtractFields(ctx context.Context, fileName string, fileContent []byte) (*Fields, error)
	// Version identifies the extraction provider and schema, recorded on
	// candidates for provenance.
	Version() string
}

// HTTPAnalyzer calls an external document-analysis HTTP service.
type HTTPAnalyzer struct {
	client *resty.Client
	cfg    config.AnalyzerConfig
}

// NewHTTPAnalyzer builds the client.
func NewHTTPAnalyzer(cfg config.AnalyzerConfig) (*HTTPAnalyzer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("analyzer base URL is required")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(1)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &HTTPAnalyzer{client: client, cfg: cfg}, nil
}

// Version identifies the provider plus schema version.
func (a *HTTPAnalyzer) Version() string {
	if a.cfg.Version != "" {
		return a.cfg.Version
	}
	return "http/1"
}

// ExtractFields uploads the document and maps the response into Fields.
// Providers disagree on field naming, so every field is resolved through a
// list of known aliases.
func (a *HTTPAnalyzer) ExtractFields(ctx context.Context, fileName string, fileContent []byte) (*Fields, error) {
	ctx, span := analyzerTracer.Start(ctx, "Analyzer.ExtractFields",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("analyzer.file_name", tracing.MaskSensitive("file_name", fileName)),
			attribute.Int("analyzer.file_bytes", len(fileContent)),
		))
	defer span.End()

	resp, err := a.client.R().
		SetContext(ctx).
		SetFileReader("file", fileName, bytes.NewReader(fileContent)).
		Post("/analyze")
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeAnalyzer)
		return nil, fmt.Errorf("analyzer request failed: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("analyzer returned %d: %s",
			resp.StatusCode(), tracing.Truncate(resp.String(), 200))
		tracing.RecordError(span, err, tracing.ErrorTypeAnalyzer)
		return nil, err
	}

	doc := gjson.ParseBytes(resp.Body())
	fields := &Fields{
		FirstName: pickString(doc, "first_name", "nombre", "given_name"),
		LastName:  pickString(doc, "last_name", "apellido", "family_name", "surname"),
		Email:     pickString(doc, "email", "email_address", "correo"),
		City:      pickString(doc, "city", "ciudad", "location.city"),
		Address:   pickString(doc, "address", "direccion", "location.address"),
		BirthDate: pickString(doc, "birth_date", "fecha_nacimiento", "date_of_birth", "dob"),

		Education:  pickStrings(doc, "education", "educacion", "studies"),
		Skills:     pickStrings(doc, "skills", "habilidades", "attributes", "competencias"),
		Experience: pickStrings(doc, "experience", "experiencia", "work_experience"),
		Languages:  pickStrings(doc, "languages", "idiomas"),

		RawText: pickString(doc, "raw_text", "text", "full_text"),
	}

	if age := pickNumber(doc, "age", "edad"); age > 0 {
		v := int(age)
		fields.Age = &v
	}

	span.SetAttributes(
		attribute.Int("analyzer.skills", len(fields.Skills)),
		attribute.Int("analyzer.experience", len(fields.Experience)),
		attribute.Int("analyzer.education", len(fields.Education)),
		attribute.Int("analyzer.languages", len(fields.Languages)),
	)
	span.SetStatus(codes.Ok, "")
	return fields, nil
}

// pickString returns the first alias that resolves to a non-empty string.
func pickString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// pickNumber returns the first alias that resolves to a positive number.
func pickNumber(doc gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Float() > 0 {
			return v.Float()
		}
	}
	return 0
}

// pickStrings returns the first alias resolving to a non-empty list. A
// scalar string value is treated as a single-element list, since some
// providers send comma-joined enumerations instead of arrays.
func pickStrings(doc gjson.Result, paths ...string) []string {
	for _, p := range paths {
		v := doc.Get(p)
		if !v.Exists() {
			continue
		}
		if v.IsArray() {
			arr := v.Array()
			if len(arr) == 0 {
				continue
			}
			out := make([]string, 0, len(arr))
			for _, item := range arr {
				if s := item.String(); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
			continue
		}
		if s := v.String(); s != "" {
			return []string{s}
		}
	}
	return nil
}
