package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType classifies span errors for filtering.
type ErrorType string

const (
	// ErrorTypeDB database errors
	ErrorTypeDB ErrorType = "db"
	// ErrorTypeRedis Redis errors
	ErrorTypeRedis ErrorType = "redis"
	// ErrorTypeRabbitMQ RabbitMQ errors
	ErrorTypeRabbitMQ ErrorType = "rabbitmq"
	// ErrorTypeBlobStore object-store errors
	ErrorTypeBlobStore ErrorType = "blob_store"
	// ErrorTypeEmbedding embedding-provider errors
	ErrorTypeEmbedding ErrorType = "embedding"
	// ErrorTypeAnalyzer document-analyzer errors
	ErrorTypeAnalyzer ErrorType = "analyzer"
	// ErrorTypeValidation validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInternal internal errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeTimeout timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
)

// RecordError records err on span with a unified error type attribute and
// marks the span status as error.
func RecordError(span trace.Span, err error, errorType ErrorType) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)

	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", err.Error()),
	)

	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithInfo records err on span with extra attributes.
func RecordErrorWithInfo(span trace.Span, err error, errorType ErrorType, attributes ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)

	attrs := append([]attribute.KeyValue{
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", err.Error()),
	}, attributes...)
	span.SetAttributes(attrs...)

	span.SetStatus(codes.Error, err.Error())
}
