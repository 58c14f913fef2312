package constants

import "time"

const (
	// DefaultAnalyzerVer is the provenance version tag recorded on candidates.
	DefaultAnalyzerVer = "1.0"

	// Vector-source provenance tags stored on candidate records.
	VectorSourceAnalyzer = "analyzer" // embedding text assembled from analyzer fields
	VectorSourceRawText  = "raw_text" // embedding text supplied by the caller
	VectorSourcePDFText  = "pdf_text" // embedding text extracted from the uploaded file

	// ActiveProfileCacheTTL bounds staleness of the cached active profile.
	ActiveProfileCacheTTL = 5 * time.Minute
)

const (
	// RebuildExchangeName is the direct exchange ranking tasks are published to.
	RebuildExchangeName = "ranking.tasks"
	// RebuildQueueName is the queue carrying ranking rebuild tasks.
	RebuildQueueName = "ranking.rebuild"
	// RebuildRoutingKey routes rebuild tasks to RebuildQueueName.
	RebuildRoutingKey = "rebuild"

	// EventsExchangeName carries ingestion events for downstream consumers.
	EventsExchangeName = "cv.events"
	// CVUploadedRoutingKey tags stored-CV announcements.
	CVUploadedRoutingKey = "cv.uploaded"
)
