package storage

import "time"

// RebuildTask asks a worker to recompute every ranking row of one profile.
type RebuildTask struct {
	ProfileID   string    `json:"profile_id"`
	RequestedAt time.Time `json:"requested_at"`
	// Reason is a free-form trigger tag for logs: "profile_created",
	// "profile_activated", "manual".
	Reason string `json:"reason,omitempty"`
}

// CVUploadedEvent announces a stored CV so interested consumers can react
// without coupling to the upload path.
type CVUploadedEvent struct {
	CandidateID string    `json:"candidate_id"`
	Email       string    `json:"email,omitempty"`
	CVFileKey   string    `json:"cv_file_key"`
	FileMD5     string    `json:"file_md5,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
