// Package media is the inbound attachment pipeline: a policy gate, a
// lifecycle state machine, optional processors (OCR, transcription), and a
// per-asset audit trail.
package media

import (
	"time"
)

// AssetState is the lifecycle position of one asset.
type AssetState string

const (
	StateReceived     AssetState = "received"
	StateValidated    AssetState = "validated"
	StateMaterialized AssetState = "materialized"
	StateProcessed    AssetState = "processed"
	StateQuarantined  AssetState = "quarantined"
	StateRejected     AssetState = "rejected"
	StateFailed       AssetState = "failed"
	StateExpired      AssetState = "expired"
)

// Policy decisions.
const (
	DecisionAllow      = "allow"
	DecisionQuarantine = "quarantine"
	DecisionReject     = "reject"
)

// Failure codes recorded on assets that could not be processed.
const (
	FailTimeout         = "MEDIA_PROCESSING_TIMEOUT"
	FailUnsupportedMime = "MEDIA_UNSUPPORTED_MIME"
	FailProviderError   = "MEDIA_PROVIDER_ERROR"
	FailParseError      = "MEDIA_PARSE_ERROR"
	FailFileNotFound    = "MEDIA_FILE_NOT_FOUND"
	FailReadFailed      = "MEDIA_READ_FAILED"
	FailProcessing      = "MEDIA_PROCESSING_FAILED"
)

// Asset is one registered inbound attachment.
type Asset struct {
	ID             string            `json:"id"`
	Channel        string            `json:"channel"`
	ChatID         string            `json:"chatId"`
	MimeType       string            `json:"mimeType"`
	FileName       string            `json:"fileName"`
	SizeBytes      int64             `json:"sizeBytes"`
	SourceType     string            `json:"sourceType"`
	SourceRef      string            `json:"sourceRef"`
	LocalPath      string            `json:"localPath,omitempty"`
	State          AssetState        `json:"state"`
	PolicyDecision string            `json:"policyDecision"`
	PolicyReason   string            `json:"policyReason,omitempty"`
	FailureCode    string            `json:"failureCode,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AuditEvent is one entry in an asset's ordered audit trail.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // received | policy | state | processor | failure | expired
	Actor     string    `json:"actor"`
	Message   string    `json:"message"`
}

// Stats aggregates the registry by state and by policy decision.
type Stats struct {
	Total      int                   `json:"total"`
	ByState    map[AssetState]int    `json:"byState"`
	ByDecision map[string]int        `json:"byDecision"`
}

// RegisterRequest describes one inbound attachment before registration.
type RegisterRequest struct {
	Channel            string
	ChatID             string
	MimeType           string
	FileName           string
	SizeBytes          int64
	SourceType         string
	SourceRef          string
	LocalPath          string
	ItemCountInMessage int
}
