package archive

import (
	"time"

	"github.com/wolfman30/dispatch-engine/internal/triage"
)

// CallRecord is the post-call transcript stored in S3 before confidence scoring.
type CallRecord struct {
	Version    string             `json:"version"`
	CallID     string             `json:"call_id"`
	BusinessID string             `json:"business_id"`
	PhoneHash  string             `json:"phone_hash"`
	BookingID  string             `json:"booking_id,omitempty"`
	Outcome    string             `json:"outcome,omitempty"`
	ArchivedAt time.Time          `json:"archived_at"`
	Turns      []triage.Turn      `json:"turns"`
	Assessment *triage.Assessment `json:"assessment,omitempty"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	CallID     string  `json:"call_id"`
	BusinessID string  `json:"business_id"`
	S3Key      string  `json:"s3_key"`
	TurnCount  int     `json:"turn_count"`
	Score      float64 `json:"score"`
	Escalated  bool    `json:"escalated"`
	Outcome    string  `json:"outcome,omitempty"`
	ArchivedAt string  `json:"archived_at"`
}

// RecordVersion is written into every CallRecord.
const RecordVersion = "1.0"
