package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/dispatch-engine/internal/triage"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store archives call transcripts to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		bucket:   bucket,
		s3Client: s3Client,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// ObjectKey is where a call record lands.
func ObjectKey(rec *CallRecord) string {
	at := rec.ArchivedAt.UTC()
	return fmt.Sprintf("calls/v1/%s/%d/%02d/%02d/%s.json",
		rec.BusinessID, at.Year(), at.Month(), at.Day(), rec.CallID)
}

// ArchiveCall scrubs PII from the turns, writes the record and appends it
// to the monthly manifest. It returns the object key.
func (s *Store) ArchiveCall(ctx context.Context, rec *CallRecord) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if strings.TrimSpace(rec.CallID) == "" {
		return "", errors.New("archive: call id required")
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = s.now()
	}
	if rec.Version == "" {
		rec.Version = RecordVersion
	}
	rec.Turns = append([]triage.Turn(nil), rec.Turns...)
	ScrubTurns(rec.Turns)

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("archive: marshal record: %w", err)
	}
	key := ObjectKey(rec)
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	s.logger.Info("archived call transcript", "call_id", rec.CallID, "business_id", rec.BusinessID, "s3_key", key, "turns", len(rec.Turns))

	entry := ManifestEntry{
		CallID:     rec.CallID,
		BusinessID: rec.BusinessID,
		S3Key:      key,
		TurnCount:  len(rec.Turns),
		Outcome:    rec.Outcome,
		ArchivedAt: rec.ArchivedAt.Format(time.RFC3339),
	}
	if rec.Assessment != nil {
		entry.Score = rec.Assessment.Score
		entry.Escalated = rec.Assessment.Escalate
	}
	if err := s.AppendManifest(ctx, entry); err != nil {
		// The transcript is already stored.
		s.logger.Warn("failed to append manifest", "error", err, "call_id", rec.CallID)
	}
	return key, nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// S3 has no append, so this reads, modifies and rewrites the object.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	now := s.now()
	manifestKey := fmt.Sprintf("calls/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, _ = io.ReadAll(getResp.Body)
		getResp.Body.Close()
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}
