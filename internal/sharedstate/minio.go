package sharedstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// MinIOStore keeps shared state as JSON objects in a single bucket:
//
//	<subject>/status.json
//	<subject>/reports/current.json
//	<subject>/reports/history/<timestamp>-<id>.json
//	<subject>/markers/<role>.json
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(client *minio.Client, bucket string) (*MinIOStore, error) {
	if client == nil {
		return nil, fmt.Errorf("sharedstate: minio client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("sharedstate: bucket is required")
	}
	return &MinIOStore{client: client, bucket: bucket}, nil
}

// subjectKey makes a subject usable as an object key prefix. The "#" between
// repository and branch is not meaningful to object storage, so it is folded
// into the path.
func subjectKey(subject string) string {
	return strings.ReplaceAll(strings.TrimSpace(subject), "#", "/@")
}

func (s *MinIOStore) ReadStatus(ctx context.Context, subject string) (*Status, error) {
	var out Status
	ok, err := s.getJSON(ctx, subjectKey(subject)+"/status.json", &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (s *MinIOStore) WriteStatus(ctx context.Context, status Status) error {
	if strings.TrimSpace(status.Subject) == "" {
		return fmt.Errorf("sharedstate: status subject is required")
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	return s.putJSON(ctx, subjectKey(status.Subject)+"/status.json", status)
}

func (s *MinIOStore) CurrentReport(ctx context.Context, subject string) (*FailureReport, error) {
	var out FailureReport
	ok, err := s.getJSON(ctx, subjectKey(subject)+"/reports/current.json", &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (s *MinIOStore) PublishReport(ctx context.Context, report FailureReport) error {
	if strings.TrimSpace(report.Subject) == "" {
		return fmt.Errorf("sharedstate: report subject is required")
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	prefix := subjectKey(report.Subject)
	historyKey := fmt.Sprintf("%s/reports/history/%s-%s.json",
		prefix, report.Timestamp.UTC().Format("20060102T150405Z"), report.ID)
	if err := s.putJSON(ctx, historyKey, report); err != nil {
		return fmt.Errorf("append report history: %w", err)
	}
	if err := s.putJSON(ctx, prefix+"/reports/current.json", report); err != nil {
		return fmt.Errorf("update current report: %w", err)
	}
	return nil
}

func (s *MinIOStore) ReadMarker(ctx context.Context, subject string, role string) (*Marker, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, fmt.Errorf("sharedstate: marker role is required")
	}
	var out Marker
	ok, err := s.getJSON(ctx, subjectKey(subject)+"/markers/"+role+".json", &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (s *MinIOStore) WriteMarker(ctx context.Context, subject string, marker Marker) error {
	if strings.TrimSpace(marker.Role) == "" {
		return fmt.Errorf("sharedstate: marker role is required")
	}
	if strings.TrimSpace(marker.RunName) == "" {
		return fmt.Errorf("sharedstate: marker run name is required")
	}
	if marker.CompletedAt.IsZero() {
		marker.CompletedAt = time.Now().UTC()
	}
	return s.putJSON(ctx, subjectKey(subject)+"/markers/"+strings.TrimSpace(marker.Role)+".json", marker)
}

func (s *MinIOStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// getJSON returns false without error when the object does not exist.
func (s *MinIOStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
