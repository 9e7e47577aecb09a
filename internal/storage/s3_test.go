package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vidfriends/relationships/internal/config"
)

type stubUploader struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (s *stubUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	s.input, s.body = input, string(body)
	return &manager.UploadOutput{}, nil
}

func TestSaveUploadsReport(t *testing.T) {
	up := &stubUploader{}
	store := newS3ReportStore(up, "ops")

	location, err := store.Save(context.Background(), "/sweeps/2026/01/02/030405.json", strings.NewReader(`{"pairs":1}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if location != "s3://ops/relationships/sweeps/2026/01/02/030405.json" {
		t.Fatalf("unexpected location %s", location)
	}
	if got := aws.ToString(up.input.Key); got != "relationships/sweeps/2026/01/02/030405.json" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := aws.ToString(up.input.ContentType); got != "application/json" {
		t.Fatalf("unexpected content type %s", got)
	}
	if up.body != `{"pairs":1}` {
		t.Fatalf("unexpected body %s", up.body)
	}
}

func TestSaveRejectsEmptyName(t *testing.T) {
	store := newS3ReportStore(&stubUploader{}, "ops")
	if _, err := store.Save(context.Background(), "/", strings.NewReader("{}")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSaveWrapsUploadErrors(t *testing.T) {
	boom := errors.New("access denied")
	store := newS3ReportStore(&stubUploader{err: boom}, "ops")

	if _, err := store.Save(context.Background(), "report.json", strings.NewReader("{}")); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped upload error got %v", err)
	}
}

func TestNewS3ReportStoreRequiresBucket(t *testing.T) {
	if _, err := NewS3ReportStore(context.Background(), config.ObjectStoreConfig{}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
