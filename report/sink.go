package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Sink stores a rendered report file and returns where it went.
type Sink interface {
	Put(ctx context.Context, name, contentType string, body []byte) (string, error)
}

type LocalSink struct {
	Dir string
}

func (s LocalSink) Put(_ context.Context, name, _ string, body []byte) (string, error) {
	if strings.TrimSpace(s.Dir) == "" {
		return "", errors.New("report dir is empty")
	}
	dst := filepath.Join(s.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSSink(client *storage.Client, bucket, prefix string) (*GCSSink, error) {
	if client == nil {
		return nil, errors.New("gcs client is nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("REPORT_BUCKET is required")
	}
	return &GCSSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *GCSSink) Put(ctx context.Context, name, contentType string, body []byte) (string, error) {
	object := name
	if s.prefix != "" {
		object = path.Join(s.prefix, name)
	}
	wc := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(body); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("gcs write %s: %w", object, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Publish renders r as JSON and xlsx under <job>/<date>/<runId>.* and returns the locations.
func Publish(ctx context.Context, sink Sink, r *Report) ([]string, error) {
	base := path.Join(r.Job, r.GeneratedAt.Format("2006-01-02"), r.RunID)

	var jsonBuf bytes.Buffer
	if err := r.WriteJSON(&jsonBuf); err != nil {
		return nil, fmt.Errorf("render report json: %w", err)
	}
	jsonLoc, err := sink.Put(ctx, base+".json", ContentTypeJSON, jsonBuf.Bytes())
	if err != nil {
		return nil, err
	}

	var xlsxBuf bytes.Buffer
	if err := r.WriteXLSX(&xlsxBuf); err != nil {
		return []string{jsonLoc}, fmt.Errorf("render report xlsx: %w", err)
	}
	xlsxLoc, err := sink.Put(ctx, base+".xlsx", ContentTypeXLSX, xlsxBuf.Bytes())
	if err != nil {
		return []string{jsonLoc}, err
	}
	return []string{jsonLoc, xlsxLoc}, nil
}
