// Package objectstore persists JSON payloads at keys, backed by S3 in
// production and an in-memory map for local runs and tests.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store is the put/get-bytes-at-key collaborator. PutJSON returns the
// locator (s3://bucket/key) recorded on task records.
type Store interface {
	PutJSON(ctx context.Context, key string, body any) (string, error)
	GetJSON(ctx context.Context, key string, out any) error
	URL(key string) string
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store writes UTF-8 JSON objects to one bucket.
type S3Store struct {
	client S3API
	bucket string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates a store over the given client and bucket.
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// PutJSON marshals body and writes it at key.
func (s *S3Store) PutJSON(ctx context.Context, key string, body any) (string, error) {
	payload, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return s.URL(key), nil
}

// GetJSON reads and unmarshals the object at key.
func (s *S3Store) GetJSON(ctx context.Context, key string, out any) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// URL returns the locator for a key.
func (s *S3Store) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Memory is an in-process Store for local development and tests.
type Memory struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(bucket string) *Memory {
	return &Memory{bucket: bucket, objects: make(map[string][]byte)}
}

func (m *Memory) PutJSON(_ context.Context, key string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", key, err)
	}
	m.mu.Lock()
	m.objects[key] = payload
	m.mu.Unlock()
	return m.URL(key), nil
}

func (m *Memory) GetJSON(_ context.Context, key string, out any) error {
	m.mu.RLock()
	raw, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("object %s not found", key)
	}
	return json.Unmarshal(raw, out)
}

func (m *Memory) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, key)
}

// Keys returns all stored keys (test helper).
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
