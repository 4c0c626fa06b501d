package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no such key", fmt.Errorf("get: %w", &types.NoSuchKey{}), true},
		{"head not found", &types.NotFound{}, true},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := isNotFound(tt.err); got != tt.want {
			t.Errorf("%s: isNotFound = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestS3Retry(t *testing.T) {
	s := NewS3StorageWithClient(nil, "feeds", S3Config{MaxRetries: 2, RetryBase: time.Millisecond})
	ctx := context.Background()

	calls := 0
	err := s.retry(ctx, "put", func() error {
		calls++
		if calls < 3 {
			return errors.New("throttled")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = s.retry(ctx, "get", func() error {
		calls++
		return &types.NoSuchKey{}
	})
	if !isNotFound(err) || calls != 1 {
		t.Errorf("expected missing object to fail fast, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = s.retry(ctx, "put", func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Errorf("expected 3 attempts, got err=%v calls=%d", err, calls)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.retry(cancelled, "put", func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
