package document

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/internal/storage"
)

// Source fetches the raw bytes of one feed revision.
type Source interface {
	// Fetch returns the current feed content.
	Fetch(ctx context.Context) ([]byte, error)

	// String describes the source for logs.
	String() string
}

// HTTPOptions configures HTTPSource.
type HTTPOptions struct {
	Timeout     time.Duration
	UserAgent   string
	InsecureTLS bool
}

// HTTPSource fetches the feed over HTTP(S).
type HTTPSource struct {
	url    string
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPSource creates an HTTP source.
func NewHTTPSource(url string, opts HTTPOptions) *HTTPSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:   opts,
	}
}

// Fetch downloads the feed.
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fserrors.NewSourceError("build request for "+s.url, err)
	}
	req.Header.Set("Accept", "application/xml")
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fserrors.NewSourceError("fetch "+s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fserrors.NewSourceError("fetch "+s.url, fmt.Errorf("unexpected status %s", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fserrors.NewSourceError("read body of "+s.url, err)
	}
	return data, nil
}

func (s *HTTPSource) String() string { return s.url }

// FileSource reads the feed from a local file.
type FileSource struct {
	Path string
}

// Fetch reads the file.
func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fserrors.NewSourceError("read "+s.Path, err)
	}
	return data, nil
}

func (s *FileSource) String() string { return s.Path }

// ObjectSource reads the feed from object storage.
type ObjectSource struct {
	Store storage.ObjectStorage
	Key   string
	Label string
}

// Fetch downloads the object.
func (s *ObjectSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		return nil, fserrors.NewSourceError("get "+s.String(), err)
	}
	return data, nil
}

func (s *ObjectSource) String() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Key
}

// ObjectStoreFunc opens object storage for an s3:// bucket.
type ObjectStoreFunc func(ctx context.Context, bucket string) (storage.ObjectStorage, error)

// NewSource picks a source implementation from the location's scheme:
// http(s):// uses HTTPSource, s3:// uses ObjectSource, anything else is a file path.
func NewSource(ctx context.Context, location string, opts HTTPOptions, objects ObjectStoreFunc) (Source, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewHTTPSource(location, opts), nil
	case strings.HasPrefix(location, "s3://"):
		bucket, key, ok := storage.ParseURI(location)
		if !ok || key == "" {
			return nil, fmt.Errorf("document: invalid object location %q", location)
		}
		if objects == nil {
			return nil, fmt.Errorf("document: no object storage configured for %q", location)
		}
		store, err := objects(ctx, bucket)
		if err != nil {
			return nil, fserrors.NewSourceError("open bucket "+bucket, err)
		}
		return &ObjectSource{Store: store, Key: key, Label: location}, nil
	case location == "":
		return nil, fmt.Errorf("document: empty source location")
	default:
		return &FileSource{Path: strings.TrimPrefix(location, "file://")}, nil
	}
}

// Load fetches and parses one feed revision, returning the raw bytes as well
// so callers can fingerprint or archive exactly what was applied.
func Load(ctx context.Context, src Source, root string) (*Document, []byte, error) {
	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	doc, err := ParseBytes(data, root)
	if err != nil {
		return nil, nil, fserrors.NewSourceError("parse "+src.String(), err)
	}
	return doc, data, nil
}
