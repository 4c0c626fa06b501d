// Package archive stores snappy-compressed snapshots of applied feeds in
// object storage, addressed by a murmur3 fingerprint of the raw bytes.
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/internal/storage"
)

// Snapshot object layout:
//
//	magic(4) "FSS1" | raw length (8, LE) | murmur3 h1 (8, LE) | murmur3 h2 (8, LE) | snappy(raw)
const (
	magic      = "FSS1"
	headerSize = 28
	extension  = ".xml.sz"
)

var errCorrupt = errors.New("archive: corrupt snapshot")

// Fingerprint returns the hex murmur3 128-bit hash of a feed revision.
func Fingerprint(raw []byte) string {
	h1, h2 := murmur3.Sum128(raw)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], h1)
	binary.BigEndian.PutUint64(buf[8:16], h2)
	return hex.EncodeToString(buf[:])
}

// Snapshot describes one archived feed revision.
type Snapshot struct {
	Fingerprint    string `json:"fingerprint"`
	Key            string `json:"key"`
	Size           int    `json:"size,omitempty"`
	CompressedSize int    `json:"compressed_size"`
	// Existing is set when an identical snapshot was already archived.
	Existing  bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Archive reads and writes snapshots under a key prefix.
type Archive struct {
	store  storage.ObjectStorage
	prefix string
}

// New creates an archive on store. prefix may be empty.
func New(store storage.ObjectStorage, prefix string) *Archive {
	return &Archive{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of the snapshot with the given fingerprint.
func (a *Archive) Key(fingerprint string) string {
	return path.Join(a.prefix, fingerprint+extension)
}

// Encode compresses raw into the snapshot object format.
func Encode(raw []byte) []byte {
	h1, h2 := murmur3.Sum128(raw)
	compressed := snappy.Encode(nil, raw)

	buf := make([]byte, headerSize+len(compressed))
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(raw)))
	binary.LittleEndian.PutUint64(buf[12:20], h1)
	binary.LittleEndian.PutUint64(buf[20:28], h2)
	copy(buf[headerSize:], compressed)
	return buf
}

// Decode decompresses a snapshot object and verifies its checksum.
func Decode(data []byte) ([]byte, error) {
	if len(data) < headerSize || !bytes.Equal(data[0:4], []byte(magic)) {
		return nil, fmt.Errorf("%w: bad header", errCorrupt)
	}
	size := binary.LittleEndian.Uint64(data[4:12])
	h1 := binary.LittleEndian.Uint64(data[12:20])
	h2 := binary.LittleEndian.Uint64(data[20:28])

	n, err := snappy.DecodedLen(data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("%w: expected %d bytes, header says %d", errCorrupt, n, size)
	}
	raw, err := snappy.Decode(nil, data[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: snappy decompress failed: %v", errCorrupt, err)
	}
	if g1, g2 := murmur3.Sum128(raw); g1 != h1 || g2 != h2 {
		return nil, fmt.Errorf("%w: checksum mismatch", errCorrupt)
	}
	return raw, nil
}

// Put archives a feed revision. Identical revisions are stored once.
func (a *Archive) Put(ctx context.Context, raw []byte) (*Snapshot, error) {
	fp := Fingerprint(raw)
	snap := &Snapshot{Fingerprint: fp, Key: a.Key(fp), Size: len(raw), CreatedAt: time.Now()}

	obj, exists, err := a.store.Stat(ctx, snap.Key)
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeUploadFailed, "check snapshot "+snap.Key, err)
	}
	if exists {
		snap.Existing = true
		snap.CompressedSize = int(obj.Size)
		snap.CreatedAt = obj.Modified
		return snap, nil
	}

	data := Encode(raw)
	snap.CompressedSize = len(data)
	if _, err := a.store.Put(ctx, snap.Key, data); err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeUploadFailed, "upload snapshot "+snap.Key, err)
	}
	log.Printf("archive: stored %s (%d -> %d bytes)", snap.Key, snap.Size, snap.CompressedSize)
	return snap, nil
}

// Get returns the raw feed bytes of a snapshot. ref is either a fingerprint
// or a full object key.
func (a *Archive) Get(ctx context.Context, ref string) ([]byte, error) {
	key := ref
	if !strings.HasSuffix(ref, extension) {
		key = a.Key(ref)
	}

	data, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fserrors.NewStorageError(fserrors.CodeObjectNotFound, "snapshot "+key+" not found", err)
		}
		return nil, fserrors.NewStorageError(fserrors.CodeDownloadFailed, "download snapshot "+key, err)
	}
	raw, err := Decode(data)
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeDownloadFailed, "decode snapshot "+key, err)
	}
	return raw, nil
}

// List returns every archived snapshot sorted by fingerprint. Size is left
// zero; CompressedSize and CreatedAt come from the object metadata.
func (a *Archive) List(ctx context.Context) ([]Snapshot, error) {
	prefix := a.prefix
	if prefix != "" {
		prefix += "/"
	}
	objects, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeDownloadFailed, "list snapshots", err)
	}
	var out []Snapshot
	for _, obj := range objects {
		fp, ok := strings.CutSuffix(path.Base(obj.Key), extension)
		if !ok || path.Dir(obj.Key) != path.Dir(a.Key(fp)) {
			continue
		}
		out = append(out, Snapshot{
			Fingerprint:    fp,
			Key:            obj.Key,
			CompressedSize: int(obj.Size),
			CreatedAt:      obj.Modified,
		})
	}
	return out, nil
}

// Prune deletes snapshots stored before now minus maxAge. Snapshots whose
// fingerprint is in keep survive regardless of age.
func (a *Archive) Prune(ctx context.Context, maxAge time.Duration, keep map[string]bool) (int, error) {
	snaps, err := a.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, snap := range snaps {
		if keep[snap.Fingerprint] || !snap.CreatedAt.Before(cutoff) {
			continue
		}
		if err := a.store.Delete(ctx, snap.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		log.Printf("archive: pruned %d snapshot(s) older than %v", deleted, maxAge)
	}
	return deleted, nil
}

// Source replays an archived snapshot as a feed source.
type Source struct {
	Archive *Archive
	Ref     string
}

// Fetch returns the archived feed bytes.
func (s *Source) Fetch(ctx context.Context) ([]byte, error) {
	raw, err := s.Archive.Get(ctx, s.Ref)
	if err != nil {
		return nil, fserrors.NewSourceError("replay snapshot "+s.Ref, err)
	}
	return raw, nil
}

func (s *Source) String() string {
	return "snapshot:" + s.Ref
}
