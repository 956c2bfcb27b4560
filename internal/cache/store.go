package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"talkingheads/internal/logging"
	"talkingheads/internal/services"
)

const (
	entryVersion  = 1
	entryFileName = "entry.json"
	artifactBase  = "artifact"
	lockFileName  = ".lock"
	zstdSuffix    = ".zst"
)

// Entry is the sidecar stored next to every cached artifact.
type Entry struct {
	Version    int    `json:"version"`
	Key        string `json:"key"`
	Stage      string `json:"stage"`
	Backend    string `json:"backend"`
	Artifact   string `json:"artifact"`
	Compressed bool   `json:"compressed"`

	// Size is the uncompressed artifact size in bytes.
	Size      int64           `json:"size"`
	CreatedAt time.Time       `json:"created_at"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// PutOptions describes how an artifact is stored.
type PutOptions struct {
	Backend  string
	Compress bool
	Meta     any
}

// Store is a content-addressed artifact cache rooted at a directory.
type Store struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
	flight   singleflight.Group
	lock     *flock.Flock
	statfs   statfsFunc
}

// Open prepares a cache rooted at root. maxBytes <= 0 disables size pruning.
func Open(root string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "open", "cache directory is empty", nil)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "open", root, err)
	}
	return &Store{
		root:     root,
		maxBytes: maxBytes,
		logger:   logging.NewComponentLogger(logger, "cache"),
		lock:     flock.New(filepath.Join(root, lockFileName)),
		statfs:   realStatfs,
	}, nil
}

// Root returns the cache directory.
func (s *Store) Root() string { return s.root }

// Key derives the cache key for a stage from its content parts and the
// backend identity. Parts are length-prefixed so adjacent values cannot
// collide.
func Key(stage, backendIdentity string, parts ...string) string {
	sum := sha256.New()
	for _, part := range append([]string{stage, backendIdentity}, parts...) {
		fmt.Fprintf(sum, "%d:%s\x00", len(part), part)
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func (s *Store) entryDir(stage, key string) string {
	prefix := key
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, stage, prefix, key)
}

// Get looks up an entry. On a hit it returns a readable path to the artifact;
// compressed artifacts are expanded into scratchDir first. meta, when non-nil,
// receives the entry's metadata.
func (s *Store) Get(stage, key, scratchDir string, meta any) (string, *Entry, bool, error) {
	dir := s.entryDir(stage, key)
	entry, err := readEntry(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, false, nil
	}
	if err != nil {
		s.logger.Warn("cache entry unreadable; treating as miss",
			logging.String(logging.FieldCacheKey, key),
			logging.String(logging.FieldStage, stage),
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_entry_corrupt"),
			logging.String(logging.FieldErrorHint, "the entry will be replaced on the next successful call"),
		)
		return "", nil, false, nil
	}
	artifact := filepath.Join(dir, entry.Artifact)
	if _, err := os.Stat(artifact); err != nil {
		return "", nil, false, nil
	}
	if meta != nil && len(entry.Meta) > 0 {
		if err := json.Unmarshal(entry.Meta, meta); err != nil {
			return "", nil, false, fmt.Errorf("cache: decode meta %s: %w", key, err)
		}
	}
	now := time.Now()
	_ = os.Chtimes(dir, now, now)

	if !entry.Compressed {
		return artifact, entry, true, nil
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", nil, false, fmt.Errorf("cache: ensure scratch dir: %w", err)
	}
	target := filepath.Join(scratchDir, key+strings.TrimSuffix(strings.TrimPrefix(entry.Artifact, artifactBase), zstdSuffix))
	if err := decompressFile(artifact, target); err != nil {
		return "", nil, false, fmt.Errorf("cache: expand %s: %w", key, err)
	}
	return target, entry, true, nil
}

// Put stores src under key. The returned path is readable for as long as the
// entry exists: the cached artifact itself, or src when the artifact was
// compressed.
func (s *Store) Put(stage, key, src string, opts PutOptions) (string, *Entry, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", nil, fmt.Errorf("cache: inspect artifact: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(src))
	name := artifactBase + ext
	if opts.Compress {
		name += zstdSuffix
	}
	entry := &Entry{
		Version:    entryVersion,
		Key:        key,
		Stage:      stage,
		Backend:    opts.Backend,
		Artifact:   name,
		Compressed: opts.Compress,
		Size:       info.Size(),
		CreatedAt:  time.Now().UTC(),
	}
	if opts.Meta != nil {
		payload, err := json.Marshal(opts.Meta)
		if err != nil {
			return "", nil, fmt.Errorf("cache: encode meta: %w", err)
		}
		entry.Meta = payload
	}

	final := s.entryDir(stage, key)
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("cache: ensure entry parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-"+key[:min(8, len(key))]+"-")
	if err != nil {
		return "", nil, fmt.Errorf("cache: create temp entry: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	if opts.Compress {
		err = compressFile(src, filepath.Join(tmp, name))
	} else {
		err = copyFile(src, filepath.Join(tmp, name))
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("cache: write artifact: %w", err)
	}
	if err := writeEntry(tmp, entry); err != nil {
		cleanup()
		return "", nil, err
	}
	if err := os.Rename(tmp, final); err != nil {
		cleanup()
		if _, statErr := os.Stat(filepath.Join(final, entryFileName)); statErr != nil {
			return "", nil, fmt.Errorf("cache: commit entry: %w", err)
		}
		// Another writer committed the same key first; its content is equivalent.
		s.logger.Debug("cache entry already committed", logging.String(logging.FieldCacheKey, key))
	}

	if opts.Compress {
		return src, entry, nil
	}
	return filepath.Join(final, name), entry, nil
}

// Do runs fn at most once concurrently per key. Callers that arrive while a
// call is in flight wait for and share its result. shared reports whether the
// result was delivered to more than one caller.
func (s *Store) Do(ctx context.Context, key string, fn func() (any, error)) (any, bool, error) {
	for {
		ch := s.flight.DoChan(key, fn)
		select {
		case res := <-ch:
			// A cancelled leader must not fail followers whose own context is live.
			if res.Err != nil && res.Shared && ctx.Err() == nil && services.KindOf(res.Err) == services.KindCancelled {
				continue
			}
			return res.Val, res.Shared, res.Err
		case <-ctx.Done():
			return nil, false, services.Wrap(services.ErrCancelled, "cache", "wait", key, ctx.Err())
		}
	}
}

// LockShared takes the shared run lock on the cache root, waiting until no
// prune is in progress.
func (s *Store) LockShared(ctx context.Context) (func() error, error) {
	ok, err := s.lock.TryRLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return nil, services.Wrap(services.ErrCancelled, "cache", "lock", "shared", err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrCancelled, "cache", "lock", "shared lock not acquired", nil)
	}
	return s.lock.Unlock, nil
}

// LockExclusive takes the exclusive prune lock on the cache root.
func (s *Store) LockExclusive(ctx context.Context) (func() error, error) {
	ok, err := s.lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return nil, services.Wrap(services.ErrCancelled, "cache", "lock", "exclusive", err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrCancelled, "cache", "lock", "exclusive lock not acquired", nil)
	}
	return s.lock.Unlock, nil
}

func readEntry(dir string) (*Entry, error) {
	payload, err := os.ReadFile(filepath.Join(dir, entryFileName))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if entry.Version != entryVersion {
		return nil, fmt.Errorf("unsupported entry version %d", entry.Version)
	}
	if entry.Artifact == "" || strings.ContainsAny(entry.Artifact, `/\`) {
		return nil, fmt.Errorf("invalid artifact name %q", entry.Artifact)
	}
	return &entry, nil
}

func writeEntry(dir string, entry *Entry) error {
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, entryFileName), payload, 0o644); err != nil {
		return fmt.Errorf("cache: write entry: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
