package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"talkingheads/internal/logging"
)

const (
	freeSpaceFloor = 0.10
	staleTempAge   = time.Hour
)

type statfsFunc func(path string) (total uint64, free uint64, err error)

// StageStats summarizes the entries stored for one stage.
type StageStats struct {
	Stage      string
	Entries    int
	TotalBytes int64
	Oldest     time.Time
	Newest     time.Time
}

// Stats reports cache usage and filesystem headroom.
type Stats struct {
	Root         string
	Entries      int
	TotalBytes   int64
	MaxBytes     int64
	FreeBytes    uint64
	TotalFSBytes uint64
	FreeRatio    float64
	Stages       []StageStats
}

// PruneResult reports what a prune pass removed.
type PruneResult struct {
	Removed        int
	FreedBytes     int64
	Remaining      int
	RemainingBytes int64
	StaleTemps     int
}

type cacheEntry struct {
	stage     string
	path      string
	sizeBytes int64
	usedAt    time.Time
}

// Stats scans the cache and reports per-stage usage.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	entries, total, _, err := s.scan()
	if err != nil {
		return Stats{}, err
	}
	totalFS, freeFS, err := s.statfs(s.root)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: statfs: %w", err)
	}
	ratio := 1.0
	if totalFS > 0 {
		ratio = float64(freeFS) / float64(totalFS)
	}
	byStage := make(map[string]*StageStats)
	for _, entry := range entries {
		st, ok := byStage[entry.stage]
		if !ok {
			st = &StageStats{Stage: entry.stage, Oldest: entry.usedAt, Newest: entry.usedAt}
			byStage[entry.stage] = st
		}
		st.Entries++
		st.TotalBytes += entry.sizeBytes
		if entry.usedAt.Before(st.Oldest) {
			st.Oldest = entry.usedAt
		}
		if entry.usedAt.After(st.Newest) {
			st.Newest = entry.usedAt
		}
	}
	stages := make([]StageStats, 0, len(byStage))
	for _, st := range byStage {
		stages = append(stages, *st)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Stage < stages[j].Stage })

	if len(entries) == 0 {
		s.logger.DebugContext(ctx, "cache empty", logging.String("cache_dir", s.root))
	}
	return Stats{
		Root:         s.root,
		Entries:      len(entries),
		TotalBytes:   total,
		MaxBytes:     s.maxBytes,
		FreeBytes:    freeFS,
		TotalFSBytes: totalFS,
		FreeRatio:    ratio,
		Stages:       stages,
	}, nil
}

// Prune removes least recently used entries until the cache fits maxBytes and
// the volume keeps its free-space floor. maxBytes <= 0 uses the store budget;
// when both are unset only the free-space floor applies. Callers must hold
// the exclusive lock.
func (s *Store) Prune(ctx context.Context, maxBytes int64) (PruneResult, error) {
	if maxBytes <= 0 {
		maxBytes = s.maxBytes
	}
	entries, total, stale, err := s.scan()
	if err != nil {
		return PruneResult{}, err
	}
	var result PruneResult
	for _, dir := range stale {
		if err := os.RemoveAll(dir); err == nil {
			result.StaleTemps++
		}
	}

	for len(entries) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		freeOK, err := s.freeSpaceOK()
		if err != nil {
			return result, err
		}
		if (maxBytes <= 0 || total <= maxBytes) && freeOK {
			break
		}
		oldest := entries[0]
		if err := os.RemoveAll(oldest.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, fmt.Errorf("cache: remove %q: %w", oldest.path, err)
		}
		s.logger.InfoContext(ctx, "pruned cache entry",
			logging.String(logging.FieldStage, oldest.stage),
			logging.String(logging.FieldCacheKey, filepath.Base(oldest.path)),
			logging.Int64("entry_size_bytes", oldest.sizeBytes),
		)
		result.Removed++
		result.FreedBytes += oldest.sizeBytes
		total -= oldest.sizeBytes
		entries = entries[1:]
	}
	result.Remaining = len(entries)
	result.RemainingBytes = total
	return result, nil
}

// PruneIfIdle prunes to the store budget when no other process holds the
// cache lock. It never blocks.
func (s *Store) PruneIfIdle(ctx context.Context) (PruneResult, bool, error) {
	if s.maxBytes <= 0 {
		return PruneResult{}, false, nil
	}
	locked, err := s.lock.TryLock()
	if err != nil || !locked {
		return PruneResult{}, false, err
	}
	defer func() { _ = s.lock.Unlock() }()
	result, err := s.Prune(ctx, s.maxBytes)
	return result, true, err
}

// scan lists committed entries oldest-use first, plus temp directories left by
// interrupted writers.
func (s *Store) scan() ([]cacheEntry, int64, []string, error) {
	var (
		entries []cacheEntry
		stale   []string
		total   int64
	)
	stages, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil, nil
		}
		return nil, 0, nil, fmt.Errorf("cache: list root: %w", err)
	}
	cutoff := time.Now().Add(-staleTempAge)
	for _, stageDir := range stages {
		if !stageDir.IsDir() || strings.HasPrefix(stageDir.Name(), ".") {
			continue
		}
		stage := stageDir.Name()
		prefixes, err := os.ReadDir(filepath.Join(s.root, stage))
		if err != nil {
			continue
		}
		for _, prefix := range prefixes {
			if !prefix.IsDir() {
				continue
			}
			prefixPath := filepath.Join(s.root, stage, prefix.Name())
			keys, err := os.ReadDir(prefixPath)
			if err != nil {
				continue
			}
			for _, key := range keys {
				if !key.IsDir() {
					continue
				}
				path := filepath.Join(prefixPath, key.Name())
				info, err := key.Info()
				if err != nil {
					continue
				}
				if strings.HasPrefix(key.Name(), ".tmp-") {
					if info.ModTime().Before(cutoff) {
						stale = append(stale, path)
					}
					continue
				}
				size, err := dirSize(path)
				if err != nil {
					s.logger.Warn("cache: skip entry; excluded from stats and pruning",
						logging.String("cache_dir", path),
						logging.Error(err),
						logging.String(logging.FieldEventType, "cache_entry_skipped"),
						logging.String(logging.FieldErrorHint, "inspect cache directory permissions or remove the corrupted entry"),
					)
					continue
				}
				total += size
				entries = append(entries, cacheEntry{stage: stage, path: path, sizeBytes: size, usedAt: info.ModTime()})
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].usedAt.Before(entries[j].usedAt)
	})
	return entries, total, stale, nil
}

func (s *Store) freeSpaceOK() (bool, error) {
	total, free, err := s.statfs(s.root)
	if err != nil {
		return false, fmt.Errorf("cache: statfs: %w", err)
	}
	if total == 0 {
		return true, nil
	}
	return float64(free)/float64(total) >= freeSpaceFloor, nil
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
