package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"hpc-bridge/core/common"
	"hpc-bridge/core/models"

	"github.com/gofrs/flock"
	"github.com/gosimple/slug"
)

const (
	cacheFileName = "jobs.json"
	lockFileName  = "jobs.json.lock"
	logDirName    = "logs"
)

// JobCache is the durable local store of job records.
// Every mutation holds an exclusive file lock and commits with write-to-temp then rename,
// so readers never observe a partially written store.
type JobCache struct {
	dir    string
	path   string
	logDir string
	lock   *flock.Flock
	mu     sync.Mutex // flock is per open file, so goroutines of one process serialize here first
	now    func() time.Time
}

// ListFilter selects jobs returned by List
type ListFilter struct {
	Statuses        []models.JobStatus
	ExcludeStatuses []models.JobStatus
	NameGlob        string
	Limit           int
}

// NewJobCache opens (creating if needed) the cache rooted at dir
func NewJobCache(dir string) (*JobCache, error) {
	logDir := filepath.Join(dir, logDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &JobCache{
		dir:    dir,
		path:   filepath.Join(dir, cacheFileName),
		logDir: logDir,
		lock:   flock.New(filepath.Join(dir, lockFileName)),
		now:    time.Now,
	}, nil
}

// WithClock replaces the time source used for bookkeeping timestamps
func (c *JobCache) WithClock(now func() time.Time) *JobCache {
	c.now = now
	return c
}

// Path returns the location of the persisted store
func (c *JobCache) Path() string {
	return c.path
}

// Get returns the entry for id or common.ErrNotFound
func (c *JobCache) Get(id string) (models.CacheEntry, error) {
	jobs, err := c.load()
	if err != nil {
		return models.CacheEntry{}, err
	}
	e, ok := jobs[id]
	if !ok {
		return models.CacheEntry{}, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	return *e, nil
}

// List returns jobs matching filter ordered by creation time, newest first
func (c *JobCache) List(filter ListFilter) ([]models.CacheEntry, error) {
	jobs, err := c.load()
	if err != nil {
		return nil, err
	}
	if filter.NameGlob != "" {
		if _, err := path.Match(filter.NameGlob, ""); err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", filter.NameGlob, err)
		}
	}

	out := make([]models.CacheEntry, 0, len(jobs))
	for _, e := range jobs {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		if containsStatus(filter.ExcludeStatuses, e.Status) {
			continue
		}
		if filter.NameGlob != "" {
			if ok, _ := path.Match(filter.NameGlob, e.Name); !ok {
				continue
			}
		}
		out = append(out, *e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Upsert inserts or merges entry. A record that would move a terminal job to another
// status is dropped whole, and the log offset never moves backwards through Upsert.
func (c *JobCache) Upsert(entry models.CacheEntry) (models.CacheEntry, error) {
	if entry.ID == "" {
		return models.CacheEntry{}, errors.New("job id is required")
	}
	var merged models.CacheEntry
	err := c.mutate(func(jobs map[string]*models.CacheEntry) (bool, error) {
		merged = mergeEntry(jobs[entry.ID], entry)
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = c.now()
		}
		jobs[entry.ID] = &merged
		return true, nil
	})
	return merged, err
}

// Update applies fn to the stored entry under the cache lock and commits the result.
// A terminal status survives fn; the rest of its changes are kept.
func (c *JobCache) Update(id string, fn func(*models.CacheEntry) error) (models.CacheEntry, error) {
	var out models.CacheEntry
	err := c.mutate(func(jobs map[string]*models.CacheEntry) (bool, error) {
		stored, ok := jobs[id]
		if !ok {
			return false, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
		}
		next := *stored
		if err := fn(&next); err != nil {
			return false, err
		}
		next.ID = id
		if stored.Status.IsTerminal() {
			next.Status = stored.Status
		}
		out = mergeEntry(stored, next)
		jobs[id] = &out
		return true, nil
	})
	return out, err
}

// Remove deletes a job and its cached log; it reports whether the job existed
func (c *JobCache) Remove(id string) (bool, error) {
	var removed bool
	var logPath string
	err := c.mutate(func(jobs map[string]*models.CacheEntry) (bool, error) {
		e, ok := jobs[id]
		if !ok {
			return false, nil
		}
		logPath = e.LogPath
		delete(jobs, id)
		removed = true
		return true, nil
	})
	if err == nil && logPath != "" {
		os.Remove(logPath)
	}
	return removed, err
}

// Clear removes every job from the cache
func (c *JobCache) Clear() error {
	return c.mutate(func(jobs map[string]*models.CacheEntry) (bool, error) {
		for id, e := range jobs {
			if e.LogPath != "" {
				os.Remove(e.LogPath)
			}
			delete(jobs, id)
		}
		return true, nil
	})
}

// Prune removes jobs created more than maxAge ago and returns how many were removed
func (c *JobCache) Prune(maxAge time.Duration) (int, error) {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	err := c.mutate(func(jobs map[string]*models.CacheEntry) (bool, error) {
		for id, e := range jobs {
			if e.CreatedAt.IsZero() || !e.CreatedAt.Before(cutoff) {
				continue
			}
			if e.LogPath != "" {
				os.Remove(e.LogPath)
			}
			delete(jobs, id)
			removed++
		}
		return removed > 0, nil
	})
	return removed, err
}

// AppendLog stores the part of chunk past the cached offset and returns the new offset.
// Chunks overlapping what is stored are trimmed; a chunk starting past the offset is rejected.
func (c *JobCache) AppendLog(id string, chunk models.LogChunk) (int64, error) {
	var offset int64
	err := c.mutate(func(jobs map[string]*models.CacheEntry) (bool, error) {
		e, ok := jobs[id]
		if !ok {
			return false, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
		}
		offset = e.LogOffset
		if chunk.Offset > offset {
			return false, fmt.Errorf("job %s: chunk at %d, cached up to %d: %w", id, chunk.Offset, offset, common.ErrLogGap)
		}
		if chunk.End() <= offset {
			return false, nil
		}

		logPath := e.LogPath
		if logPath == "" {
			logPath = c.logPathFor(e.Job)
		}
		if err := writeLogSuffix(logPath, offset, chunk.Data[offset-chunk.Offset:]); err != nil {
			return false, common.NewError(common.KindCacheCorruption, id, err, "failed to write log cache")
		}

		now := c.now()
		e.LogPath = logPath
		e.LogOffset = chunk.End()
		e.LogCachedAt = &now
		offset = e.LogOffset
		return true, nil
	})
	return offset, err
}

// ReadLog returns the cached log bytes for id up to the committed offset
func (c *JobCache) ReadLog(id string) ([]byte, error) {
	e, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	if e.LogPath == "" || e.LogOffset == 0 {
		return nil, nil
	}
	data, err := os.ReadFile(e.LogPath)
	if err != nil {
		return nil, common.NewError(common.KindCacheCorruption, id, err, "cached log unreadable")
	}
	if int64(len(data)) < e.LogOffset {
		return nil, common.NewError(common.KindCacheCorruption, id, nil,
			"cached log has %d bytes, expected %d; reset the log offset", len(data), e.LogOffset)
	}
	return data[:e.LogOffset], nil
}

// ResetLogOffset forgets the cached log so the next fetch starts from zero
func (c *JobCache) ResetLogOffset(id string) error {
	return c.mutate(func(jobs map[string]*models.CacheEntry) (bool, error) {
		e, ok := jobs[id]
		if !ok {
			return false, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
		}
		e.LogOffset = 0
		e.LogCachedAt = nil
		return true, nil
	})
}

func (c *JobCache) logPathFor(job models.Job) string {
	name := job.ID
	if s := slug.Make(job.Name); s != "" {
		name = s + "-" + job.ID
	}
	return filepath.Join(c.logDir, name+".log")
}

// mutate runs fn on the freshly loaded store while holding both locks.
// fn returns whether the store changed and must be written back.
func (c *JobCache) mutate(fn func(map[string]*models.CacheEntry) (bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock job cache: %w", err)
	}
	defer c.lock.Unlock()

	jobs, err := c.load()
	if err != nil {
		return err
	}
	changed, err := fn(jobs)
	if err != nil || !changed {
		return err
	}
	return c.save(jobs)
}

func (c *JobCache) load() (map[string]*models.CacheEntry, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*models.CacheEntry{}, nil
	}
	if err != nil {
		return nil, common.NewError(common.KindCacheCorruption, "", err, "cannot read %s", c.path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]*models.CacheEntry{}, nil
	}

	jobs := map[string]*models.CacheEntry{}
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, common.NewError(common.KindCacheCorruption, "", err,
			"%s is not a valid job cache; refusing to overwrite it", c.path)
	}
	for id, e := range jobs {
		if e == nil {
			return nil, common.NewError(common.KindCacheCorruption, id, nil, "null entry in %s", c.path)
		}
		e.ID = id
	}
	return jobs, nil
}

func (c *JobCache) save(jobs map[string]*models.CacheEntry) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job cache: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("failed to commit job cache: %w", err)
	}
	return nil
}

// writeLogSuffix writes data at offset, discarding anything a crashed writer left past it
func writeLogSuffix(logPath string, offset int64, data []byte) error {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < offset {
		return fmt.Errorf("log file %s has %d bytes, expected at least %d", logPath, info.Size(), offset)
	}
	if err := f.Truncate(offset); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return f.Sync()
}

// mergeEntry folds an incoming record onto the stored one
func mergeEntry(stored *models.CacheEntry, in models.CacheEntry) models.CacheEntry {
	out := in
	if stored == nil {
		return out
	}

	// a resolved job only accepts a replay of its own terminal record
	if stored.Status.IsTerminal() && in.Status != stored.Status {
		return *stored
	}
	if !stored.CreatedAt.IsZero() {
		out.CreatedAt = stored.CreatedAt
	}
	if stored.Status.IsTerminal() {
		out.PriorStatus = stored.PriorStatus
		out.ExitCode = stored.ExitCode
		out.UnreachableSince = nil
	}
	if out.Name == "" {
		out.Name = stored.Name
	}
	if out.Command == "" {
		out.Command = stored.Command
	}
	if out.Resource == (models.ResourceSpec{}) {
		out.Resource = stored.Resource
	}
	if out.Handle.RequestID == "" {
		out.Handle = stored.Handle
	} else if out.Handle.RunID == 0 && out.Handle.RequestID == stored.Handle.RequestID {
		out.Handle.RunID = stored.Handle.RunID
	}
	if out.LogPath == "" {
		out.LogPath = stored.LogPath
	}
	if out.LogOffset < stored.LogOffset {
		out.LogOffset = stored.LogOffset
		out.LogCachedAt = stored.LogCachedAt
	}
	return out
}

func containsStatus(list []models.JobStatus, s models.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
