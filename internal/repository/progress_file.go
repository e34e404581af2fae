package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
)

var _ ProgressRepository = (*FileProgressRepository)(nil)

const documentVersion = 1

// progressDocument is the on-disk layout of one user's progress file.
type progressDocument struct {
	Version    int                  `json:"version"`
	Username   string               `json:"username"`
	SavedAt    time.Time            `json:"saved_at"`
	Runs       []*achieve.Run       `json:"runs"`
	Operations []*achieve.Operation `json:"operations"`
}

// errNothingChanged aborts a mutate call without writing.
var errNothingChanged = errors.New("nothing changed")

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileProgressRepository keeps one JSON document per user in dir. The whole
// document is read on SwitchUser and rewritten after every mutation. A
// mutation whose write fails is rolled back to the last written document.
type FileProgressRepository struct {
	mem *MemoryProgressRepository
	dir string

	// writeMu serialises mutate+flush so a rollback never discards another
	// caller's committed change.
	writeMu sync.Mutex
	durable *progressDocument
}

// NewFileProgressRepository creates dir if needed.
func NewFileProgressRepository(dir string) (*FileProgressRepository, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, achieve.WrapError(achieve.ErrStorage, "create progress dir", err)
	}
	return &FileProgressRepository{mem: NewMemoryProgressRepository(), dir: dir}, nil
}

func (r *FileProgressRepository) path(username string) string {
	return filepath.Join(r.dir, unsafeFileChars.ReplaceAllString(username, "_")+".json")
}

// SwitchUser loads the user's document. A missing file starts empty; an
// unreadable or corrupt file is logged and also starts empty.
func (r *FileProgressRepository) SwitchUser(ctx context.Context, username string) error {
	if username == "" {
		return achieve.NewError(achieve.ErrConfiguration, "switch user", "username is required")
	}
	path := r.path(username)
	doc, err := readDocument(path)
	if err != nil {
		slog.Warn("progress file unreadable, starting empty", "path", path, "err", err)
		doc = nil
	}
	if doc == nil {
		doc = &progressDocument{Version: documentVersion, Username: username}
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.durable = doc
	r.mem.load(ctx, username, doc.clone())
	return nil
}

func (d *progressDocument) clone() *progressDocument {
	cp := *d
	cp.Runs = make([]*achieve.Run, len(d.Runs))
	for i, run := range d.Runs {
		v := *run
		cp.Runs[i] = &v
	}
	cp.Operations = make([]*achieve.Operation, len(d.Operations))
	for i, op := range d.Operations {
		v := *op
		cp.Operations[i] = &v
	}
	return &cp
}

// mutate applies fn to the cache and persists it. If the write fails the
// cache is restored from the last written document.
func (r *FileProgressRepository) mutate(ctx context.Context, fn func() error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	if err := r.flush(ctx); err != nil {
		if r.durable != nil {
			slog.Warn("progress write failed, discarding unsaved change", "user", r.durable.Username, "err", err)
			r.mem.load(ctx, r.durable.Username, r.durable.clone())
		}
		return err
	}
	return nil
}

func readDocument(path string) (*progressDocument, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc progressDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode progress file: %w", err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("progress file version %d is newer than supported %d", doc.Version, documentVersion)
	}
	return &doc, nil
}

// flush writes the current namespace atomically via a temp file and rename.
// Caller holds writeMu.
func (r *FileProgressRepository) flush(ctx context.Context) error {
	r.mem.mu.Lock()
	doc, err := r.mem.snapshot(ctx)
	r.mem.mu.Unlock()
	if err != nil {
		return err
	}
	doc.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return achieve.WrapError(achieve.ErrStorage, "encode progress", err)
	}

	path := r.path(doc.Username)
	tmp, err := os.CreateTemp(r.dir, ".progress-*.tmp")
	if err != nil {
		return achieve.WrapError(achieve.ErrStorage, "write progress", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return achieve.WrapError(achieve.ErrStorage, "write progress", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return achieve.WrapError(achieve.ErrStorage, "sync progress", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return achieve.WrapError(achieve.ErrStorage, "write progress", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return achieve.WrapError(achieve.ErrStorage, "replace progress file", err)
	}
	r.durable = doc
	return nil
}

func (r *FileProgressRepository) UpsertRun(ctx context.Context, kind achieve.Kind, displayName string, tier achieve.Tier, target int) (*achieve.Run, error) {
	var run *achieve.Run
	err := r.mutate(ctx, func() (err error) {
		run, err = r.mem.UpsertRun(ctx, kind, displayName, tier, target)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *FileProgressRepository) GetRun(ctx context.Context, kind achieve.Kind) (*achieve.Run, error) {
	return r.mem.GetRun(ctx, kind)
}

func (r *FileProgressRepository) ListRuns(ctx context.Context) ([]*achieve.Run, error) {
	return r.mem.ListRuns(ctx)
}

func (r *FileProgressRepository) DeleteRun(ctx context.Context, kind achieve.Kind) error {
	return r.mutate(ctx, func() error { return r.mem.DeleteRun(ctx, kind) })
}

func (r *FileProgressRepository) SetRunStatus(ctx context.Context, kind achieve.Kind, status achieve.Status) error {
	return r.mutate(ctx, func() error { return r.mem.SetRunStatus(ctx, kind, status) })
}

func (r *FileProgressRepository) SetRunProgress(ctx context.Context, kind achieve.Kind, completed int) error {
	return r.mutate(ctx, func() error { return r.mem.SetRunProgress(ctx, kind, completed) })
}

// ResetStuckOperations skips the write when nothing was stuck.
func (r *FileProgressRepository) ResetStuckOperations(ctx context.Context, kind achieve.Kind) (int, error) {
	var n int
	err := r.mutate(ctx, func() (err error) {
		n, err = r.mem.ResetStuckOperations(ctx, kind)
		if err == nil && n == 0 {
			return errNothingChanged
		}
		return err
	})
	if errors.Is(err, errNothingChanged) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *FileProgressRepository) CompletedOperationNumbers(ctx context.Context, kind achieve.Kind) (map[int]bool, error) {
	return r.mem.CompletedOperationNumbers(ctx, kind)
}

func (r *FileProgressRepository) CreateOperation(ctx context.Context, kind achieve.Kind, seq int, opKind achieve.OperationKind) (string, error) {
	var id string
	err := r.mutate(ctx, func() (err error) {
		id, err = r.mem.CreateOperation(ctx, kind, seq, opKind)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *FileProgressRepository) UpdateOperation(ctx context.Context, id string, update achieve.OperationUpdate) error {
	return r.mutate(ctx, func() error { return r.mem.UpdateOperation(ctx, id, update) })
}

func (r *FileProgressRepository) CountCompletedOperations(ctx context.Context, kind achieve.Kind) (int, error) {
	return r.mem.CountCompletedOperations(ctx, kind)
}

func (r *FileProgressRepository) OperationsForRun(ctx context.Context, kind achieve.Kind) ([]*achieve.Operation, error) {
	return r.mem.OperationsForRun(ctx, kind)
}

func (r *FileProgressRepository) Close() error { return nil }
