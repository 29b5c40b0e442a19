package filesystem

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

const marksDir = "marks"

type marker struct {
	DeleteAt time.Time `json:"deleteAt"`
}

// deletionIndex keeps one marker file per marked key under dir. Every
// process sharing the storage root only ever replaces or removes whole
// marker files, so marks written by workers are never lost by the main
// process and survive restarts.
type deletionIndex struct {
	mu  sync.Mutex
	dir string
}

func newDeletionIndex(dir string) *deletionIndex {
	return &deletionIndex{dir: dir}
}

func (d *deletionIndex) init() error {
	return os.MkdirAll(d.dir, 0o755)
}

// mark sets the deadline for keys. An existing earlier deadline is kept.
func (d *deletionIndex) mark(keys []string, deadline time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range keys {
		if prev, ok := d.deadline(key); ok && prev.Before(deadline) {
			continue
		}
		if err := d.write(key, deadline); err != nil {
			return err
		}
	}
	return nil
}

// due lists marked keys whose deadline is not after now. A marker that cannot
// be decoded still means the key was marked, so it is due immediately.
func (d *deletionIndex) due(now time.Time) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		deadline, err := d.readMarker(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || !now.Before(deadline) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *deletionIndex) remove(keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := os.Remove(filepath.Join(d.dir, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *deletionIndex) deadline(key string) (time.Time, bool) {
	deadline, err := d.readMarker(key)
	return deadline, err == nil
}

func (d *deletionIndex) readMarker(key string) (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(d.dir, key))
	if err != nil {
		return time.Time{}, err
	}
	var m marker
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return time.Time{}, err
	}
	return m.DeleteAt, nil
}

// write replaces the marker atomically. The temporary name is unique per
// write and hidden from due.
func (d *deletionIndex) write(key string, deadline time.Time) error {
	raw, err := sonic.Marshal(marker{DeleteAt: deadline})
	if err != nil {
		return err
	}
	tmp := filepath.Join(d.dir, "."+key+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(d.dir, key)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
