// Package jsonfile is the dev/single-node backend of the Storage Façade
// (C11): one JSON file per record, grouped into per-tenant subdirectories,
// written with a temp-file-plus-rename so a crash mid-write never leaves a
// torn file behind. It implements the same domain.JobStore/DeliveryStore/
// UsageStore/BalanceStore contracts as the postgres package, so the engine
// and billing gate can run against either without a build tag.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store roots every record under baseDir/<kind>/<tenant>/<key>.json. A
// single RWMutex per Store serializes writes across all record kinds;
// the dev backend is meant for local/single-instance use, not throughput.
type Store struct {
	baseDir string
	tenant  string
	mu      sync.RWMutex
}

// New builds a Store rooted at baseDir, namespacing every record under
// the given tenant subdirectory so multiple bot instances sharing a disk
// never collide.
func New(baseDir, tenant string) *Store {
	if tenant == "" {
		tenant = "default"
	}
	return &Store{baseDir: baseDir, tenant: tenant}
}

func (s *Store) dir(kind string) string {
	return filepath.Join(s.baseDir, kind, s.tenant)
}

func (s *Store) path(kind, key string) string {
	return filepath.Join(s.dir(kind), sanitize(key)+".json")
}

// sanitize replaces path separators in a key so it can never escape its
// kind/tenant directory.
func sanitize(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case '/', '\\', '.', '\x00':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// writeJSON marshals v and writes it to path atomically: it writes to a
// sibling temp file first, then renames over the destination so readers
// never observe a partial write.
func (s *Store) writeJSON(kind, key string, v any) error {
	dir := s.dir(kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=jsonfile.write.mkdir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=jsonfile.write.marshal: %w", err)
	}
	dst := s.path(kind, key)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("op=jsonfile.write.create_temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("op=jsonfile.write.write_temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("op=jsonfile.write.close_temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("op=jsonfile.write.rename: %w", err)
	}
	return nil
}

// readJSON unmarshals the record at kind/key into v. It returns
// os.ErrNotExist (wrapped) when absent; callers translate that into
// whatever their interface's not-found contract requires.
func (s *Store) readJSON(kind, key string, v any) error {
	data, err := os.ReadFile(s.path(kind, key))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// listJSON loads every record file under kind, in directory iteration
// order (readers needing a stable order sort after decoding).
func (s *Store) listJSON(kind string, newRecord func() any) ([]any, error) {
	dir := s.dir(kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=jsonfile.list.readdir: %w", err)
	}
	var out []any
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("op=jsonfile.list.read: %w", err)
		}
		rec := newRecord()
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, fmt.Errorf("op=jsonfile.list.unmarshal: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
