package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"
)

// snapshotFile is the on-disk layout. Timestamps are seconds since the epoch.
type snapshotFile struct {
	ContextStore map[string]snapshotEntry `json:"context_store"`
	TTLStore     map[string]float64       `json:"ttl_store"`
	Timestamp    float64                  `json:"timestamp"`
}

type snapshotEntry struct {
	Value     json.RawMessage `json:"value"`
	Metadata  map[string]any  `json:"metadata"`
	CreatedAt float64         `json:"created_at"`
	UpdatedAt float64         `json:"updated_at"`
}

// toEpoch and fromEpoch split whole seconds from the fraction so deadlines
// past 2262 do not overflow a nanosecond count.
func toEpoch(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

func fromEpoch(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// encodeSnapshot copies the maps under the read lock and serializes outside
// it. Entries are immutable, so a shallow copy is sufficient.
func (m *Manager) encodeSnapshot() ([]byte, error) {
	m.mu.RLock()
	entries := make(map[string]*Entry, len(m.entries))
	for k, e := range m.entries {
		entries[k] = e
	}
	expiries := make(map[string]time.Time, len(m.expiries))
	for k, d := range m.expiries {
		expiries[k] = d
	}
	m.mu.RUnlock()

	snap := snapshotFile{
		ContextStore: make(map[string]snapshotEntry, len(entries)),
		TTLStore:     make(map[string]float64, len(expiries)),
		Timestamp:    toEpoch(m.now()),
	}
	for k, e := range entries {
		snap.ContextStore[k] = snapshotEntry{
			Value:     e.Value,
			Metadata:  e.Metadata,
			CreatedAt: toEpoch(e.CreatedAt),
			UpdatedAt: toEpoch(e.UpdatedAt),
		}
	}
	for k, d := range expiries {
		snap.TTLStore[k] = toEpoch(d)
	}
	return json.Marshal(snap)
}

// flush writes a snapshot atomically and hands it to the archiver, if any.
func (m *Manager) flush(ctx context.Context) error {
	path := m.cfg.SnapshotPath()

	data, err := m.encodeSnapshot()
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	m.logger.Debug().Str("snapshot_path", path).Int("bytes", len(data)).Msg("Snapshot written.")

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, data); err != nil {
			m.logger.Warn().Err(err).Msg("Snapshot archive failed.")
		}
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it, then renames it over path. A crash leaves either the old or the
// new file in place.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// loadSnapshot repopulates the store from disk. A missing or unreadable
// snapshot leaves the store empty. Expired keys and expiries without an entry
// are dropped.
func (m *Manager) loadSnapshot() {
	path := m.cfg.SnapshotPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Info().Str("snapshot_path", path).Msg("No snapshot found, starting empty.")
			return
		}
		m.logger.Warn().Err(&PersistenceError{Op: "read", Path: path, Err: err}).Msg("Snapshot unreadable, starting empty.")
		return
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn().Err(&PersistenceError{Op: "decode", Path: path, Err: err}).Msg("Snapshot corrupt, starting empty.")
		return
	}

	now := m.now()
	entries := make(map[string]*Entry, len(snap.ContextStore))
	for key, se := range snap.ContextStore {
		value := se.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		metadata := se.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		entries[key] = &Entry{
			Key:       key,
			Value:     value,
			Metadata:  metadata,
			CreatedAt: fromEpoch(se.CreatedAt),
			UpdatedAt: fromEpoch(se.UpdatedAt),
		}
	}

	expiries := make(map[string]time.Time, len(snap.TTLStore))
	dropped := 0
	for key, secs := range snap.TTLStore {
		if _, ok := entries[key]; !ok {
			continue
		}
		deadline := fromEpoch(secs)
		if !now.Before(deadline) {
			delete(entries, key)
			dropped++
			continue
		}
		expiries[key] = deadline
	}

	m.mu.Lock()
	m.entries = entries
	m.expiries = expiries
	m.mu.Unlock()

	m.logger.Info().
		Str("snapshot_path", path).
		Int("loaded_keys", len(entries)).
		Int("expired_keys", dropped).
		Msg("Snapshot loaded.")
}
