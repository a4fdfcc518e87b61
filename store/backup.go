package store

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
)

const (
	backupDir      = "db_bkp"
	snapshotEntry  = "snapshot.json"
	backupFilePerm = 0o644
)

// snapshot is the full on-disk content of the store, keyed by the raw
// buntdb key so Restore can replay it verbatim without re-deriving any
// per-kind structure.
type snapshot map[string]string

// Backup writes a timestamped tar.gz snapshot under dir/db_bkp (spec §4.C:
// "periodic/manual database backup"), then prunes older backups down to
// DB_AUTOBKP_NUM_KEEP (mirroring the teacher's oldest-first eviction once
// a retention count is exceeded, see space/cleanup.go's LRU-by-mtime
// approach adapted here to backup files instead of cached objects).
func (s *Store) Backup(dir string) (string, error) {
	snap := snapshot{}
	err := s.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			snap[key] = value
			return true
		})
	})
	if err != nil {
		return "", fmt.Errorf("backup: read snapshot: %w", err)
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("backup: marshal snapshot: %w", err)
	}

	bkpDir := filepath.Join(dir, backupDir)
	if err := os.MkdirAll(bkpDir, 0o755); err != nil {
		return "", fmt.Errorf("backup: mkdir: %w", err)
	}
	name := fmt.Sprintf("racecore_%s.tar.gz", time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(bkpDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, backupFilePerm)
	if err != nil {
		return "", fmt.Errorf("backup: create %s: %w", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{
		Name: snapshotEntry,
		Mode: 0o644,
		Size: int64(len(b)),
	}); err != nil {
		return "", fmt.Errorf("backup: tar header: %w", err)
	}
	if _, err := tw.Write(b); err != nil {
		return "", fmt.Errorf("backup: tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}

	keep := s.GetOptionInt(core.OptDBAutoBkpNumKeep, 10)
	if err := pruneBackups(bkpDir, keep); err != nil {
		nlog.Warningln("store: prune backups:", err)
	}

	s.bus.Publish(eventbus.DatabaseBackup, path)
	return path, nil
}

// pruneBackups deletes the oldest backups once count exceeds keep,
// evicting by filename (which sorts chronologically given the timestamp
// format Backup uses) rather than stat'ing mtimes.
func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			return err
		}
	}
	return nil
}

// Restore replaces the entire contents of the store with the snapshot
// contained in a Backup archive, inside one transaction so a failure
// midway leaves the prior contents intact (same rollback guarantee as
// Mutate). Restore does not touch the results cache; it reseeds id
// generators and the option cache before returning.
func (s *Store) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("restore: open %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("restore: gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var snap snapshot
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("restore: tar: %w", err)
		}
		if hdr.Name != snapshotEntry {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("restore: read snapshot entry: %w", err)
		}
		if err := json.Unmarshal(b, &snap); err != nil {
			return fmt.Errorf("restore: unmarshal snapshot: %w", err)
		}
	}
	if snap == nil {
		return fmt.Errorf("restore: %s contains no snapshot entry", path)
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		var existing []string
		if aerr := tx.Ascend("", func(key, _ string) bool {
			existing = append(existing, key)
			return true
		}); aerr != nil {
			return aerr
		}
		for _, k := range existing {
			if _, derr := tx.Delete(k); derr != nil {
				return derr
			}
		}
		for k, v := range snap {
			if _, _, serr := tx.Set(k, v, nil); serr != nil {
				return serr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore: apply snapshot: %w", err)
	}

	if err := s.seedIDGens(); err != nil {
		return err
	}
	s.optMu.Lock()
	s.options = map[string]string{}
	s.optMu.Unlock()
	if err := s.loadOptions(); err != nil {
		return err
	}

	s.bus.Publish(eventbus.DatabaseRestore, path)
	return nil
}

// Reset wipes every record, leaving an empty store (spec §6's
// DatabaseReset operation) — used by the operator to start a fresh event
// without restarting the process.
func (s *Store) Reset() error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := tx.Ascend("", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for k := range s.ids {
		s.ids[k] = &core.IDGen{}
	}
	s.mu.Unlock()
	s.optMu.Lock()
	s.options = map[string]string{}
	s.optMu.Unlock()
	s.bus.Publish(eventbus.DatabaseReset, nil)
	return nil
}

// ExportPilots writes every pilot as a JSON array to w (spec §4.C export),
// the external-interchange counterpart to the tar.gz internal Backup
// format.
func (s *Store) ExportPilots(w io.Writer) error {
	pilots, err := s.ListPilots(Query{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	return enc.Encode(pilots)
}
