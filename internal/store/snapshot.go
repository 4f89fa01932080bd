package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

// snapshotMagic prefixes every snapshot file.
var snapshotMagic = []byte("MIRINC01")

type snapshotFile struct {
	TakenAt   time.Time          `json:"takenAt"`
	Logs      []models.LogEvent  `json:"logs"`
	Incidents []*models.Incident `json:"incidents"`
}

// SnapshotInfo reports what a snapshot save or load touched.
type SnapshotInfo struct {
	Path      string
	Logs      int
	Incidents int
	TakenAt   time.Time
}

// SaveSnapshot writes both stores as zstd-compressed JSON, atomically replacing path.
func SaveSnapshot(path string, logs *MemoryLogStore, incidents *MemoryIncidentStore) (SnapshotInfo, error) {
	snap := snapshotFile{
		TakenAt:   time.Now().UTC(),
		Logs:      logs.snapshot(),
		Incidents: incidents.snapshot(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	payload := append(append([]byte(nil), snapshotMagic...), enc.EncodeAll(raw, nil)...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create snapshot dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return SnapshotInfo{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return SnapshotInfo{}, fmt.Errorf("rename snapshot: %w", err)
	}
	return SnapshotInfo{Path: path, Logs: len(snap.Logs), Incidents: len(snap.Incidents), TakenAt: snap.TakenAt}, nil
}

// LoadSnapshot restores both stores from path. A missing file is not an error
// and leaves the stores untouched.
func LoadSnapshot(path string, logs *MemoryLogStore, incidents *MemoryIncidentStore) (SnapshotInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SnapshotInfo{Path: path}, nil
		}
		return SnapshotInfo{}, fmt.Errorf("read snapshot: %w", err)
	}
	if !bytes.HasPrefix(data, snapshotMagic) {
		return SnapshotInfo{}, fmt.Errorf("snapshot %s: bad header", path)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data[len(snapshotMagic):], nil)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("decompress snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return SnapshotInfo{}, fmt.Errorf("decode snapshot: %w", err)
	}
	logs.restore(snap.Logs)
	incidents.restore(snap.Incidents)
	return SnapshotInfo{Path: path, Logs: len(snap.Logs), Incidents: len(snap.Incidents), TakenAt: snap.TakenAt}, nil
}
