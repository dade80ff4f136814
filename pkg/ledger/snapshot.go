package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol"
	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol/codec"
)

const snapshotVersion = 1

// Snapshot is the exported form of a ledger.
type Snapshot struct {
	Version int           `json:"version"`
	Entries []Entry       `json:"entries"`
	Audit   []AuditRecord `json:"audit,omitempty"`
}

var registry = codec.NewRegistry()

// Snapshot captures every entry and the audit trail.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{Version: snapshotVersion, Entries: l.History(), Audit: l.Audit("")}
}

// Export encodes a snapshot with a leading format byte.
func (l *Ledger) Export(f protocol.Format) ([]byte, error) {
	return protocol.EncodeBody(registry, f, l.Snapshot())
}

// Import restores entries missing from the ledger and appends their audit
// records. Existing entries win. It returns the number of entries added.
func (l *Ledger) Import(data []byte) (int, error) {
	var snap Snapshot
	if _, err := protocol.DecodeBody(registry, data, &snap); err != nil {
		return 0, fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("ledger: unsupported snapshot version %d", snap.Version)
	}

	added := make(map[string]bool)
	for _, e := range snap.Entries {
		if e.RequestID == "" || !e.State.Valid() {
			continue
		}
		b, err := json.Marshal(e)
		if err != nil {
			return len(added), err
		}
		if !l.kv.SetNX(keyJob(e.RequestID), b, 0) {
			continue
		}
		l.mu.Lock()
		l.order = append(l.order, e.RequestID)
		l.mu.Unlock()
		added[e.RequestID] = true
	}
	for _, rec := range snap.Audit {
		if !added[rec.RequestID] {
			continue
		}
		l.mu.Lock()
		l.seq++
		rec.Seq = l.seq
		l.mu.Unlock()
		b, _ := json.Marshal(rec)
		l.kv.Set(keyAudit(rec.Seq), b, 0)
	}
	return len(added), nil
}

// SaveFile writes a snapshot atomically to path.
func (l *Ledger) SaveFile(path string, f protocol.Format) error {
	data, err := l.Export(f)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	l.log.Info("ledger snapshot saved", zap.String("path", path), zap.Stringer("format", f), zap.Int("entries", l.Len()))
	return nil
}

// LoadFile imports the snapshot at path. A missing file is not an error.
func (l *Ledger) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := l.Import(data)
	if err == nil {
		l.log.Info("ledger snapshot loaded", zap.String("path", path), zap.Int("entries", n))
	}
	return n, err
}
