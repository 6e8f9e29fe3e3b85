// Package snapshot writes the engine's tables to disk.
package snapshot

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/peer"
)

// SummaryData holds the metadata for a snapshot.
type SummaryData struct {
	Servers   int                    `json:"servers"`
	Users     int                    `json:"users"`
	Ports     int                    `json:"ports"`
	Flows     int                    `json:"flows"`
	Sessions  int                    `json:"sessions"`
	Counters  map[string]uint64      `json:"counters"`
	Settings  map[string]interface{} `json:"settings"`
	Timestamp string                 `json:"timestamp"`
}

// Writer handles writing snapshot data to disk.
type Writer struct {
	rootPath string
	interval time.Duration
}

var _ model.Writer = (*Writer)(nil)

// NewWriter creates a writer storing snapshots under rootPath.
func NewWriter(rootPath string, interval time.Duration) *Writer {
	return &Writer{rootPath: rootPath, interval: interval}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *Writer) GetInterval() time.Duration {
	return w.interval
}

// Write stores a *peer.State in a directory named after timestamp: one gob
// file per table and a summary.json. Empty tables get no file.
func (w *Writer) Write(payload interface{}, timestamp string) error {
	state, ok := payload.(*peer.State)
	if !ok {
		return fmt.Errorf("invalid payload type for snapshot writer: expected *peer.State, got %T", payload)
	}

	dir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tables := []struct {
		name string
		n    int
		data interface{}
	}{
		{"servers.dat", len(state.Servers), state.Servers},
		{"users.dat", len(state.Users), state.Users},
		{"ports.dat", len(state.Ports), state.Ports},
	}
	for _, t := range tables {
		if t.n == 0 {
			continue
		}
		if err := writeGob(filepath.Join(dir, t.name), t.data); err != nil {
			return err
		}
	}

	summary := SummaryData{
		Servers:   len(state.Servers),
		Users:     len(state.Users),
		Ports:     len(state.Ports),
		Flows:     state.Stats.Flows,
		Sessions:  state.Stats.Sessions,
		Counters:  state.Counters,
		Settings:  state.Settings,
		Timestamp: state.Timestamp.UTC().Format(time.RFC3339),
	}
	summaryFile, err := os.Create(filepath.Join(dir, "summary.json"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

func writeGob(path string, data interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
	}
	defer file.Close()
	if err := gob.NewEncoder(file).Encode(data); err != nil {
		return fmt.Errorf("failed to encode gob for file '%s': %w", path, err)
	}
	return nil
}
