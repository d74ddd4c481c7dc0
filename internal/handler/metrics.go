package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MetricsSink appends deploy metrics to queues.json and services.json under
// Dir. Writes are serialized; each file is rewritten through a temp file so
// a reader never sees half an array.
type MetricsSink struct {
	Dir string

	mu  sync.Mutex
	now func() time.Time
}

func NewMetricsSink(dir string) *MetricsSink {
	return &MetricsSink{Dir: dir, now: time.Now}
}

// Record appends payload to the file matching its "type". Payloads of any
// other type are accepted and dropped.
func (m *MetricsSink) Record(payload json.RawMessage) error {
	var entry map[string]any
	if err := json.Unmarshal(payload, &entry); err != nil {
		return fmt.Errorf("decode metrics payload: %w", err)
	}

	var file string
	switch entry["type"] {
	case "queue":
		file = "queues.json"
	case "service":
		file = "services.json"
	default:
		return nil
	}
	entry["timestamp"] = m.now().UTC().Format(time.RFC3339Nano)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(m.Dir, file)

	var existing []map[string]any
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("decode %s: %w", file, err)
		}
	}
	existing = append(existing, entry)

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
