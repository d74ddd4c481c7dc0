package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/leo-guinan/loveops-world-model/internal/model"
)

// isRecord filters out temp files (dot-prefixed) and anything that is not
// a .json record.
func isRecord(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.HasPrefix(name, ".")
}

// recordNames lists record file names in st, sorted by name.
func (s *Store) recordNames(st model.State) ([]string, error) {
	entries, err := os.ReadDir(s.dir(st))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isRecord(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *Store) readRecord(path string) (*model.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if want := strings.TrimSuffix(filepath.Base(path), recordExt); job.ID != want {
		return nil, fmt.Errorf("record id %q does not match file name %q", job.ID, want)
	}
	return &job, nil
}

// writeRecord makes job visible in st all at once: the body goes to a hidden
// temp file in the target directory, is synced, and is then renamed (or,
// when exclusive, hard-linked) into place. Exclusive writes fail instead of
// replacing an existing record.
func (s *Store) writeRecord(st model.State, job *model.Job, exclusive bool) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", job.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir(st), "."+job.ID+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	final := s.path(st, job.ID)
	if !exclusive {
		return os.Rename(tmpName, final)
	}
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("job %s already exists in %s", job.ID, st)
		}
		return err
	}
	return nil
}

// List returns every readable record in st, oldest id first. Malformed
// records are logged and skipped.
func (s *Store) List(st model.State) ([]*model.Job, error) {
	names, err := s.recordNames(st)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", st, err)
	}
	jobs := make([]*model.Job, 0, len(names))
	for _, name := range names {
		job, err := s.readRecord(filepath.Join(s.dir(st), name))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Error("skipping malformed record", "file", name, "state", st, "error", err)
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Get finds a record by id in whichever state holds it.
func (s *Store) Get(id string) (*model.Job, model.State, error) {
	for _, st := range model.States() {
		job, err := s.readRecord(s.path(st, id))
		if err == nil {
			return job, st, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, st, err
		}
	}
	return nil, "", ErrNotFound
}

// Stats counts records per state.
func (s *Store) Stats() (map[model.State]int, error) {
	stats := make(map[model.State]int, len(model.States()))
	for _, st := range model.States() {
		names, err := s.recordNames(st)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", st, err)
		}
		stats[st] = len(names)
	}
	return stats, nil
}
