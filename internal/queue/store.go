// Package queue stores one named queue as a directory tree. A job record's
// state is the subdirectory its file lives in:
//
//	<basePath>/<queue>/{ready,in_progress,scheduled,done,dead}/<id>.json
//
// os.Rename between those directories is the only mutual-exclusion primitive.
// Two claimants racing for the same file both attempt the rename; exactly one
// succeeds and the other sees fs.ErrNotExist and moves on. No in-process locks
// are held, so several processes may share one queue directory.
//
// scheduledFor is only meaningful in scheduled. Records are moved, not
// rewritten, on the way to ready, in_progress and done, so they may still
// carry the time they became eligible.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/leo-guinan/loveops-world-model/internal/model"
)

const recordExt = ".json"

// ErrNotFound is returned when a job id is not present in the expected state.
var ErrNotFound = errors.New("job not found")

type Store struct {
	name string
	root string
	log  *slog.Logger
	now  func() time.Time
}

// Open returns the store rooted at basePath/name, creating the state
// directories if they are missing.
func Open(basePath, name string) (*Store, error) {
	s := &Store{
		name: name,
		root: filepath.Join(basePath, name),
		log:  slog.Default().With("queue", name),
		now:  time.Now,
	}
	for _, st := range model.States() {
		if err := os.MkdirAll(s.dir(st), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir for queue %s: %w", st, name, err)
		}
	}
	return s, nil
}

func (s *Store) Name() string { return s.name }
func (s *Store) Root() string { return s.root }

func (s *Store) dir(st model.State) string {
	return filepath.Join(s.root, string(st))
}

func (s *Store) path(st model.State, id string) string {
	return filepath.Join(s.dir(st), id+recordExt)
}

// Enqueue writes a new record into ready, or into scheduled when
// scheduledFor is set, and returns its id.
func (s *Store) Enqueue(payload json.RawMessage, scheduledFor *time.Time) (string, error) {
	id, err := model.NewJobID()
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	job := &model.Job{
		ID:        id,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	target := model.StateReady
	if scheduledFor != nil {
		at := scheduledFor.UTC()
		job.ScheduledFor = &at
		target = model.StateScheduled
	}
	if err := s.writeRecord(target, job, true); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	s.log.Debug("job enqueued", "job_id", id, "state", target)
	return id, nil
}

// Claim moves the oldest ready record into in_progress and returns it.
// It returns (nil, nil) when there is nothing to claim. Losing a rename race
// to another claimant is not an error; the next candidate is tried.
//
// A claim is a pure rename, so the file keeps any scheduledFor it carried
// when promoted from scheduled; the returned job has it cleared. That stale
// field stays on the in_progress and done copies and means nothing there.
func (s *Store) Claim() (*model.Job, error) {
	names, err := s.recordNames(model.StateReady)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	for _, name := range names {
		src := filepath.Join(s.dir(model.StateReady), name)
		job, err := s.readRecord(src)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.log.Error("skipping malformed record", "file", src, "error", err)
			continue
		}

		// The mtime of an in_progress file is its lease start. Refresh it
		// before the rename so a reaper never sees a stale lease on a job
		// that was just claimed.
		now := s.now()
		if err := os.Chtimes(src, now, now); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("claim %s: %w", job.ID, err)
		}
		if err := os.Rename(src, s.path(model.StateInProgress, job.ID)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("claim %s: %w", job.ID, err)
		}
		job.ScheduledFor = nil
		return job, nil
	}
	return nil, nil
}

// Release puts a claimed record that was never handled back into ready with
// its attempts unchanged. A record no longer in in_progress is ignored.
func (s *Store) Release(id string) error {
	err := os.Rename(s.path(model.StateInProgress, id), s.path(model.StateReady, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// Complete moves a claimed record to done. A record that is no longer in
// in_progress is ignored.
func (s *Store) Complete(id string) error {
	err := os.Rename(s.path(model.StateInProgress, id), s.path(model.StateDone, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The job goes to dead once policy is
// exhausted, otherwise to scheduled with a linear backoff. The updated record
// is written before the in_progress copy is removed: a crash in between
// leaves a duplicate, never a lost job.
func (s *Store) Fail(id string, job *model.Job, policy model.RetryPolicy) (model.State, error) {
	job.Attempts++

	target := model.StateDead
	job.ScheduledFor = nil
	if !policy.Exhausted(job.Attempts) {
		at := s.now().Add(policy.Delay(job.Attempts)).UTC()
		job.ScheduledFor = &at
		target = model.StateScheduled
	}

	if err := s.writeRecord(target, job, false); err != nil {
		return "", fmt.Errorf("fail %s: %w", id, err)
	}
	if err := os.Remove(s.path(model.StateInProgress, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return target, fmt.Errorf("fail %s: remove in_progress: %w", id, err)
	}
	return target, nil
}

// PromoteScheduled moves every scheduled record whose time has come into
// ready and returns how many were moved.
func (s *Store) PromoteScheduled() (int, error) {
	names, err := s.recordNames(model.StateScheduled)
	if err != nil {
		return 0, fmt.Errorf("promote: %w", err)
	}

	now := s.now()
	promoted := 0
	for _, name := range names {
		src := filepath.Join(s.dir(model.StateScheduled), name)
		job, err := s.readRecord(src)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Error("skipping malformed record", "file", src, "error", err)
			}
			continue
		}
		if job.ScheduledFor != nil && job.ScheduledFor.After(now) {
			continue
		}
		if err := os.Rename(src, s.path(model.StateReady, job.ID)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return promoted, fmt.Errorf("promote %s: %w", job.ID, err)
		}
		promoted++
	}
	return promoted, nil
}

// Touch renews the lease on a claimed record.
func (s *Store) Touch(id string) error {
	now := s.now()
	if err := os.Chtimes(s.path(model.StateInProgress, id), now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// ReapExpired returns in_progress records whose lease is older than lease
// to ready. Their attempt counters are left untouched.
func (s *Store) ReapExpired(lease time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir(model.StateInProgress))
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	cutoff := s.now().Add(-lease)
	reaped := 0
	for _, e := range entries {
		if !isRecord(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		src := filepath.Join(s.dir(model.StateInProgress), e.Name())
		if err := os.Rename(src, filepath.Join(s.dir(model.StateReady), e.Name())); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return reaped, fmt.Errorf("reap %s: %w", e.Name(), err)
		}
		s.log.Warn("requeued expired job", "file", e.Name(), "leased_at", info.ModTime())
		reaped++
	}
	return reaped, nil
}

// RetryDead moves a dead-lettered record back to ready with a fresh retry
// budget.
func (s *Store) RetryDead(id string) error {
	src := s.path(model.StateDead, id)
	job, err := s.readRecord(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no job found with ID '%s' in the dead state: %w", id, ErrNotFound)
		}
		return fmt.Errorf("retry %s: %w", id, err)
	}
	job.Attempts = 0
	job.ScheduledFor = nil
	if err := s.writeRecord(model.StateReady, job, true); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("retry %s: remove dead record: %w", id, err)
	}
	return nil
}
