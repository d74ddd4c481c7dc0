package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leo-guinan/loveops-world-model/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-queue")
	require.NoError(t, err)
	return s
}

// setClock pins the store's notion of now.
func setClock(s *Store, at time.Time) {
	s.now = func() time.Time { return at }
}

// locate returns every state holding a record for id.
func locate(t *testing.T, s *Store, id string) []model.State {
	t.Helper()
	var found []model.State
	for _, st := range model.States() {
		if _, err := os.Stat(s.path(st, id)); err == nil {
			found = append(found, st)
		}
	}
	return found
}

func TestOpenCreatesStateDirs(t *testing.T) {
	t.Parallel()
	base := t.TempDir()

	_, err := Open(base, "q")
	require.NoError(t, err)
	for _, st := range model.States() {
		info, err := os.Stat(filepath.Join(base, "q", string(st)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	// idempotent
	_, err = Open(base, "q")
	require.NoError(t, err)
}

func TestEnqueueClaimCompleteRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.Enqueue(json.RawMessage(`{"hello":"world"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.State{model.StateReady}, locate(t, s, id))

	job, err := s.Claim()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.JSONEq(t, `{"hello":"world"}`, string(job.Payload))
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, []model.State{model.StateInProgress}, locate(t, s, id))

	require.NoError(t, s.Complete(id))
	assert.Equal(t, []model.State{model.StateDone}, locate(t, s, id))

	// completing twice is a no-op
	require.NoError(t, s.Complete(id))
	assert.Equal(t, []model.State{model.StateDone}, locate(t, s, id))

	empty, err := s.Claim()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRecordFileMatchesID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.Enqueue(json.RawMessage(`1`), nil)
	require.NoError(t, err)

	data, err := os.ReadFile(s.path(model.StateReady, id))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, id, body["id"])
	assert.Contains(t, body, "createdAt")
	assert.Contains(t, body, "attempts")
	assert.NotContains(t, body, "scheduledFor")
}

func TestClaimIsOldestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Enqueue(json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, want := range ids {
		job, err := s.Claim()
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestClaimSingleJobUnderContention(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	const claimers = 16
	var (
		wins  atomic.Int32
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, err := s.Claim()
			assert.NoError(t, err)
			if job != nil {
				assert.Equal(t, id, job.ID)
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, []model.State{model.StateInProgress}, locate(t, s, id))
}

func TestConcurrentClaimsNeverDuplicate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	const jobs = 60
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue(json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.Claim()
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestFailSchedulesRetryWithLinearBackoff(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	setClock(s, base)
	policy := model.RetryPolicy{MaxRetries: 5, BaseDelay: time.Second}

	id, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	for k := 1; k <= 3; k++ {
		// make the retry due, then claim it again
		setClock(s, base.Add(time.Hour*time.Duration(k)))
		_, err := s.PromoteScheduled()
		require.NoError(t, err)
		job, err := s.Claim()
		require.NoError(t, err)
		require.NotNil(t, job)

		st, err := s.Fail(job.ID, job, policy)
		require.NoError(t, err)
		assert.Equal(t, model.StateScheduled, st)
		assert.Equal(t, []model.State{model.StateScheduled}, locate(t, s, id))

		stored, state, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.StateScheduled, state)
		assert.Equal(t, k, stored.Attempts)
		require.NotNil(t, stored.ScheduledFor)
		want := base.Add(time.Hour * time.Duration(k)).Add(time.Duration(k) * time.Second)
		assert.True(t, want.Equal(*stored.ScheduledFor), "scheduledFor = %v, want %v", stored.ScheduledFor, want)
	}
}

func TestFailDeadLettersAfterMaxRetries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	base := time.Now()
	policy := model.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}

	id, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	var last model.State
	for i := 1; i <= 3; i++ {
		setClock(s, base.Add(time.Duration(i)*time.Minute))
		_, err := s.PromoteScheduled()
		require.NoError(t, err)
		job, err := s.Claim()
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", i)
		last, err = s.Fail(job.ID, job, policy)
		require.NoError(t, err)
	}

	assert.Equal(t, model.StateDead, last)
	assert.Equal(t, []model.State{model.StateDead}, locate(t, s, id))

	dead, _, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 3, dead.Attempts)
	assert.Nil(t, dead.ScheduledFor)

	// dead jobs are never promoted or claimed again
	setClock(s, base.Add(24*time.Hour))
	n, err := s.PromoteScheduled()
	require.NoError(t, err)
	assert.Zero(t, n)
	job, err := s.Claim()
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailWithZeroRetriesGoesStraightToDead(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	job, err := s.Claim()
	require.NoError(t, err)

	st, err := s.Fail(job.ID, job, model.RetryPolicy{MaxRetries: 0})
	require.NoError(t, err)
	assert.Equal(t, model.StateDead, st)
}

func TestScheduledJobPromotion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	setClock(s, now)

	at := now.Add(2 * time.Second)
	id, err := s.Enqueue(json.RawMessage(`{}`), &at)
	require.NoError(t, err)
	assert.Equal(t, []model.State{model.StateScheduled}, locate(t, s, id))

	n, err := s.PromoteScheduled()
	require.NoError(t, err)
	assert.Zero(t, n)
	job, err := s.Claim()
	require.NoError(t, err)
	assert.Nil(t, job, "scheduled job must not be claimable early")

	setClock(s, at)
	n, err = s.PromoteScheduled()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []model.State{model.StateReady}, locate(t, s, id))

	job, err = s.Claim()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Nil(t, job.ScheduledFor)
}

func TestPromotedRecordKeepsScheduledForOnDisk(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	setClock(s, now)

	at := now.Add(time.Second)
	id, err := s.Enqueue(json.RawMessage(`{}`), &at)
	require.NoError(t, err)
	setClock(s, at)
	_, err = s.PromoteScheduled()
	require.NoError(t, err)

	job, err := s.Claim()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Nil(t, job.ScheduledFor)

	stored, st, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, st)
	require.NotNil(t, stored.ScheduledFor, "claim is a rename; the file is not rewritten")
	assert.True(t, at.Equal(*stored.ScheduledFor))

	require.NoError(t, s.Complete(id))
	stored, st, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, st)
	assert.NotNil(t, stored.ScheduledFor)
}

func TestPromoteConcurrentWithClaim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	past := time.Now().Add(-time.Second)
	const jobs = 40
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue(json.RawMessage(`{}`), &past)
		require.NoError(t, err)
	}

	var (
		claimed atomic.Int32
		done    = make(chan struct{})
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for claimed.Load() < jobs {
			job, err := s.Claim()
			assert.NoError(t, err)
			if job != nil {
				claimed.Add(1)
			}
		}
		close(done)
	}()
	for {
		_, err := s.PromoteScheduled()
		require.NoError(t, err)
		select {
		case <-done:
			wg.Wait()
			stats, err := s.Stats()
			require.NoError(t, err)
			assert.Equal(t, jobs, stats[model.StateInProgress])
			assert.Zero(t, stats[model.StateReady]+stats[model.StateScheduled])
			return
		default:
		}
	}
}

func TestMalformedRecordIsSkippedAndKept(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	// sorts before any uuidv7 id
	bad := filepath.Join(s.dir(model.StateReady), "000-broken.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))

	id, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	job, err := s.Claim()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)

	_, err = os.Stat(bad)
	assert.NoError(t, err, "malformed record must be left in place")

	job, err = s.Claim()
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMismatchedIDIsMalformed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	path := filepath.Join(s.dir(model.StateScheduled), "abc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"xyz","payload":null,"attempts":0}`), 0644))

	n, err := s.PromoteScheduled()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestTempFilesAreIgnored(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	tmp := filepath.Join(s.dir(model.StateReady), ".partial-123.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("{"), 0644))

	job, err := s.Claim()
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats[model.StateReady])
}

func TestReapExpiredRequeuesOrphans(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now()
	setClock(s, now)

	id, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	job, err := s.Claim()
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := s.ReapExpired(time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh lease must survive")

	setClock(s, now.Add(2*time.Minute))
	n, err = s.ReapExpired(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []model.State{model.StateReady}, locate(t, s, id))
}

func TestTouchExtendsLease(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now()
	setClock(s, now)

	_, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	job, err := s.Claim()
	require.NoError(t, err)

	setClock(s, now.Add(50*time.Second))
	require.NoError(t, s.Touch(job.ID))

	setClock(s, now.Add(90*time.Second))
	n, err := s.ReapExpired(time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, s.Touch("missing"), ErrNotFound)
}

func TestReleaseReturnsClaimToReady(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	job, err := s.Claim()
	require.NoError(t, err)

	require.NoError(t, s.Release(job.ID))
	assert.Equal(t, []model.State{model.StateReady}, locate(t, s, id))

	again, err := s.Claim()
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 0, again.Attempts)

	require.NoError(t, s.Complete(id))
	require.NoError(t, s.Release(id), "released after completion is a no-op")
	assert.Equal(t, []model.State{model.StateDone}, locate(t, s, id))
}

func TestRetryDead(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.Enqueue(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	job, err := s.Claim()
	require.NoError(t, err)
	_, err = s.Fail(id, job, model.RetryPolicy{MaxRetries: 1})
	require.NoError(t, err)

	require.NoError(t, s.RetryDead(id))
	assert.Equal(t, []model.State{model.StateReady}, locate(t, s, id))

	again, err := s.Claim()
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 0, again.Attempts)

	assert.ErrorIs(t, s.RetryDead("nope"), ErrNotFound)
}

func TestListAndStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	future := time.Now().Add(time.Hour)
	_, err := s.Enqueue(json.RawMessage(`1`), nil)
	require.NoError(t, err)
	_, err = s.Enqueue(json.RawMessage(`2`), nil)
	require.NoError(t, err)
	_, err = s.Enqueue(json.RawMessage(`3`), &future)
	require.NoError(t, err)

	ready, err := s.List(model.StateReady)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "1", string(ready[0].Payload))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats[model.StateReady])
	assert.Equal(t, 1, stats[model.StateScheduled])
	assert.Zero(t, stats[model.StateDone])

	_, _, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExclusiveWriteRefusesOverwrite(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	job := &model.Job{ID: "fixed-id", Payload: json.RawMessage(`1`)}
	require.NoError(t, s.writeRecord(model.StateReady, job, true))
	job.Payload = json.RawMessage(`2`)
	assert.Error(t, s.writeRecord(model.StateReady, job, true))

	stored, _, err := s.Get("fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "1", string(stored.Payload))
}
