// Package progress provides per-job in-process publish/subscribe of
// sync progress. Advisory only, never persisted.
package progress

import (
	"sync"
	"time"

	"subs_server/core/domain"
)

// =============================================================================
// ProgressTracker - per-job channels, dropped on job completion
// =============================================================================

// subscriber channel buffer; slow consumers drop updates rather than
// block the pipeline.
const channelBuffer = 256

type subscriber struct {
	ch chan domain.ProgressUpdate
}

type jobState struct {
	startedAt   time.Time
	total       int
	subscribers map[int]*subscriber
	nextSubID   int
	finished    bool
}

type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*jobState
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*jobState)}
}

// StartJob registers a job with its known total. Publishing to an
// unstarted job is a no-op.
func (t *Tracker) StartJob(jobID string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.jobs[jobID]; ok {
		// Total can arrive after early subscribers connected
		state.total = total
		if state.startedAt.IsZero() {
			state.startedAt = time.Now()
		}
		return
	}
	t.jobs[jobID] = &jobState{
		startedAt:   time.Now(),
		total:       total,
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe returns a channel of updates for the job and an
// unsubscribe function. Subscribing to an unknown or finished job
// returns a closed channel.
func (t *Tracker) Subscribe(jobID string) (<-chan domain.ProgressUpdate, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.jobs[jobID]
	if !ok || state.finished {
		ch := make(chan domain.ProgressUpdate)
		close(ch)
		return ch, func() {}
	}

	id := state.nextSubID
	state.nextSubID++
	sub := &subscriber{ch: make(chan domain.ProgressUpdate, channelBuffer)}
	state.subscribers[id] = sub

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if s, ok := t.jobs[jobID]; ok {
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub.ch)
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish computes ETA and fans the update out to all subscribers.
// Never blocks; full buffers drop the update.
func (t *Tracker) Publish(jobID string, update domain.ProgressUpdate) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.jobs[jobID]
	if !ok || state.finished {
		return
	}

	update.JobID = jobID
	if update.Event == "" {
		update.Event = domain.ProgressEventProgress
	}
	if update.TotalEmails == 0 {
		update.TotalEmails = state.total
	}
	elapsed := time.Since(state.startedAt)
	update.ElapsedSeconds = elapsed.Seconds()
	update.ETASeconds = domain.EstimateETA(elapsed, update.ProcessedEmails, update.TotalEmails)

	for _, sub := range state.subscribers {
		select {
		case sub.ch <- update:
		default:
			// Slow consumer, drop
		}
	}
}

// Finish sends a terminal event, then closes and removes every
// subscriber channel. Cleanup is structural: the job entry is deleted.
func (t *Tracker) Finish(jobID string, final domain.ProgressUpdate) {
	t.mu.Lock()
	state, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	state.finished = true

	final.JobID = jobID
	if final.Event == "" {
		final.Event = domain.ProgressEventComplete
	}
	final.ElapsedSeconds = time.Since(state.startedAt).Seconds()

	subs := state.subscribers
	delete(t.jobs, jobID)
	t.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- final:
		default:
		}
		close(sub.ch)
	}
}

// SubscriberCount reports active subscribers for a job.
func (t *Tracker) SubscriberCount(jobID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if state, ok := t.jobs[jobID]; ok {
		return len(state.subscribers)
	}
	return 0
}
