package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/notify"
)

// Event types stored in a run's buffer.
const (
	EventProgress = "progress"
	EventDone     = "done"
)

// EventRecord is a sequenced run event stored in the per-run buffer.
type EventRecord struct {
	Seq      int                     `json:"seq"`
	Type     string                  `json:"type"`
	Progress *achieve.ProgressUpdate `json:"progress,omitempty"`
	Result   *achieve.ExecuteResult  `json:"result,omitempty"`
}

// RunInfo describes a tracked run.
type RunInfo struct {
	ID          string                 `json:"id"`
	Kind        achieve.Kind           `json:"kind"`
	Tier        achieve.Tier           `json:"tier"`
	StartedAt   time.Time              `json:"started_at"`
	Done        bool                   `json:"done"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Result      *achieve.ExecuteResult `json:"result,omitempty"`
}

// runEntry is one tracked run. Events are append-only; waiters hold a
// channel that is closed on the next publish.
type runEntry struct {
	id        string
	kind      achieve.Kind
	tier      achieve.Tier
	startedAt time.Time

	mu       sync.Mutex
	events   []EventRecord
	waiters  []chan struct{}
	result   *achieve.ExecuteResult
	finished time.Time
}

// publish appends ev and wakes waiters. A non-nil res marks the run done;
// nothing is appended after that.
func (e *runEntry) publish(ev EventRecord, res *achieve.ExecuteResult) {
	e.mu.Lock()
	if e.result != nil {
		e.mu.Unlock()
		return
	}
	ev.Seq = len(e.events)
	e.events = append(e.events, ev)
	if res != nil {
		e.result = res
		e.finished = time.Now()
	}
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// since copies the events at or after seq. The returned channel is already
// closed when the run is done.
func (e *runEntry) since(seq int) ([]EventRecord, <-chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []EventRecord
	if seq = max(seq, 0); seq < len(e.events) {
		out = append(out, e.events[seq:]...)
	}
	wake := make(chan struct{})
	done := e.result != nil
	if done {
		close(wake)
	} else {
		e.waiters = append(e.waiters, wake)
	}
	return out, wake, done
}

func (e *runEntry) expired(now time.Time, ttl time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result != nil && now.Sub(e.finished) > ttl
}

func (e *runEntry) info() RunInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	ri := RunInfo{ID: e.id, Kind: e.kind, Tier: e.tier, StartedAt: e.startedAt, Done: e.result != nil, Result: e.result}
	if ri.Done {
		t := e.finished
		ri.CompletedAt = &t
	}
	return ri
}

// WorkflowFactory builds a ready-to-run workflow that reports progress to
// onProgress.
type WorkflowFactory func(kind achieve.Kind, tier achieve.Tier, onProgress func(achieve.ProgressUpdate)) (*Workflow, error)

// RunManager launches achievement runs in the background, allows at most one
// active run per kind, buffers progress events for streaming, and remembers
// the last result per kind.
type RunManager struct {
	factory  WorkflowFactory
	notifier *notify.Notifier

	mu     sync.RWMutex
	runs   map[string]*runEntry
	active map[achieve.Kind]string
	last   map[achieve.Kind]*achieve.ExecuteResult

	wg   sync.WaitGroup
	ttl  time.Duration
	stop chan struct{}
}

// NewRunManager creates a RunManager that keeps completed run buffers for
// the given TTL before garbage-collecting them. notifier may be nil.
func NewRunManager(factory WorkflowFactory, notifier *notify.Notifier, ttl time.Duration) *RunManager {
	rm := &RunManager{
		factory:  factory,
		notifier: notifier,
		runs:     make(map[string]*runEntry),
		active:   make(map[achieve.Kind]string),
		last:     make(map[achieve.Kind]*achieve.ExecuteResult),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go rm.gc()
	return rm
}

// Stop terminates the GC goroutine.
func (rm *RunManager) Stop() {
	close(rm.stop)
}

// Wait blocks until every launched run has finished.
func (rm *RunManager) Wait() {
	rm.wg.Wait()
}

// Start launches a run for kind unless one is already active. ctx bounds the
// run itself, so callers pass a long-lived context rather than a request's.
func (rm *RunManager) Start(ctx context.Context, kind achieve.Kind, tier achieve.Tier) (string, error) {
	id := achieve.GenerateID("run")

	entry := &runEntry{id: id, kind: kind, tier: tier, startedAt: time.Now()}

	rm.mu.Lock()
	if cur, ok := rm.active[kind]; ok {
		rm.mu.Unlock()
		return "", achieve.NewError(achieve.ErrConflict, "start run", fmt.Sprintf("%s already running as %s", kind, cur))
	}
	rm.active[kind] = id
	rm.runs[id] = entry
	rm.mu.Unlock()

	wf, err := rm.factory(kind, tier, func(u achieve.ProgressUpdate) {
		entry.publish(EventRecord{Type: EventProgress, Progress: &u}, nil)
	})
	if err != nil {
		rm.mu.Lock()
		delete(rm.active, kind)
		delete(rm.runs, id)
		rm.mu.Unlock()
		return "", err
	}

	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()
		res := wf.Execute(ctx)
		rm.finish(id, kind, res)
	}()
	return id, nil
}

func (rm *RunManager) finish(id string, kind achieve.Kind, res *achieve.ExecuteResult) {
	rm.mu.Lock()
	delete(rm.active, kind)
	rm.last[kind] = res
	rm.mu.Unlock()

	if e := rm.entry(id); e != nil {
		e.publish(EventRecord{Type: EventDone, Result: res}, res)
	}
	_ = rm.notifier.Broadcast(context.Background(), res.Summary())
}

func (rm *RunManager) entry(id string) *runEntry {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.runs[id]
}

// Subscribe returns the buffered events of runID from startSeq onward, a
// channel closed when more arrive, and whether the run is done. found is
// false for unknown or collected runs.
func (rm *RunManager) Subscribe(runID string, startSeq int) (events []EventRecord, wake <-chan struct{}, done bool, found bool) {
	e := rm.entry(runID)
	if e == nil {
		return nil, nil, false, false
	}
	events, wake, done = e.since(startSeq)
	return events, wake, done, true
}

// ActiveRun returns the ID of the run currently executing for kind.
func (rm *RunManager) ActiveRun(kind achieve.Kind) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	id, ok := rm.active[kind]
	return id, ok
}

// LatestRun returns the most recently started tracked run for kind.
func (rm *RunManager) LatestRun(kind achieve.Kind) (RunInfo, bool) {
	var latest RunInfo
	found := false
	for _, ri := range rm.Runs() {
		if ri.Kind == kind && (!found || ri.StartedAt.After(latest.StartedAt)) {
			latest, found = ri, true
		}
	}
	return latest, found
}

// Runs lists tracked runs, newest first.
func (rm *RunManager) Runs() []RunInfo {
	rm.mu.RLock()
	out := make([]RunInfo, 0, len(rm.runs))
	for _, e := range rm.runs {
		out = append(out, e.info())
	}
	rm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// LastResult returns the result of the last finished run for kind.
func (rm *RunManager) LastResult(kind achieve.Kind) (*achieve.ExecuteResult, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	res, ok := rm.last[kind]
	return res, ok
}

// gc drops finished runs older than the TTL.
func (rm *RunManager) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.collectExpired()
		}
	}
}

func (rm *RunManager) collectExpired() {
	now := time.Now()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, e := range rm.runs {
		if e.expired(now, rm.ttl) {
			delete(rm.runs, id)
		}
	}
}
