// Package jobs implements the bounded FIFO job queue, per-job event ring,
// and live SSE-style fan-out described by the daemon's job manager. Runners
// are supplied by callers (git clone/fetch, deps install) and driven through
// a narrow RunnerContext so this package stays ignorant of git or npm.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"localgitd/internal/apierr"
)

// State is one point in a job's monotonic lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

const (
	eventRingSize   = 2000
	historyRingSize = 100
)

// EventKind tags the discriminated Event union.
type EventKind string

const (
	EventLog      EventKind = "log"
	EventProgress EventKind = "progress"
	EventState    EventKind = "state"
)

// Event is one entry in a job's event ring. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind EventKind `json:"kind"`
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`

	// log
	Stream string `json:"stream,omitempty"` // "stdout" | "stderr"
	Line   string `json:"line,omitempty"`

	// progress
	ProgressKind string  `json:"progressKind,omitempty"` // "git" | "deps"
	Percent      float64 `json:"percent,omitempty"`
	Detail       string  `json:"detail,omitempty"`

	// state
	State   State  `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// JobError is the terminal error recorded on a job, matching the
// {errorCode, message} shape of the HTTP error envelope.
type JobError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// RunnerContext is handed to a Runner when its job starts.
type RunnerContext struct {
	ctx context.Context
	job *Job

	cancelMu sync.Mutex
	cancelFn func()
}

func (rc *RunnerContext) Context() context.Context { return rc.ctx }

func (rc *RunnerContext) LogStdout(line string) { rc.job.emitLog("stdout", line) }
func (rc *RunnerContext) LogStderr(line string) { rc.job.emitLog("stderr", line) }

func (rc *RunnerContext) Progress(kind string, percent float64, detail string) {
	rc.job.emitProgress(kind, percent, detail)
}

// SetCancel registers the function invoked when the job is cancelled or
// times out. Runners that spawn a child process use this to wire in
// process-tree termination.
func (rc *RunnerContext) SetCancel(fn func()) {
	rc.cancelMu.Lock()
	defer rc.cancelMu.Unlock()
	rc.cancelFn = fn
}

func (rc *RunnerContext) invokeCancel() {
	rc.cancelMu.Lock()
	fn := rc.cancelFn
	rc.cancelMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (rc *RunnerContext) IsCancelled() bool {
	select {
	case <-rc.ctx.Done():
		return true
	default:
		return false
	}
}

// Runner is supplied by callers; it does the actual work (spawn git,
// install deps, ...) and reports back through rc.
type Runner func(rc *RunnerContext) error

// Job is one unit of background work.
type Job struct {
	ID         string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      *JobError

	mu       sync.Mutex
	state    State
	events   []Event
	ringPeak int
	nextSeq  uint64
	subs     map[int]chan Event
	nextSub  int
	runnerRC *RunnerContext
	timer    *time.Timer
}

// Snapshot is the serialisable view of a job returned by jobs.get.
type Snapshot struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      *JobError  `json:"error,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{ID: j.ID, State: j.state, CreatedAt: j.CreatedAt, Error: j.Error}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		snap.StartedAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		snap.FinishedAt = &t
	}
	return snap
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// RingPeak returns the largest the event ring has grown for this job, up to
// eventRingSize.
func (j *Job) RingPeak() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ringPeak
}

type queuedUnit struct {
	job    *Job
	run    Runner
	cancel context.CancelFunc
	ctx    context.Context
}

// Manager owns the queue, running count, job index, and history ring.
type Manager struct {
	mu            sync.Mutex
	maxConcurrent int
	timeout       time.Duration
	running       int
	queue         []*queuedUnit
	jobs          map[string]*Job
	history       []string // job ids, oldest first, bounded to historyRingSize
	log           *log.Logger
}

func NewManager(maxConcurrent int, timeout time.Duration, logger *log.Logger) *Manager {
	return &Manager{
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		jobs:          make(map[string]*Job),
		log:           logger,
	}
}

// Enqueue creates a new queued job for run and attempts to drain the
// queue immediately.
func (m *Manager) Enqueue(run Runner) *Job {
	job := &Job{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		state:     StateQueued,
		subs:      make(map[int]chan Event),
	}
	job.emitState(StateQueued, "")

	ctx, cancel := context.WithCancel(context.Background())
	unit := &queuedUnit{job: job, run: run, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.history = append(m.history, job.ID)
	if len(m.history) > historyRingSize {
		oldID := m.history[0]
		m.history = m.history[1:]
		if old, ok := m.jobs[oldID]; ok && old.State().Terminal() {
			delete(m.jobs, oldID)
		}
	}
	m.queue = append(m.queue, unit)
	m.mu.Unlock()

	m.drain()
	return job
}

// Get returns the job for id, if known.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// QueueDepth and RunningCount back the diagnostics route.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// EventRingHighWater returns the largest event-ring size observed across
// every job this manager still knows about, backing the diagnostics route.
func (m *Manager) EventRingHighWater() int {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	peak := 0
	for _, j := range jobs {
		if p := j.RingPeak(); p > peak {
			peak = p
		}
	}
	return peak
}

func (m *Manager) drain() {
	for {
		m.mu.Lock()
		if m.running >= m.maxConcurrent || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		unit := m.queue[0]
		m.queue = m.queue[1:]
		m.running++
		m.mu.Unlock()

		go m.start(unit)
	}
}

func (m *Manager) start(unit *queuedUnit) {
	job := unit.job

	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		m.finishSlot()
		return
	}
	job.state = StateRunning
	job.StartedAt = time.Now()
	rc := &RunnerContext{ctx: unit.ctx, job: job}
	job.runnerRC = rc
	job.mu.Unlock()

	job.emitState(StateRunning, "")

	timer := time.AfterFunc(m.timeout, func() {
		timeoutErr := apierr.ErrTimeout()
		if job.transitionTerminal(StateError, &JobError{ErrorCode: timeoutErr.Code, Message: timeoutErr.Message}) {
			rc.invokeCancel()
			unit.cancel()
			job.emitState(StateError, "Timed out")
		}
	})
	job.mu.Lock()
	job.timer = timer
	job.mu.Unlock()

	err := unit.run(rc)

	job.mu.Lock()
	if job.timer != nil {
		job.timer.Stop()
	}
	job.mu.Unlock()
	unit.cancel()

	if err != nil {
		if job.transitionTerminal(StateError, &JobError{ErrorCode: "internal_error", Message: err.Error()}) {
			job.emitState(StateError, err.Error())
		}
	} else {
		if job.transitionTerminal(StateDone, nil) {
			job.emitState(StateDone, "")
		}
	}

	m.finishSlot()
}

func (m *Manager) finishSlot() {
	m.mu.Lock()
	m.running--
	m.mu.Unlock()
	m.drain()
}

// Sweep removes terminal jobs that have aged out of the history ring and
// have no live subscribers. Callers run this periodically (see
// cmd/localgitd) rather than relying on eviction at enqueue time alone.
func (m *Manager) Sweep() {
	m.mu.Lock()
	inHistory := make(map[string]bool, len(m.history))
	for _, id := range m.history {
		inHistory[id] = true
	}
	var toDelete []string
	for id, job := range m.jobs {
		if inHistory[id] {
			continue
		}
		if !job.State().Terminal() {
			continue
		}
		job.mu.Lock()
		subCount := len(job.subs)
		job.mu.Unlock()
		if subCount == 0 {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		delete(m.jobs, id)
	}
	m.mu.Unlock()
}

// Cancel stops a queued or running job. Returns ok=false when the job is
// unknown or already terminal (the HTTP layer answers 404 for an unknown id
// before calling Cancel, and 409 for a terminal job).
func (m *Manager) Cancel(id string) (ok bool) {
	m.mu.Lock()
	job, known := m.jobs[id]
	if !known {
		m.mu.Unlock()
		return false
	}
	for i, unit := range m.queue {
		if unit.job.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.mu.Unlock()
			if job.transitionTerminal(StateCancelled, nil) {
				job.emitState(StateCancelled, "")
			}
			return true
		}
	}
	m.mu.Unlock()

	if job.State().Terminal() {
		return false
	}

	job.mu.Lock()
	rc := job.runnerRC
	job.mu.Unlock()
	if job.transitionTerminal(StateCancelled, nil) {
		if rc != nil {
			rc.invokeCancel()
		}
		job.emitState(StateCancelled, "")
		return true
	}
	return false
}

// transitionTerminal moves the job to state if it isn't already terminal.
// Returns whether the transition happened, so callers don't double-emit.
func (j *Job) transitionTerminal(state State, jobErr *JobError) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = state
	j.FinishedAt = time.Now()
	j.Error = jobErr
	return true
}

func (j *Job) emitLog(stream, line string) {
	j.emit(Event{Kind: EventLog, Stream: stream, Line: line})
}

func (j *Job) emitProgress(kind string, percent float64, detail string) {
	j.emit(Event{Kind: EventProgress, ProgressKind: kind, Percent: percent, Detail: detail})
}

func (j *Job) emitState(state State, message string) {
	j.emit(Event{Kind: EventState, State: state, Message: message})
}

func (j *Job) emit(e Event) {
	j.mu.Lock()
	e.At = time.Now()
	e.Seq = j.nextSeq
	j.nextSeq++
	j.events = append(j.events, e)
	if len(j.events) > eventRingSize {
		j.events = j.events[len(j.events)-eventRingSize:]
	}
	if len(j.events) > j.ringPeak {
		j.ringPeak = len(j.events)
	}
	subs := make([]chan Event, 0, len(j.subs))
	for _, ch := range j.subs {
		subs = append(subs, ch)
	}
	j.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// slow subscriber; drop rather than block the job.
		}
	}
}

// Subscribe registers a new live subscriber and returns the events already
// on the ring (to replay) plus a channel of events going forward, and an
// unsubscribe func. If the job is already terminal, replay ends with the
// terminal state event. The live channel is never closed; callers stop
// reading once they see a terminal state event.
func (j *Job) Subscribe() (replay []Event, live <-chan Event, unsubscribe func()) {
	j.mu.Lock()
	replay = make([]Event, len(j.events))
	copy(replay, j.events)
	ch := make(chan Event, 64)
	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch
	j.mu.Unlock()

	unsubscribe = func() {
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
	}
	return replay, ch, unsubscribe
}
