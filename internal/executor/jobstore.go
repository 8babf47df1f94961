package executor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobSpec is the caller-supplied description of a job.
type JobSpec struct {
	Task string `json:"task" binding:"required"`
	// PlannerModel selects the agent's planning model; empty means the
	// agent's default.
	PlannerModel string `json:"plannerModel,omitempty"`
	AutoCommit   bool   `json:"autoCommit"`
	AutoCompress bool   `json:"autoCompress"`
}

// Job is one unit of agent work. Replays of the same Idempotency-Key return
// the same record.
type Job struct {
	ID             string     `json:"jobId"`
	IdempotencyKey string     `json:"-"`
	Spec           JobSpec    `json:"spec"`
	State          JobState   `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Event is one entry in a job's ordered event stream. Sequence numbers start
// at 1 and are dense: no gaps, no duplicates. Data is an opaque structured
// payload; the store never interprets it.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TextData wraps a human-readable message as an event payload.
func TextData(message string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"message": message})
	return raw
}

// JobStore keeps jobs and their event streams in memory. One mutex covers
// both maps so "look up by key or create" is atomic and event appends are
// ordered with respect to state changes.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	byKey  map[string]string
	events map[string][]Event
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]*Job),
		byKey:  make(map[string]string),
		events: make(map[string][]Event),
	}
}

// CreateOrGet returns the existing job for the idempotency key, or creates a
// new QUEUED job. A new job is refused while any non-terminal job exists:
// the executor runs one job at a time, and replays must not bypass that.
func (s *JobStore) CreateOrGet(key string, spec JobSpec) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		return *s.jobs[id], false, nil
	}

	for _, job := range s.jobs {
		if !job.State.Terminal() {
			return Job{}, false, ErrJobActive
		}
	}

	job := &Job{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Spec:           spec,
		State:          JobQueued,
		CreatedAt:      time.Now(),
	}
	s.jobs[job.ID] = job
	s.byKey[key] = job.ID
	return *job, true, nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// SetRunning transitions QUEUED→RUNNING and stamps the start time.
func (s *JobStore) SetRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok && job.State == JobQueued {
		now := time.Now()
		job.State = JobRunning
		job.StartedAt = &now
	}
}

// Finish records a terminal state. A job already terminal stays as it is, so
// a cancellation racing completion settles on whichever landed first.
func (s *JobStore) Finish(id string, state JobState, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return
	}
	now := time.Now()
	job.State = state
	job.FinishedAt = &now
	job.Error = errMsg
}

// Append adds an event to the job's stream with the next sequence number.
func (s *JobStore) Append(jobID, eventType string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return
	}
	stream := s.events[jobID]
	s.events[jobID] = append(stream, Event{
		Seq:       int64(len(stream)) + 1,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// ReadEvents returns events with seq > after, in ascending order, plus the
// cursor for the next poll. A negative cursor reads from the beginning.
// nextAfter equals the last returned seq, or the request cursor when nothing
// new arrived, so polling with the returned cursor never re-reads events.
func (s *JobStore) ReadEvents(jobID string, after int64, limit int) ([]Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, 0, ErrJobNotFound
	}
	if after < 0 {
		after = 0
	}

	stream := s.events[jobID]
	// Seqs are dense from 1, so the stream index of seq n is n-1.
	start := int(after)
	if start >= len(stream) {
		return []Event{}, after, nil
	}

	end := len(stream)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]Event, end-start)
	copy(out, stream[start:end])
	return out, out[len(out)-1].Seq, nil
}
