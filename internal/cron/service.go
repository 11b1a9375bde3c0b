package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/openclaw/internal/bus"
	"github.com/haasonsaas/openclaw/internal/observability"
	"github.com/haasonsaas/openclaw/internal/sessions"
	"github.com/haasonsaas/openclaw/pkg/models"

	"github.com/haasonsaas/openclaw/internal/channels"
)

const (
	// stuckRunAge is how old a running marker must be before the sweeper
	// clears it and marks the job errored.
	stuckRunAge = 2 * time.Hour

	sweepInterval = 10 * time.Minute

	// maxRunsKept bounds the in-memory run history ring.
	maxRunsKept = 50

	// idleParkTime is the timer duration when no job has a next run.
	idleParkTime = time.Hour
)

var ErrJobNotFound = errors.New("cron job not found")

// JobSpec is the caller-supplied part of a job.
type JobSpec struct {
	Name           string   `json:"name,omitempty"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
}

// Service owns the job map and fires due jobs off a single timer armed
// for the earliest next run.
type Service struct {
	jobsPath     string
	logDir       string
	runner       TurnRunner
	deliverer    Deliverer
	events       *bus.Bus
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time
	defaultAgent string

	mu      sync.Mutex
	jobs    map[string]*Job
	runs    []RunRecord
	started bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger.With("component", "cron") }
}

// WithBus attaches the event bus for cron.* events.
func WithBus(b *bus.Bus) ServiceOption {
	return func(s *Service) { s.events = b }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithNow injects a clock, for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithDefaultAgent sets the agent used when a payload names none.
func WithDefaultAgent(agentID string) ServiceOption {
	return func(s *Service) {
		if strings.TrimSpace(agentID) != "" {
			s.defaultAgent = agentID
		}
	}
}

// NewService loads jobs.json from stateDir and prepares the scheduler.
// Run logs are written under logDir, one JSONL file per job.
func NewService(stateDir, logDir string, runner TurnRunner, deliverer Deliverer, opts ...ServiceOption) (*Service, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state dir is required")
	}
	if strings.TrimSpace(logDir) == "" {
		logDir = filepath.Join(stateDir, "cron-logs")
	}
	s := &Service{
		jobsPath:     filepath.Join(stateDir, "jobs.json"),
		logDir:       logDir,
		runner:       runner,
		deliverer:    deliverer,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		defaultAgent: "main",
		jobs:         make(map[string]*Job),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.jobsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse jobs file: %w", err)
	}
	for _, job := range jobs {
		if job != nil && job.ID != "" {
			s.jobs[job.ID] = job
		}
	}
	return nil
}

// Start launches the timer loop and the stuck-run sweeper.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.publish("cron.service-started", map[string]any{"jobs": len(s.List())})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
}

// Stop waits for the loops to exit (they stop when Start's ctx ends).
func (s *Service) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.publish("cron.service-stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns a snapshot of all jobs, ordered by next run.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRunMs, out[j].NextRunMs
		if a == 0 {
			a = 1<<62 - 1
		}
		if b == 0 {
			b = 1<<62 - 1
		}
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one job by id.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Add validates and stores a new job.
func (s *Service) Add(spec JobSpec) (Job, error) {
	if err := spec.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	if err := spec.Payload.Validate(); err != nil {
		return Job{}, err
	}

	now := s.now().UnixMilli()
	spec.Schedule = anchorSchedule(spec.Schedule, now)
	job := &Job{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(spec.Name),
		Enabled:        spec.Enabled,
		Schedule:       spec.Schedule,
		Payload:        spec.Payload,
		DeleteAfterRun: spec.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}
	if job.Enabled {
		if next, ok := spec.Schedule.Next(now); ok {
			job.NextRunMs = next
		}
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	err := s.persistLocked()
	snapshot := *job
	s.mu.Unlock()
	if err != nil {
		return Job{}, err
	}

	s.publish("cron.job-added", map[string]any{"id": job.ID, "name": job.Name})
	s.kick()
	return snapshot, nil
}

// Update replaces a job's spec and recomputes its next run.
func (s *Service) Update(id string, spec JobSpec) (Job, error) {
	if err := spec.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	if err := spec.Payload.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	now := s.now().UnixMilli()
	spec.Schedule = anchorSchedule(spec.Schedule, now)
	job.Name = strings.TrimSpace(spec.Name)
	job.Enabled = spec.Enabled
	job.Schedule = spec.Schedule
	job.Payload = spec.Payload
	job.DeleteAfterRun = spec.DeleteAfterRun
	job.UpdatedAtMs = now
	job.NextRunMs = 0
	if job.Enabled {
		if next, ok := spec.Schedule.Next(now); ok {
			job.NextRunMs = next
		}
	}
	err := s.persistLocked()
	snapshot := *job
	s.mu.Unlock()
	if err != nil {
		return Job{}, err
	}

	s.publish("cron.job-updated", map[string]any{"id": id})
	s.kick()
	return snapshot, nil
}

// Remove deletes a job.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish("cron.job-removed", map[string]any{"id": id})
	s.kick()
	return nil
}

// anchorSchedule pins an every schedule without a start to a grid one
// interval after nowMs; an unanchored grid would collapse into
// continuous refiring.
func anchorSchedule(sched Schedule, nowMs int64) Schedule {
	if sched.Kind == KindEvery && sched.StartMs <= 0 && sched.EveryMs > 0 {
		sched.StartMs = nowMs + sched.EveryMs
	}
	return sched
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	snapshot := *job
	s.mu.Unlock()

	return s.execute(ctx, snapshot)
}

// Runs returns recent run records, newest last. An empty jobID returns
// runs for all jobs.
func (s *Service) Runs(jobID string, limit int) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RunRecord
	for _, rec := range s.runs {
		if jobID != "" && rec.JobID != jobID {
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Status summarizes the service for the gateway.
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nextMs int64
	enabled := 0
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		enabled++
		if job.NextRunMs > 0 && (nextMs == 0 || job.NextRunMs < nextMs) {
			nextMs = job.NextRunMs
		}
	}
	return map[string]any{
		"started":     s.started,
		"jobs":        len(s.jobs),
		"enabledJobs": enabled,
		"nextRunAtMs": nextMs,
	}
}

// loop arms a single timer for the earliest next run across all jobs.
// Mutations kick the wake channel to rearm early.
func (s *Service) loop(ctx context.Context) {
	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.runDue(ctx)
		}
	}
}

func (s *Service) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nextMs int64
	for _, job := range s.jobs {
		if !job.Enabled || job.NextRunMs <= 0 || job.RunningAtMs > 0 {
			continue
		}
		if nextMs == 0 || job.NextRunMs < nextMs {
			nextMs = job.NextRunMs
		}
	}
	if nextMs == 0 {
		return idleParkTime
	}
	d := time.Until(time.UnixMilli(nextMs))
	if d < 0 {
		d = 0
	}
	return d
}

// runDue executes every enabled job whose next run is at or before now,
// sequentially.
func (s *Service) runDue(ctx context.Context) {
	now := s.now().UnixMilli()

	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunMs > 0 && job.NextRunMs <= now && job.RunningAtMs == 0 {
			due = append(due, *job)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextRunMs < due[j].NextRunMs })
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.execute(ctx, job); err != nil {
			s.logger.Warn("cron job failed", "id", job.ID, "error", err)
		}
	}
	s.kick()
}

// execute runs one job end to end: running marker, payload, bookkeeping,
// persistence, run log, events.
func (s *Service) execute(ctx context.Context, job Job) error {
	startedAt := s.now()
	startedMs := startedAt.UnixMilli()

	s.mu.Lock()
	live, ok := s.jobs[job.ID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	live.RunningAtMs = startedMs
	_ = s.persistLocked()
	s.mu.Unlock()

	s.publish("cron.job-started", map[string]any{"id": job.ID, "name": job.Name})

	summary, runErr := s.executePayload(ctx, job)
	durationMs := s.now().Sub(startedAt).Milliseconds()

	status := "ok"
	errText := ""
	if runErr != nil {
		status = "error"
		errText = runErr.Error()
	}

	s.mu.Lock()
	removed := false
	var nextMs int64
	if live, ok := s.jobs[job.ID]; ok {
		live.RunningAtMs = 0
		live.LastRunAtMs = startedMs
		live.LastStatus = status
		live.LastError = errText
		live.LastDurationMs = durationMs

		// Rearm strictly after the fire time so every/cron grids advance.
		from := s.now().UnixMilli()
		if from <= startedMs {
			from = startedMs
		}
		if next, ok := live.Schedule.Next(from + 1); ok {
			live.NextRunMs = next
		} else {
			live.NextRunMs = 0
		}

		if live.Schedule.Kind == KindAt && live.DeleteAfterRun {
			delete(s.jobs, job.ID)
			removed = true
		}
		nextMs = live.NextRunMs
	}
	_ = s.persistLocked()
	s.mu.Unlock()

	record := RunRecord{
		JobID:       job.ID,
		Ts:          startedMs,
		Status:      status,
		Error:       errText,
		Summary:     summary,
		DurationMs:  durationMs,
		NextRunAtMs: nextMs,
	}
	s.appendRun(record)

	if s.metrics != nil {
		s.metrics.RecordCronRun(status)
	}
	s.publish("cron.job-finished", map[string]any{
		"id":       job.ID,
		"status":   status,
		"error":    errText,
		"duration": durationMs,
	})
	if removed {
		s.publish("cron.job-removed", map[string]any{"id": job.ID})
	}
	return runErr
}

func (s *Service) executePayload(ctx context.Context, job Job) (string, error) {
	if s.runner == nil {
		return "", errors.New("turn runner not configured")
	}

	agentID := strings.TrimSpace(job.Payload.AgentID)
	if agentID == "" {
		agentID = s.defaultAgent
	}

	switch job.Payload.Kind {
	case PayloadSystemEvent:
		key := sessions.BuildAgentMainSessionKey(agentID, sessions.DefaultMainKey)
		reply, err := s.runner.RunTurn(ctx, key, job.Payload.Text, nil)
		if err != nil {
			return "", err
		}
		return reply, nil

	case PayloadAgentTurn:
		key := sessions.BuildAgentPeerSessionKey(sessions.PeerSessionParams{
			AgentID:  agentID,
			MainKey:  sessions.DefaultMainKey,
			Channel:  "cron",
			PeerKind: "job",
			PeerID:   job.ID + "-" + uuid.NewString()[:8],
		})
		reply, err := s.runner.RunTurn(ctx, key, job.Payload.Prompt, nil)
		if err != nil {
			return "", err
		}
		if job.Payload.Delivery != nil && strings.TrimSpace(reply) != "" {
			if s.deliverer == nil {
				return reply, errors.New("delivery requested but no deliverer configured")
			}
			out := &channels.Outbound{ChatID: job.Payload.Delivery.Target, Text: reply}
			if err := s.deliverer.Send(ctx, models.ChannelType(job.Payload.Delivery.Channel), out); err != nil {
				return reply, fmt.Errorf("deliver reply: %w", err)
			}
		}
		return reply, nil

	default:
		return "", fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
}

// sweepLoop clears running markers older than stuckRunAge and marks the
// job errored.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStuck()
		}
	}
}

func (s *Service) sweepStuck() {
	cutoff := s.now().Add(-stuckRunAge).UnixMilli()

	s.mu.Lock()
	changed := false
	for _, job := range s.jobs {
		if job.RunningAtMs > 0 && job.RunningAtMs < cutoff {
			job.RunningAtMs = 0
			job.LastStatus = "error"
			job.LastError = "run marker stuck, cleared by sweeper"
			changed = true
			s.logger.Warn("cleared stuck cron run", "id", job.ID)
		}
	}
	if changed {
		_ = s.persistLocked()
	}
	s.mu.Unlock()
}

func (s *Service) appendRun(record RunRecord) {
	s.mu.Lock()
	s.runs = append(s.runs, record)
	if len(s.runs) > maxRunsKept {
		s.runs = s.runs[len(s.runs)-maxRunsKept:]
	}
	s.mu.Unlock()

	if err := s.appendRunLog(record); err != nil {
		s.logger.Warn("cron run log append failed", "job", record.JobID, "error", err)
	}
}

func (s *Service) appendRunLog(record RunRecord) error {
	if err := os.MkdirAll(s.logDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(s.logDir, record.JobID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// persistLocked writes the full job set; callers hold the mutex.
func (s *Service) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	if err := os.MkdirAll(filepath.Dir(s.jobsPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.jobsPath, data, 0o600)
}

func (s *Service) publish(eventType string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

// kick wakes the timer loop to rearm after a mutation.
func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
