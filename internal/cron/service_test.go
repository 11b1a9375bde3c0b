package cron

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/pkg/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	keys  []string
	texts []string
	reply string
	err   error
}

func (r *fakeRunner) RunTurn(ctx context.Context, sessionKey, text string, onEvent func(agent.Event)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, sessionKey)
	r.texts = append(r.texts, text)
	return r.reply, r.err
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []*channels.Outbound
}

func (d *fakeDeliverer) Send(ctx context.Context, id models.ChannelType, out *channels.Outbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, out)
	return nil
}

func newTestService(t *testing.T, runner *fakeRunner, deliverer *fakeDeliverer, now *time.Time) *Service {
	t.Helper()
	svc, err := NewService(t.TempDir(), "", runner, deliverer,
		WithNow(func() time.Time { return *now }))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestAddComputesNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &fakeRunner{}, nil, &now)

	job, err := svc.Add(JobSpec{
		Name:     "reminder",
		Enabled:  true,
		Schedule: Schedule{Kind: KindAt, AtMs: now.Add(time.Hour).UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "check in"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.NextRunMs != now.Add(time.Hour).UnixMilli() {
		t.Errorf("next run = %d", job.NextRunMs)
	}

	// Disabled jobs get no next run.
	disabled, err := svc.Add(JobSpec{
		Enabled:  false,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if disabled.NextRunMs != 0 {
		t.Errorf("disabled job next run = %d", disabled.NextRunMs)
	}
}

func TestAddAnchorsEverySchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &fakeRunner{}, nil, &now)

	job, err := svc.Add(JobSpec{
		Name:     "heartbeat",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "tick"},
	})
	if err != nil {
		t.Fatal(err)
	}

	wantStart := now.UnixMilli() + 60_000
	if job.Schedule.StartMs != wantStart {
		t.Errorf("start anchor = %d, want %d", job.Schedule.StartMs, wantStart)
	}
	if job.NextRunMs != wantStart {
		t.Errorf("next run = %d, want %d", job.NextRunMs, wantStart)
	}

	// The post-fire rearm advances one interval, not one millisecond.
	next, ok := job.Schedule.Next(job.NextRunMs + 1)
	if !ok || next != job.NextRunMs+60_000 {
		t.Errorf("rearmed next = %d, want %d", next, job.NextRunMs+60_000)
	}
}

func TestAddRejectsInvalidSpecs(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, &fakeRunner{}, nil, &now)

	if _, err := svc.Add(JobSpec{
		Schedule: Schedule{Kind: KindEvery},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	}); err == nil {
		t.Error("invalid schedule accepted")
	}
	if _, err := svc.Add(JobSpec{
		Schedule: Schedule{Kind: KindEvery, EveryMs: 1000},
		Payload:  Payload{Kind: PayloadAgentTurn},
	}); err == nil {
		t.Error("empty agent_turn prompt accepted")
	}
	if _, err := svc.Add(JobSpec{
		Schedule: Schedule{Kind: KindEvery, EveryMs: 1000},
		Payload: Payload{
			Kind:     PayloadAgentTurn,
			Prompt:   "p",
			Delivery: &Delivery{Channel: "telegram"},
		},
	}); err == nil {
		t.Error("delivery without target accepted")
	}
}

func TestRunDueSystemEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{reply: "done"}
	svc := newTestService(t, runner, nil, &now)

	job, err := svc.Add(JobSpec{
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, StartMs: now.UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "daily check"},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.runDue(context.Background())

	runner.mu.Lock()
	keys, texts := runner.keys, runner.texts
	runner.mu.Unlock()
	if len(keys) != 1 || keys[0] != "agent:main:main" {
		t.Errorf("session keys = %v", keys)
	}
	if len(texts) != 1 || texts[0] != "daily check" {
		t.Errorf("texts = %v", texts)
	}

	got, _ := svc.Get(job.ID)
	if got.LastStatus != "ok" || got.LastRunAtMs != now.UnixMilli() {
		t.Errorf("job after run = %+v", got)
	}
	if got.NextRunMs != now.Add(time.Minute).UnixMilli() {
		t.Errorf("rearmed next run = %d", got.NextRunMs)
	}
	if got.RunningAtMs != 0 {
		t.Error("running marker not cleared")
	}
}

func TestRunDueAgentTurnDelivers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{reply: "today's summary"}
	deliverer := &fakeDeliverer{}
	svc := newTestService(t, runner, deliverer, &now)

	if _, err := svc.Add(JobSpec{
		Enabled:  true,
		Schedule: Schedule{Kind: KindAt, AtMs: now.UnixMilli()},
		Payload: Payload{
			Kind:     PayloadAgentTurn,
			Prompt:   "summarize the day",
			Delivery: &Delivery{Channel: "telegram", Target: "42"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	svc.runDue(context.Background())

	runner.mu.Lock()
	keys := runner.keys
	runner.mu.Unlock()
	if len(keys) != 1 {
		t.Fatalf("runs = %d", len(keys))
	}
	// Isolated runs get a fresh cron-scoped session, not the main one.
	if !strings.Contains(keys[0], ":cron:") {
		t.Errorf("session key = %q", keys[0])
	}

	deliverer.mu.Lock()
	sent := deliverer.sent
	deliverer.mu.Unlock()
	if len(sent) != 1 || sent[0].ChatID != "42" || sent[0].Text != "today's summary" {
		t.Errorf("delivered = %+v", sent)
	}
}

func TestAtJobDeleteAfterRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &fakeRunner{reply: "ok"}, nil, &now)

	job, err := svc.Add(JobSpec{
		Enabled:        true,
		Schedule:       Schedule{Kind: KindAt, AtMs: now.UnixMilli()},
		Payload:        Payload{Kind: PayloadSystemEvent, Text: "once"},
		DeleteAfterRun: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.runDue(context.Background())

	if _, ok := svc.Get(job.ID); ok {
		t.Error("delete_after_run job survived its run")
	}
	// The run itself is still on record.
	runs := svc.Runs(job.ID, 0)
	if len(runs) != 1 || runs[0].Status != "ok" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestFailedRunRecordsError(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{err: context.DeadlineExceeded}
	svc := newTestService(t, runner, nil, &now)

	job, _ := svc.Add(JobSpec{
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, StartMs: now.UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})

	svc.runDue(context.Background())

	got, _ := svc.Get(job.ID)
	if got.LastStatus != "error" || got.LastError == "" {
		t.Errorf("job after failed run = %+v", got)
	}
	runs := svc.Runs(job.ID, 0)
	if len(runs) != 1 || runs[0].Status != "error" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestJobsPersistAcrossRestart(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	svc, err := NewService(dir, "", &fakeRunner{}, nil, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	job, err := svc.Add(JobSpec{
		Name:     "persisted",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, StartMs: now.UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := NewService(dir, "", &fakeRunner{}, nil, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Get(job.ID)
	if !ok {
		t.Fatal("job lost across restart")
	}
	if got.Name != "persisted" || got.Payload.Text != "hello" {
		t.Errorf("reloaded job = %+v", got)
	}
}

func TestRunLogAppendsJSONL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stateDir := t.TempDir()
	logDir := filepath.Join(stateDir, "logs")

	svc, err := NewService(stateDir, logDir, &fakeRunner{reply: "ok"}, nil,
		WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	job, _ := svc.Add(JobSpec{
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, StartMs: now.UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})

	svc.runDue(context.Background())
	svc.runDue(context.Background()) // nothing due; next run is in the future

	data, err := os.ReadFile(filepath.Join(logDir, job.ID+".jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("log lines = %d", len(lines))
	}
	var rec RunRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.JobID != job.ID || rec.Status != "ok" || rec.NextRunAtMs == 0 {
		t.Errorf("record = %+v", rec)
	}
}

func TestStuckRunSweeper(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &fakeRunner{}, nil, &now)

	job, _ := svc.Add(JobSpec{
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, StartMs: now.UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})

	svc.mu.Lock()
	svc.jobs[job.ID].RunningAtMs = now.Add(-3 * time.Hour).UnixMilli()
	svc.mu.Unlock()

	svc.sweepStuck()

	got, _ := svc.Get(job.ID)
	if got.RunningAtMs != 0 {
		t.Error("stuck marker survived the sweep")
	}
	if got.LastStatus != "error" {
		t.Errorf("status = %q", got.LastStatus)
	}
}

func TestRunsRingFilterAndLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &fakeRunner{reply: "ok"}, nil, &now)

	for i := 0; i < 3; i++ {
		svc.appendRun(RunRecord{JobID: "a", Ts: int64(i), Status: "ok"})
	}
	svc.appendRun(RunRecord{JobID: "b", Ts: 99, Status: "ok"})

	if got := svc.Runs("a", 0); len(got) != 3 {
		t.Errorf("runs(a) = %d", len(got))
	}
	if got := svc.Runs("a", 2); len(got) != 2 || got[1].Ts != 2 {
		t.Errorf("limited runs = %+v", got)
	}
	if got := svc.Runs("", 0); len(got) != 4 {
		t.Errorf("all runs = %d", len(got))
	}
}
