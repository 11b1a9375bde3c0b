package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecurityMode controls which commands the bash tool will run.
type SecurityMode string

const (
	// SecurityFull runs any command.
	SecurityFull SecurityMode = "full"

	// SecurityAllowlist runs a command only when its first program
	// token is in the safe-binary set.
	SecurityAllowlist SecurityMode = "allowlist"

	// SecurityDeny rejects every command.
	SecurityDeny SecurityMode = "deny"
)

// SafeBinaries is the allowlist-mode program set. Matching strips any
// directory prefix and a trailing .exe extension.
var SafeBinaries = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"echo": true, "pwd": true, "date": true, "whoami": true, "env": true,
	"grep": true, "rg": true, "find": true, "which": true, "file": true,
	"du": true, "df": true, "uptime": true, "ps": true, "uname": true,
	"git": true, "go": true, "node": true, "python3": true, "jq": true,
	"curl": true, "sort": true, "uniq": true, "diff": true, "stat": true,
}

// FirstProgramToken extracts the program that a shell command would run
// first: the text before the first chain operator, split on whitespace,
// first field, with any path prefix and .exe suffix removed.
func FirstProgramToken(command string) string {
	segment := command
	cut := len(segment)
	for _, sep := range []string{"|", "&&", "||", ";"} {
		if idx := strings.Index(segment, sep); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	segment = strings.TrimSpace(segment[:cut])
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return ""
	}
	program := filepath.Base(fields[0])
	program = strings.TrimSuffix(strings.ToLower(program), ".exe")
	return program
}

// commandAllowed applies a security mode to a command.
func commandAllowed(mode SecurityMode, command string) error {
	switch mode {
	case SecurityFull, "":
		return nil
	case SecurityDeny:
		return fmt.Errorf("command execution is disabled")
	case SecurityAllowlist:
		program := FirstProgramToken(command)
		if program == "" {
			return fmt.Errorf("empty command")
		}
		if !SafeBinaries[program] {
			return fmt.Errorf("program %q is not in the allowlist", program)
		}
		return nil
	default:
		return fmt.Errorf("unknown security mode %q", mode)
	}
}

// maxExecOutput bounds how much combined output a single run returns to
// the model.
const maxExecOutput = 64 * 1024

// ExecConfig configures the bash tool.
type ExecConfig struct {
	// Workspace is the default working directory.
	Workspace string

	// Mode is the security mode; empty means full.
	Mode SecurityMode

	// PathPrepend entries are joined ahead of the inherited PATH.
	PathPrepend []string

	// Env adds fixed environment overrides for every run.
	Env map[string]string

	// DefaultTimeout bounds runs that do not set timeout_seconds.
	DefaultTimeout time.Duration
}

// backgroundProc is one backgrounded command.
type backgroundProc struct {
	mu      sync.Mutex
	id      string
	command string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	started time.Time
	done    bool
	exit    int
	runErr  error
}

func (p *backgroundProc) status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		return "running"
	}
	if p.runErr != nil || p.exit != 0 {
		return "failed"
	}
	return "exited"
}

func (p *backgroundProc) info() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]any{
		"process_id": p.id,
		"command":    p.command,
		"started_at": p.started.UTC().Format(time.RFC3339),
	}
	if p.done {
		out["exit_code"] = p.exit
		if p.runErr != nil {
			out["error"] = p.runErr.Error()
		}
	} else {
		out["status"] = "running"
	}
	return out
}

// BashTool runs shell commands in the workspace, honoring the
// configured security mode. Background runs are tracked for the
// process tool.
type BashTool struct {
	cfg   ExecConfig
	mu    sync.Mutex
	procs map[string]*backgroundProc
}

// NewBashTool creates the bash tool.
func NewBashTool(cfg ExecConfig) *BashTool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultExecTimeout
	}
	return &BashTool{cfg: cfg, procs: make(map[string]*backgroundProc)}
}

func (t *BashTool) Name() string  { return "bash" }
func (t *BashTool) Label() string { return "Shell" }

func (t *BashTool) Description() string {
	return "Run a shell command in the workspace. Supports optional background execution."
}

func (t *BashTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"cwd": {"type": "string", "description": "Working directory, relative to the workspace."},
			"input": {"type": "string", "description": "Stdin content."},
			"timeout_seconds": {"type": "integer", "minimum": 0, "description": "Timeout in seconds (0 uses the default)."},
			"background": {"type": "boolean", "description": "Run detached and return a process id."}
		},
		"required": ["command"]
	}`)
}

func (t *BashTool) buildCmd(ctx context.Context, command, cwd string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	dir := t.cfg.Workspace
	if cwd != "" {
		if filepath.IsAbs(cwd) {
			dir = cwd
		} else {
			dir = filepath.Join(t.cfg.Workspace, cwd)
		}
	}
	cmd.Dir = dir

	env := os.Environ()
	if len(t.cfg.PathPrepend) > 0 {
		path := strings.Join(t.cfg.PathPrepend, string(os.PathListSeparator)) +
			string(os.PathListSeparator) + os.Getenv("PATH")
		env = append(env, "PATH="+path)
	}
	keys := make([]string, 0, len(t.cfg.Env))
	for k := range t.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.cfg.Env[k])
	}
	cmd.Env = env
	return cmd
}

func (t *BashTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		Input          string `json:"input"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Background     bool   `json:"background"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return ErrorResult("command is required"), nil
	}
	if err := commandAllowed(t.cfg.Mode, command); err != nil {
		return ErrorResult(err.Error()), nil
	}

	if input.Background {
		proc, err := t.startBackground(command, input.Cwd, input.Input)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		payload, _ := json.Marshal(map[string]any{"status": "running", "process_id": proc.id})
		return TextResult(string(payload)), nil
	}

	timeout := t.cfg.DefaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := t.buildCmd(runCtx, command, input.Cwd)
	if input.Input != "" {
		cmd.Stdin = strings.NewReader(input.Input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", timeout)), nil
	}

	exit := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exit = ee.ExitCode()
		} else {
			return ErrorResult(fmt.Sprintf("run command: %v", runErr)), nil
		}
	}

	out := truncateOutput(stdout.String())
	errOut := truncateOutput(stderr.String())
	result := TextResult(formatExecOutput(out, errOut, exit))
	result.Details = map[string]any{"exit_code": exit}
	result.IsError = exit != 0
	return result, nil
}

func (t *BashTool) startBackground(command, cwd, stdin string) (*backgroundProc, error) {
	cmd := t.buildCmd(context.Background(), command, cwd)
	proc := &backgroundProc{
		id:      uuid.NewString()[:8],
		command: command,
		cmd:     cmd,
		started: time.Now(),
	}
	cmd.Stdout = &proc.stdout
	cmd.Stderr = &proc.stderr

	pipe, err := cmd.StdinPipe()
	if err == nil {
		proc.stdin = pipe
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	if stdin != "" && proc.stdin != nil {
		_, _ = io.WriteString(proc.stdin, stdin)
	}

	t.mu.Lock()
	t.procs[proc.id] = proc
	t.mu.Unlock()

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.done = true
		proc.runErr = err
		if cmd.ProcessState != nil {
			proc.exit = cmd.ProcessState.ExitCode()
		}
		proc.mu.Unlock()
	}()
	return proc, nil
}

func (t *BashTool) getProc(id string) (*backgroundProc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[id]
	return p, ok
}

func (t *BashTool) listProcs() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.procs[id].info())
	}
	return out
}

func (t *BashTool) removeProc(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[id]; !ok {
		return false
	}
	delete(t.procs, id)
	return true
}

func truncateOutput(s string) string {
	if len(s) <= maxExecOutput {
		return s
	}
	return s[:maxExecOutput] + "\n... (output truncated)"
}

func formatExecOutput(stdout, stderr string, exit int) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
	}
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
	}
	if exit != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "exit code: %d", exit)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

// ProcessTool inspects and manages background bash processes.
type ProcessTool struct {
	bash *BashTool
}

// NewProcessTool creates the process tool backed by the given bash tool.
func NewProcessTool(bash *BashTool) *ProcessTool {
	return &ProcessTool{bash: bash}
}

func (t *ProcessTool) Name() string  { return "process" }
func (t *ProcessTool) Label() string { return "Processes" }

func (t *ProcessTool) Description() string {
	return "Manage background shell processes (list, status, log, kill, remove)."
}

func (t *ProcessTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["list", "status", "log", "kill", "remove"]},
			"process_id": {"type": "string"}
		},
		"required": ["action"]
	}`)
}

func (t *ProcessTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	_ = ctx
	var input struct {
		Action    string `json:"action"`
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	if input.Action == "list" {
		payload, _ := json.Marshal(map[string]any{"processes": t.bash.listProcs()})
		return TextResult(string(payload)), nil
	}

	id := strings.TrimSpace(input.ProcessID)
	if id == "" {
		return ErrorResult("process_id is required"), nil
	}
	proc, ok := t.bash.getProc(id)
	if !ok {
		return ErrorResult("process not found"), nil
	}

	switch input.Action {
	case "status":
		payload, _ := json.Marshal(proc.info())
		return TextResult(string(payload)), nil
	case "log":
		proc.mu.Lock()
		stdout := truncateOutput(proc.stdout.String())
		stderr := truncateOutput(proc.stderr.String())
		proc.mu.Unlock()
		payload, _ := json.Marshal(map[string]any{
			"stdout": stdout,
			"stderr": stderr,
			"status": proc.status(),
		})
		return TextResult(string(payload)), nil
	case "kill":
		if proc.cmd.Process == nil || proc.status() != "running" {
			return ErrorResult("process not running"), nil
		}
		if err := proc.cmd.Process.Kill(); err != nil {
			return ErrorResult(fmt.Sprintf("kill process: %v", err)), nil
		}
		return TextResult(`{"status":"killed"}`), nil
	case "remove":
		if proc.status() == "running" {
			return ErrorResult("process still running"), nil
		}
		if !t.bash.removeProc(id) {
			return ErrorResult("remove failed"), nil
		}
		return TextResult(`{"status":"removed"}`), nil
	default:
		return ErrorResult("unsupported action"), nil
	}
}
