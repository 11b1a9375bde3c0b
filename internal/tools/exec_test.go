package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestFirstProgramToken(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"plain", "ls -la", "ls"},
		{"pipe", "cat file | grep x", "cat"},
		{"and chain", "echo hi && rm -rf /", "echo"},
		{"or chain", "true || reboot", "true"},
		{"semicolon", "date; shutdown now", "date"},
		{"path stripped", "/usr/bin/git status", "git"},
		{"exe suffix", "Git.EXE status", "git"},
		{"leading spaces", "   pwd", "pwd"},
		{"empty", "   ", ""},
		{"earliest separator wins", "ls; cat x | wc", "ls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FirstProgramToken(tt.command); got != tt.want {
				t.Errorf("FirstProgramToken(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestCommandAllowed(t *testing.T) {
	tests := []struct {
		name    string
		mode    SecurityMode
		command string
		wantErr bool
	}{
		{"full allows anything", SecurityFull, "rm -rf /tmp/x", false},
		{"empty mode is full", "", "rm -rf /tmp/x", false},
		{"deny rejects everything", SecurityDeny, "ls", true},
		{"allowlist accepts safe binary", SecurityAllowlist, "ls -la", false},
		{"allowlist accepts pathed safe binary", SecurityAllowlist, "/bin/cat f", false},
		{"allowlist rejects unknown binary", SecurityAllowlist, "rm -rf /", true},
		{"allowlist checks first segment only", SecurityAllowlist, "ls && rm -rf /", false},
		{"allowlist rejects empty", SecurityAllowlist, "  ", true},
		{"unknown mode rejected", SecurityMode("weird"), "ls", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := commandAllowed(tt.mode, tt.command)
			if (err != nil) != tt.wantErr {
				t.Errorf("commandAllowed(%q, %q) err = %v, wantErr %v", tt.mode, tt.command, err, tt.wantErr)
			}
		})
	}
}

func execBash(t *testing.T, tool *BashTool, params string) *Result {
	t.Helper()
	res, err := tool.Execute(context.Background(), &Invocation{Params: json.RawMessage(params)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestBashToolRunsCommand(t *testing.T) {
	tool := NewBashTool(ExecConfig{Workspace: t.TempDir()})

	res := execBash(t, tool, `{"command":"echo hello"}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Text())
	}
	if !strings.Contains(res.Text(), "hello") {
		t.Errorf("output = %q", res.Text())
	}
}

func TestBashToolReportsExitCode(t *testing.T) {
	tool := NewBashTool(ExecConfig{Workspace: t.TempDir()})

	res := execBash(t, tool, `{"command":"exit 3"}`)
	if !res.IsError {
		t.Error("nonzero exit should be an error result")
	}
	if res.Details["exit_code"] != 3 {
		t.Errorf("exit_code = %v", res.Details["exit_code"])
	}
}

func TestBashToolStdin(t *testing.T) {
	tool := NewBashTool(ExecConfig{Workspace: t.TempDir()})

	res := execBash(t, tool, `{"command":"cat","input":"from stdin"}`)
	if !strings.Contains(res.Text(), "from stdin") {
		t.Errorf("output = %q", res.Text())
	}
}

func TestBashToolDenyMode(t *testing.T) {
	tool := NewBashTool(ExecConfig{Workspace: t.TempDir(), Mode: SecurityDeny})

	res := execBash(t, tool, `{"command":"echo hi"}`)
	if !res.IsError {
		t.Error("deny mode should refuse the command")
	}
}

func TestBashToolAllowlistMode(t *testing.T) {
	tool := NewBashTool(ExecConfig{Workspace: t.TempDir(), Mode: SecurityAllowlist})

	if res := execBash(t, tool, `{"command":"echo ok"}`); res.IsError {
		t.Errorf("allowlisted command refused: %s", res.Text())
	}
	if res := execBash(t, tool, `{"command":"nonexistent-binary-xyz"}`); !res.IsError {
		t.Error("unlisted command should be refused")
	}
}

func TestBashToolTimeout(t *testing.T) {
	tool := NewBashTool(ExecConfig{Workspace: t.TempDir()})

	res := execBash(t, tool, `{"command":"sleep 5","timeout_seconds":1}`)
	if !res.IsError || !strings.Contains(res.Text(), "timed out") {
		t.Errorf("result = %+v", res)
	}
}

func TestBashToolBackgroundAndProcessTool(t *testing.T) {
	bash := NewBashTool(ExecConfig{Workspace: t.TempDir()})
	proc := NewProcessTool(bash)

	res := execBash(t, bash, `{"command":"echo bg-done","background":true}`)
	var started struct {
		ProcessID string `json:"process_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal([]byte(res.Text()), &started); err != nil {
		t.Fatalf("decode start result: %v", err)
	}
	if started.Status != "running" || started.ProcessID == "" {
		t.Fatalf("start result = %+v", started)
	}

	// Wait for the command to finish.
	deadline := time.Now().Add(2 * time.Second)
	for {
		p, ok := bash.getProc(started.ProcessID)
		if !ok {
			t.Fatal("process vanished")
		}
		if p.status() != "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background command did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	logRes, err := proc.Execute(context.Background(), &Invocation{
		Params: json.RawMessage(`{"action":"log","process_id":"` + started.ProcessID + `"}`),
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(logRes.Text(), "bg-done") {
		t.Errorf("log output = %q", logRes.Text())
	}

	listRes, _ := proc.Execute(context.Background(), &Invocation{Params: json.RawMessage(`{"action":"list"}`)})
	if !strings.Contains(listRes.Text(), started.ProcessID) {
		t.Errorf("list output = %q", listRes.Text())
	}

	rmRes, _ := proc.Execute(context.Background(), &Invocation{
		Params: json.RawMessage(`{"action":"remove","process_id":"` + started.ProcessID + `"}`),
	})
	if rmRes.IsError {
		t.Errorf("remove failed: %s", rmRes.Text())
	}
	if _, ok := bash.getProc(started.ProcessID); ok {
		t.Error("process still tracked after remove")
	}
}
