package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
// Paths that escape the root are rejected.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// maxReadBytes bounds a single read_file result.
const maxReadBytes = 256 * 1024

// ReadFileTool reads files from the workspace.
type ReadFileTool struct {
	resolver Resolver
}

// NewReadFileTool creates the read_file tool scoped to the workspace.
func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{resolver: Resolver{Root: workspace}}
}

func (t *ReadFileTool) Name() string  { return "read_file" }
func (t *ReadFileTool) Label() string { return "Read file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace, optionally a line range."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"offset": {"type": "integer", "minimum": 1, "description": "First line to return (1-based)."},
			"limit": {"type": "integer", "minimum": 1, "description": "Maximum lines to return."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	_ = ctx
	var input struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	if input.Offset > 0 || input.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if input.Offset > 0 {
			start = input.Offset - 1
		}
		if start >= len(lines) {
			return ErrorResult(fmt.Sprintf("offset %d beyond end of file (%d lines)", input.Offset, len(lines))), nil
		}
		end := len(lines)
		if input.Limit > 0 && start+input.Limit < end {
			end = start + input.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n... (truncated)"
	}
	return TextResult(content), nil
}

// WriteFileTool writes files into the workspace.
type WriteFileTool struct {
	resolver Resolver
}

// NewWriteFileTool creates the write_file tool scoped to the workspace.
func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{resolver: Resolver{Root: workspace}}
}

func (t *WriteFileTool) Name() string  { return "write_file" }
func (t *WriteFileTool) Label() string { return "Write file" }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the workspace, creating parent directories."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"content": {"type": "string", "description": "Full file content."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	_ = ctx
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create directories: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write file: %v", err)), nil
	}
	payload, _ := json.Marshal(map[string]any{"path": input.Path, "bytes": len(input.Content)})
	return TextResult(string(payload)), nil
}

// EditFileTool applies find/replace edits to a file.
type EditFileTool struct {
	resolver Resolver
}

// NewEditFileTool creates the edit_file tool scoped to the workspace.
func NewEditFileTool(workspace string) *EditFileTool {
	return &EditFileTool{resolver: Resolver{Root: workspace}}
}

func (t *EditFileTool) Name() string  { return "edit_file" }
func (t *EditFileTool) Label() string { return "Edit file" }

func (t *EditFileTool) Description() string {
	return "Apply one or more find/replace edits to a file in the workspace."
}

func (t *EditFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"edits": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"old_text": {"type": "string"},
						"new_text": {"type": "string"},
						"replace_all": {"type": "boolean"}
					},
					"required": ["old_text", "new_text"]
				}
			}
		},
		"required": ["path", "edits"]
	}`)
}

func (t *EditFileTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	_ = ctx
	var input struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(input.Edits) == 0 {
		return ErrorResult("edits are required"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	for _, edit := range input.Edits {
		if edit.OldText == "" {
			return ErrorResult("old_text is required"), nil
		}
		if !strings.Contains(content, edit.OldText) {
			return ErrorResult(fmt.Sprintf("old_text not found in %s", input.Path)), nil
		}
		if edit.ReplaceAll {
			replacements += strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write file: %v", err)), nil
	}
	payload, _ := json.Marshal(map[string]any{"path": input.Path, "replacements": replacements})
	return TextResult(string(payload)), nil
}

// ApplyPatchTool applies a structured patch envelope:
//
//	*** Begin Patch
//	*** Add File: notes.txt
//	+hello
//	*** Update File: main.go
//	@@
//	-old line
//	+new line
//	*** Delete File: stale.txt
//	*** End Patch
type ApplyPatchTool struct {
	resolver Resolver
}

// NewApplyPatchTool creates the apply_patch tool scoped to the workspace.
func NewApplyPatchTool(workspace string) *ApplyPatchTool {
	return &ApplyPatchTool{resolver: Resolver{Root: workspace}}
}

func (t *ApplyPatchTool) Name() string  { return "apply_patch" }
func (t *ApplyPatchTool) Label() string { return "Apply patch" }

func (t *ApplyPatchTool) Description() string {
	return "Apply a multi-file patch envelope (add, update, delete) to the workspace."
}

func (t *ApplyPatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"patch": {"type": "string", "description": "Patch envelope text."}
		},
		"required": ["patch"]
	}`)
}

type patchOp struct {
	kind  string // add, update, delete
	path  string
	lines []string
}

func parsePatch(text string) ([]patchOp, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var ops []patchOp
	var current *patchOp
	inEnvelope := false

	flush := func() {
		if current != nil {
			ops = append(ops, *current)
			current = nil
		}
	}

	for _, line := range lines {
		switch {
		case strings.TrimSpace(line) == "*** Begin Patch":
			inEnvelope = true
		case strings.TrimSpace(line) == "*** End Patch":
			flush()
			inEnvelope = false
		case strings.HasPrefix(line, "*** Add File: "):
			flush()
			current = &patchOp{kind: "add", path: strings.TrimSpace(strings.TrimPrefix(line, "*** Add File: "))}
		case strings.HasPrefix(line, "*** Update File: "):
			flush()
			current = &patchOp{kind: "update", path: strings.TrimSpace(strings.TrimPrefix(line, "*** Update File: "))}
		case strings.HasPrefix(line, "*** Delete File: "):
			flush()
			ops = append(ops, patchOp{kind: "delete", path: strings.TrimSpace(strings.TrimPrefix(line, "*** Delete File: "))})
		default:
			if current != nil && inEnvelope {
				current.lines = append(current.lines, line)
			}
		}
	}
	flush()
	if !inEnvelope && len(ops) == 0 {
		return nil, fmt.Errorf("patch envelope is empty or malformed")
	}
	return ops, nil
}

// applyHunks applies @@-delimited hunks to content. Each hunk's old
// lines (context " " and removals "-") must match contiguously.
func applyHunks(content string, lines []string) (string, error) {
	type hunk struct{ old, new []string }
	var hunks []hunk
	var cur *hunk
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") {
			if cur != nil {
				hunks = append(hunks, *cur)
			}
			cur = &hunk{}
			continue
		}
		if cur == nil {
			cur = &hunk{}
		}
		switch {
		case strings.HasPrefix(line, "+"):
			cur.new = append(cur.new, line[1:])
		case strings.HasPrefix(line, "-"):
			cur.old = append(cur.old, line[1:])
		case strings.HasPrefix(line, " "):
			cur.old = append(cur.old, line[1:])
			cur.new = append(cur.new, line[1:])
		case line == "":
			cur.old = append(cur.old, "")
			cur.new = append(cur.new, "")
		default:
			cur.old = append(cur.old, line)
			cur.new = append(cur.new, line)
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}

	for _, h := range hunks {
		if len(h.old) == 0 {
			content = content + strings.Join(h.new, "\n")
			continue
		}
		oldBlock := strings.Join(h.old, "\n")
		newBlock := strings.Join(h.new, "\n")
		if !strings.Contains(content, oldBlock) {
			preview := h.old[0]
			if len(preview) > 60 {
				preview = preview[:60]
			}
			return "", fmt.Errorf("hunk context not found (starting %q)", preview)
		}
		content = strings.Replace(content, oldBlock, newBlock, 1)
	}
	return content, nil
}

func (t *ApplyPatchTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	_ = ctx
	var input struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal(inv.Params, &input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	ops, err := parsePatch(input.Patch)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if len(ops) == 0 {
		return ErrorResult("patch contains no operations"), nil
	}

	var applied []string
	for _, op := range ops {
		resolved, err := t.resolver.Resolve(op.path)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		switch op.kind {
		case "add":
			var body []string
			for _, line := range op.lines {
				body = append(body, strings.TrimPrefix(line, "+"))
			}
			// Trim the trailing blank that a final newline in the
			// envelope produces.
			for len(body) > 0 && body[len(body)-1] == "" {
				body = body[:len(body)-1]
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return ErrorResult(fmt.Sprintf("create directories: %v", err)), nil
			}
			if err := os.WriteFile(resolved, []byte(strings.Join(body, "\n")+"\n"), 0o644); err != nil {
				return ErrorResult(fmt.Sprintf("write %s: %v", op.path, err)), nil
			}
		case "update":
			data, err := os.ReadFile(resolved)
			if err != nil {
				return ErrorResult(fmt.Sprintf("read %s: %v", op.path, err)), nil
			}
			updated, err := applyHunks(string(data), op.lines)
			if err != nil {
				return ErrorResult(fmt.Sprintf("patch %s: %v", op.path, err)), nil
			}
			if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
				return ErrorResult(fmt.Sprintf("write %s: %v", op.path, err)), nil
			}
		case "delete":
			if err := os.Remove(resolved); err != nil {
				return ErrorResult(fmt.Sprintf("delete %s: %v", op.path, err)), nil
			}
		}
		applied = append(applied, op.kind+" "+op.path)
	}

	payload, _ := json.Marshal(map[string]any{"applied": applied})
	return TextResult(string(payload)), nil
}
