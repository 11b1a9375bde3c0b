// Package workspace seeds and reads the agent's working directory:
// bootstrap markdown files, the skills tree, and the inbound media dir.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootstrapOnboardingFile is written only when the workspace is brand
// new, so a returning user is never re-onboarded.
const BootstrapOnboardingFile = "BOOTSTRAP.md"

// File is one workspace file to seed.
type File struct {
	Name    string
	Content string
}

// Result reports what Bootstrap touched.
type Result struct {
	Created []string
	Skipped []string
}

// DefaultFiles returns the standard bootstrap set. BOOTSTRAP.md is not
// part of it; see Bootstrap.
func DefaultFiles() []File {
	return []File{
		{
			Name: "AGENTS.md",
			Content: "# AGENTS.md - Workspace Instructions\n\n" +
				"This directory is the assistant's working area.\n\n" +
				"## Safety\n" +
				"- Never exfiltrate secrets or private data.\n" +
				"- Avoid destructive actions unless explicitly requested.\n\n" +
				"## Workflow\n" +
				"- Keep chat replies short; put longer output in files.\n" +
				"- Ask before acting when requirements are unclear.\n",
		},
		{
			Name: "SOUL.md",
			Content: "# SOUL.md - Persona & Boundaries\n\n" +
				"- Tone: concise, direct, friendly.\n" +
				"- Reply NO_REPLY when a message needs no answer.\n",
		},
		{
			Name: "TOOLS.md",
			Content: "# TOOLS.md - Tool Notes (editable)\n\n" +
				"Add notes about local tools, conventions, or shortcuts here.\n",
		},
		{
			Name: "IDENTITY.md",
			Content: "# IDENTITY.md - Agent Identity\n\n" +
				"- Name:\n" +
				"- Vibe:\n" +
				"- Emoji:\n",
		},
		{
			Name: "USER.md",
			Content: "# USER.md - User Profile\n\n" +
				"- Name:\n" +
				"- Preferred address:\n" +
				"- Timezone (optional):\n" +
				"- Notes:\n",
		},
		{
			Name: "HEARTBEAT.md",
			Content: "# HEARTBEAT.md\n\n" +
				"- Only report items that are new or changed.\n" +
				"- If nothing needs attention, reply HEARTBEAT_OK.\n",
		},
	}
}

const onboardingContent = "# BOOTSTRAP.md - First Run\n\n" +
	"This workspace was just created. Walk the user through:\n" +
	"1. Filling in USER.md and IDENTITY.md.\n" +
	"2. Reviewing AGENTS.md safety rules.\n" +
	"3. Deleting this file once onboarding is done.\n"

// Bootstrap ensures the workspace directory tree exists and seeds any
// missing bootstrap files. BOOTSTRAP.md is created only when none of
// the standard files existed beforehand.
func Bootstrap(root string) (Result, error) {
	var result Result
	root = strings.TrimSpace(root)
	if root == "" {
		return result, fmt.Errorf("workspace root is empty")
	}

	for _, dir := range []string{root, filepath.Join(root, "skills"), filepath.Join(root, "media", "inbound")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("create workspace dir: %w", err)
		}
	}

	files := DefaultFiles()
	brandNew := true
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(root, file.Name)); err == nil {
			brandNew = false
			break
		}
	}
	if brandNew {
		files = append(files, File{Name: BootstrapOnboardingFile, Content: onboardingContent})
	}

	for _, file := range files {
		path := filepath.Join(root, file.Name)
		if _, err := os.Stat(path); err == nil {
			result.Skipped = append(result.Skipped, path)
			continue
		} else if !os.IsNotExist(err) {
			return result, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", path, err)
		}
		result.Created = append(result.Created, path)
	}
	return result, nil
}

// maxContextBytes caps how much workspace text is folded into the
// system prompt.
const maxContextBytes = 64 * 1024

// LoadContext concatenates the bootstrap files that exist, in their
// canonical order, for inclusion in the agent's system prompt. Missing
// files are skipped silently.
func LoadContext(root string) string {
	var b strings.Builder
	names := []string{BootstrapOnboardingFile}
	for _, file := range DefaultFiles() {
		names = append(names, file.Name)
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if b.Len()+len(text) > maxContextBytes {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String()
}

// SkillsDir returns the workspace skills root.
func SkillsDir(root string) string {
	return filepath.Join(root, "skills")
}

// MediaInboundDir returns where downloaded channel media lands.
func MediaInboundDir(root string) string {
	return filepath.Join(root, "media", "inbound")
}
