package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joescharf/forge/internal/llm"
)

// ActionKind is one entry of the closed vocabulary a step may execute.
type ActionKind string

const (
	ActionInstall   ActionKind = "install"
	ActionRunScript ActionKind = "run-script"
	ActionWriteFile ActionKind = "write-file"
)

// ErrActionRejected marks guidance that falls outside the allowed vocabulary.
var ErrActionRejected = errors.New("action rejected")

// Action is a validated unit of step work.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Args    []string   `json:"args,omitempty"`
	Path    string     `json:"path,omitempty"`
	Content string     `json:"content,omitempty"`
}

func (a Action) String() string {
	if a.Kind == ActionWriteFile {
		return "write " + a.Path
	}
	return strings.Join(a.Args, " ")
}

// TestRelated reports whether a failure of a should be treated as soft.
func (a Action) TestRelated() bool {
	if a.Kind != ActionRunScript {
		return false
	}
	for _, arg := range a.Args {
		arg = strings.ToLower(arg)
		for _, marker := range []string{"test", "pytest", "jest", "vitest", "mocha", "spec", "e2e", "coverage"} {
			if strings.Contains(arg, marker) {
				return true
			}
		}
	}
	return false
}

// Rejection is a guidance line that was not turned into an Action.
type Rejection struct {
	Line   string
	Reason string
}

// Policy is the allow-list guidance is validated against.
type Policy struct {
	// Programs limits the enabled programs. Empty enables every known program.
	Programs []string
}

// DefaultPrograms lists every program the vocabulary knows how to classify.
func DefaultPrograms() []string {
	return []string{"npm", "pnpm", "yarn", "go", "pip", "pip3", "python", "python3", "pytest", "make", "cargo"}
}

func (p Policy) enabled(program string) bool {
	if len(p.Programs) == 0 {
		return slices.Contains(DefaultPrograms(), program)
	}
	return slices.Contains(p.Programs, program)
}

const shellMeta = ";&|<>`$\\(){}*?!~"

var shellLangs = map[string]bool{
	"": true, "bash": true, "sh": true, "shell": true, "console": true, "zsh": true, "terminal": true,
}

// ParseActions extracts actions from free-text guidance. Shell blocks yield
// install and run-script actions; blocks tagged "file <path>" yield write-file
// actions. Anything else is returned as a rejection.
func (p Policy) ParseActions(guidance string) ([]Action, []Rejection) {
	var actions []Action
	var rejected []Rejection
	for _, block := range llm.FencedBlocks(guidance) {
		if path, ok := fileTarget(block.Info); ok {
			if err := checkRelPath(path); err != nil {
				rejected = append(rejected, Rejection{Line: "file " + path, Reason: err.Error()})
				continue
			}
			content := block.Body
			if content != "" && !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			actions = append(actions, Action{Kind: ActionWriteFile, Path: filepath.Clean(path), Content: content})
			continue
		}
		if !shellLangs[block.Lang] {
			continue
		}
		for _, line := range strings.Split(block.Body, "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "$ "))
			if skipLine(line) {
				continue
			}
			action, err := p.ParseCommand(line)
			if err != nil {
				rejected = append(rejected, Rejection{Line: line, Reason: err.Error()})
				continue
			}
			actions = append(actions, action)
		}
	}
	return actions, rejected
}

func fileTarget(info string) (string, bool) {
	lower := strings.ToLower(info)
	for _, prefix := range []string{"file:", "file ", "write-file ", "write-file:"} {
		if strings.HasPrefix(lower, prefix) {
			path := strings.TrimSpace(info[len(prefix):])
			return path, path != ""
		}
	}
	return "", false
}

// skipLine drops comments and pure display lines.
func skipLine(line string) bool {
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return true
	}
	first := strings.Fields(line)[0]
	return first == "echo" || first == "printf" || first == "cat"
}

// ParseCommand validates a single command line and classifies it.
func (p Policy) ParseCommand(line string) (Action, error) {
	if strings.ContainsAny(line, shellMeta) {
		return Action{}, fmt.Errorf("%w: shell metacharacters in %q", ErrActionRejected, line)
	}
	args := splitCommand(line)
	if len(args) == 0 {
		return Action{}, fmt.Errorf("%w: empty command", ErrActionRejected)
	}
	program := args[0]
	if !p.enabled(program) {
		return Action{}, fmt.Errorf("%w: program %q is not allowed", ErrActionRejected, program)
	}
	kind, ok := classify(args)
	if !ok {
		return Action{}, fmt.Errorf("%w: %q is not an install or script command", ErrActionRejected, line)
	}
	return Action{Kind: kind, Args: args}, nil
}

func classify(args []string) (ActionKind, bool) {
	sub := ""
	if len(args) > 1 {
		sub = args[1]
	}
	switch args[0] {
	case "npm":
		switch sub {
		case "install", "i", "ci", "add":
			return ActionInstall, true
		case "run", "test", "t":
			return ActionRunScript, true
		}
	case "pnpm", "yarn":
		switch sub {
		case "install", "i", "add":
			return ActionInstall, true
		case "run", "test":
			return ActionRunScript, true
		case "":
			if args[0] == "yarn" {
				return ActionInstall, true
			}
		}
	case "go":
		switch sub {
		case "get", "install":
			return ActionInstall, true
		case "mod":
			if len(args) > 2 && (args[2] == "tidy" || args[2] == "download") {
				return ActionInstall, true
			}
		case "test", "build", "vet", "generate", "fmt":
			return ActionRunScript, true
		}
	case "pip", "pip3":
		if sub == "install" {
			return ActionInstall, true
		}
	case "python", "python3":
		if sub == "-m" && len(args) > 2 {
			switch args[2] {
			case "pytest":
				return ActionRunScript, true
			case "pip":
				if len(args) > 3 && args[3] == "install" {
					return ActionInstall, true
				}
			}
		}
	case "pytest", "make":
		return ActionRunScript, true
	case "cargo":
		switch sub {
		case "add", "fetch":
			return ActionInstall, true
		case "build", "test", "check", "clippy", "fmt":
			return ActionRunScript, true
		}
	}
	return "", false
}

func checkRelPath(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: absolute path %q", ErrActionRejected, path)
	}
	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: path %q leaves the workspace", ErrActionRejected, path)
	}
	first := strings.Split(filepath.ToSlash(clean), "/")[0]
	if first == ".git" {
		return fmt.Errorf("%w: path %q is inside .git", ErrActionRejected, path)
	}
	return nil
}

// resolveInside joins rel onto root and confirms the result, after symlink
// resolution of its parent, still lives under root.
func resolveInside(root, rel string) (string, error) {
	if err := checkRelPath(rel); err != nil {
		return "", err
	}
	target := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", rel, err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	realParent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	inside, err := filepath.Rel(realRoot, realParent)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q leaves the workspace", ErrActionRejected, rel)
	}
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: path %q is a symlink", ErrActionRejected, rel)
	}
	return target, nil
}

// splitCommand tokenises on spaces, keeping single- and double-quoted tokens.
func splitCommand(cmd string) []string {
	var tokens []string
	var current strings.Builder
	inSingle := false
	inDouble := false

	for _, r := range cmd {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case (r == ' ' || r == '\t') && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
