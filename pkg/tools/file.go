package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentloom/loom/pkg/models"
)

// PathChecker validates a filesystem path before a file builtin touches it.
// The sandbox hook already gates the declared argument; the checker covers
// paths the tools derive internally.
type PathChecker func(path string) error

func noCheck(string) error { return nil }

// --- read_file ---

type readFileArgs struct {
	Path   string `json:"path" jsonschema:"required,description=Absolute path of the file to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=Line to start reading from (0-based)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

// ReadFile returns file contents, optionally a line window.
type ReadFile struct {
	check PathChecker
}

func NewReadFile(check PathChecker) *ReadFile {
	if check == nil {
		check = noCheck
	}
	return &ReadFile{check: check}
}

func (t *ReadFile) Name() string            { return "read_file" }
func (t *ReadFile) Description() string     { return "Read a file from the filesystem, optionally a line range." }
func (t *ReadFile) Schema() json.RawMessage { return SchemaFor(&readFileArgs{}) }

func (t *ReadFile) Execute(_ context.Context, args map[string]any) (string, error) {
	var p readFileArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if err := t.check(p.Path); err != nil {
		return "", models.WrapError(models.ErrKindSandboxRejected, err, "reading %s", p.Path)
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "reading %s", p.Path)
	}
	if p.Offset == 0 && p.Limit == 0 {
		return string(data), nil
	}
	lines := strings.Split(string(data), "\n")
	if p.Offset >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return strings.Join(lines[p.Offset:end], "\n"), nil
}

// --- write_file ---

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Absolute path of the file to write"`
	Content string `json:"content" jsonschema:"required,description=Full content to write"`
}

// WriteFile creates or overwrites a file, creating parent directories.
type WriteFile struct {
	check PathChecker
}

func NewWriteFile(check PathChecker) *WriteFile {
	if check == nil {
		check = noCheck
	}
	return &WriteFile{check: check}
}

func (t *WriteFile) Name() string            { return "write_file" }
func (t *WriteFile) Description() string     { return "Write content to a file, creating it if needed." }
func (t *WriteFile) Schema() json.RawMessage { return SchemaFor(&writeFileArgs{}) }

func (t *WriteFile) Execute(_ context.Context, args map[string]any) (string, error) {
	var p writeFileArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if err := t.check(p.Path); err != nil {
		return "", models.WrapError(models.ErrKindSandboxRejected, err, "writing %s", p.Path)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "creating parent of %s", p.Path)
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "writing %s", p.Path)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path), nil
}

// --- edit_file ---

type editFileArgs struct {
	Path       string `json:"path" jsonschema:"required,description=Absolute path of the file to edit"`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to replace"`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring uniqueness"`
}

// EditFile performs an exact-string replacement.
type EditFile struct {
	check PathChecker
}

func NewEditFile(check PathChecker) *EditFile {
	if check == nil {
		check = noCheck
	}
	return &EditFile{check: check}
}

func (t *EditFile) Name() string            { return "edit_file" }
func (t *EditFile) Description() string     { return "Replace an exact string in a file." }
func (t *EditFile) Schema() json.RawMessage { return SchemaFor(&editFileArgs{}) }

func (t *EditFile) Execute(_ context.Context, args map[string]any) (string, error) {
	var p editFileArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if err := t.check(p.Path); err != nil {
		return "", models.WrapError(models.ErrKindSandboxRejected, err, "editing %s", p.Path)
	}
	return applyEdit(p.Path, p.OldString, p.NewString, p.ReplaceAll)
}

func applyEdit(path, oldStr, newStr string, replaceAll bool) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "reading %s", path)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return "", models.NewError(models.ErrKindToolFailed, "old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return "", models.NewError(models.ErrKindToolFailed,
			"old_string occurs %d times in %s; pass replace_all or disambiguate", count, path)
	}

	replaced := count
	if replaceAll {
		content = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		content = strings.Replace(content, oldStr, newStr, 1)
		replaced = 1
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "writing %s", path)
	}
	return fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, path), nil
}

// --- multi_edit ---

type editOp struct {
	OldString  string `json:"old_string" jsonschema:"required"`
	NewString  string `json:"new_string" jsonschema:"required"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

type multiEditArgs struct {
	Path  string   `json:"path" jsonschema:"required,description=Absolute path of the file to edit"`
	Edits []editOp `json:"edits" jsonschema:"required,description=Edits applied in order"`
}

// MultiEdit applies a sequence of exact-string replacements atomically:
// either every edit applies or the file is untouched.
type MultiEdit struct {
	check PathChecker
}

func NewMultiEdit(check PathChecker) *MultiEdit {
	if check == nil {
		check = noCheck
	}
	return &MultiEdit{check: check}
}

func (t *MultiEdit) Name() string            { return "multi_edit" }
func (t *MultiEdit) Description() string     { return "Apply multiple exact-string replacements to one file." }
func (t *MultiEdit) Schema() json.RawMessage { return SchemaFor(&multiEditArgs{}) }

func (t *MultiEdit) Execute(_ context.Context, args map[string]any) (string, error) {
	var p multiEditArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if err := t.check(p.Path); err != nil {
		return "", models.WrapError(models.ErrKindSandboxRejected, err, "editing %s", p.Path)
	}
	if len(p.Edits) == 0 {
		return "", models.NewError(models.ErrKindInvalidToolArgs, "edits must not be empty")
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "reading %s", p.Path)
	}
	content := string(data)

	total := 0
	for i, e := range p.Edits {
		count := strings.Count(content, e.OldString)
		if count == 0 {
			return "", models.NewError(models.ErrKindToolFailed,
				"edit %d: old_string not found in %s", i, p.Path)
		}
		if count > 1 && !e.ReplaceAll {
			return "", models.NewError(models.ErrKindToolFailed,
				"edit %d: old_string occurs %d times in %s", i, count, p.Path)
		}
		if e.ReplaceAll {
			content = strings.ReplaceAll(content, e.OldString, e.NewString)
			total += count
		} else {
			content = strings.Replace(content, e.OldString, e.NewString, 1)
			total++
		}
	}
	if err := os.WriteFile(p.Path, []byte(content), 0o644); err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "writing %s", p.Path)
	}
	return fmt.Sprintf("applied %d edit(s) (%d replacement(s)) to %s", len(p.Edits), total, p.Path), nil
}

// decodeArgs maps the raw argument map onto a typed parameter struct.
func decodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return models.WrapError(models.ErrKindInvalidToolArgs, err, "encoding arguments")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.WrapError(models.ErrKindInvalidToolArgs, err, "decoding arguments")
	}
	return nil
}
