package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentloom/loom/pkg/models"
)

// --- glob ---

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Doublestar glob pattern e.g. **/*.go"`
	Root    string `json:"root,omitempty" jsonschema:"description=Directory to search from (default current directory)"`
}

// Glob matches files under a root against a doublestar pattern.
type Glob struct {
	check PathChecker
}

func NewGlob(check PathChecker) *Glob {
	if check == nil {
		check = noCheck
	}
	return &Glob{check: check}
}

func (t *Glob) Name() string            { return "glob" }
func (t *Glob) Description() string     { return "Find files matching a glob pattern." }
func (t *Glob) Schema() json.RawMessage { return SchemaFor(&globArgs{}) }

func (t *Glob) Execute(_ context.Context, args map[string]any) (string, error) {
	var p globArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	root := p.Root
	if root == "" {
		root = "."
	}
	if err := t.check(root); err != nil {
		return "", models.WrapError(models.ErrKindSandboxRejected, err, "globbing under %s", root)
	}

	matches, err := doublestar.Glob(os.DirFS(root), p.Pattern)
	if err != nil {
		return "", models.WrapError(models.ErrKindInvalidToolArgs, err, "bad glob pattern %q", p.Pattern)
	}
	sort.Strings(matches)
	for i, m := range matches {
		matches[i] = filepath.Join(root, m)
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

// --- grep ---

type grepArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path    string `json:"path" jsonschema:"required,description=File or directory to search"`
	Glob    string `json:"glob,omitempty" jsonschema:"description=Restrict directory search to files matching this glob"`
}

// Grep searches file contents with a regular expression.
type Grep struct {
	check PathChecker
}

func NewGrep(check PathChecker) *Grep {
	if check == nil {
		check = noCheck
	}
	return &Grep{check: check}
}

func (t *Grep) Name() string            { return "grep" }
func (t *Grep) Description() string     { return "Search file contents with a regular expression." }
func (t *Grep) Schema() json.RawMessage { return SchemaFor(&grepArgs{}) }

func (t *Grep) Execute(ctx context.Context, args map[string]any) (string, error) {
	var p grepArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if err := t.check(p.Path); err != nil {
		return "", models.WrapError(models.ErrKindSandboxRejected, err, "searching %s", p.Path)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return "", models.WrapError(models.ErrKindInvalidToolArgs, err, "bad pattern %q", p.Pattern)
	}

	info, err := os.Stat(p.Path)
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "stat %s", p.Path)
	}

	var out strings.Builder
	if !info.IsDir() {
		if err := grepFile(p.Path, re, &out); err != nil {
			return "", err
		}
	} else {
		err := filepath.WalkDir(p.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.Glob != "" {
				if matched, _ := doublestar.Match(p.Glob, d.Name()); !matched {
					return nil
				}
			}
			return grepFile(path, re, &out)
		})
		if err != nil {
			return "", models.WrapError(models.ErrKindToolFailed, err, "walking %s", p.Path)
		}
	}
	if out.Len() == 0 {
		return "no matches", nil
	}
	return out.String(), nil
}

func grepFile(path string, re *regexp.Regexp, out *strings.Builder) error {
	f, err := os.Open(path)
	if err != nil {
		return models.WrapError(models.ErrKindToolFailed, err, "opening %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if re.MatchString(scanner.Text()) {
			fmt.Fprintf(out, "%s:%d:%s\n", path, line, scanner.Text())
		}
	}
	// Binary or oversized lines: skip the file silently.
	return nil
}
