package notebook

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Source yields the documents of a project.
type Source interface {
	Documents(ctx context.Context) ([]Document, error)
}

// IgnoreFile is the default ignore list name looked up in the source root.
const IgnoreFile = ".cellserveignore"

// DirSource walks Root for .ipynb files. Checkpoint directories and
// *sandbox.ipynb files are always skipped.
type DirSource struct {
	Root   string
	Ignore Ignore
}

func (s DirSource) Documents(ctx context.Context) ([]Document, error) {
	root := s.Root
	if root == "" {
		root = "."
	}
	var docs []Document
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && (d.Name() == ".ipynb_checkpoints" || s.Ignore.Match(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".ipynb") || strings.HasSuffix(d.Name(), "sandbox.ipynb") {
			return nil
		}
		if s.Ignore.Match(rel) {
			return nil
		}
		doc, err := ReadFile(p, rel)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Static is a fixed set of documents.
type Static []Document

func (s Static) Documents(context.Context) ([]Document, error) {
	return append([]Document(nil), s...), nil
}

// Ignore is a gitignore-like pattern list: '#' comments, '!' negations,
// shell globs matched against the slash separated relative path and its
// base name.
type Ignore struct {
	patterns []string
	negated  []string
}

// ParseIgnore reads one pattern per line.
func ParseIgnore(r io.Reader) (Ignore, error) {
	var ig Ignore
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		ig.Add(sc.Text())
	}
	return ig, sc.Err()
}

// ReadIgnoreFile loads path; a missing file is an empty list.
func ReadIgnoreFile(p string) (Ignore, error) {
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Ignore{}, nil
	}
	if err != nil {
		return Ignore{}, err
	}
	defer f.Close()
	return ParseIgnore(f)
}

func (ig *Ignore) Add(pattern string) {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "", strings.HasPrefix(pattern, "#"):
	case strings.HasPrefix(pattern, "!"):
		ig.negated = append(ig.negated, strings.TrimRight(pattern[1:], "/"))
	default:
		ig.patterns = append(ig.patterns, strings.TrimRight(pattern, "/"))
	}
}

func (ig Ignore) Match(rel string) bool {
	rel = strings.TrimRight(rel, "/")
	base := path.Base(rel)
	matches := func(p string) bool {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		ok, _ := path.Match(p, base)
		return ok
	}
	for _, p := range ig.negated {
		if matches(p) {
			return false
		}
	}
	for _, p := range ig.patterns {
		if matches(p) {
			return true
		}
	}
	return false
}
