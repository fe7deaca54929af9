package notebook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
 "cells": [
  {"cell_type": "markdown", "source": ["# Title\n"]},
  {"cell_type": "code", "source": ["# @HTTP\n", "# GET /ping\n", "def ping():\n", "    return 1\n"]},
  {"cell_type": "code", "source": "x = 1"}
 ],
 "metadata": {}, "nbformat": 4, "nbformat_minor": 5
}`

func TestDecode(t *testing.T) {
	doc, err := Decode("api.ipynb", []byte(sample))
	require.NoError(t, err)
	require.Len(t, doc.Cells, 3)

	code := doc.CodeCells()
	require.Len(t, code, 2)
	assert.Equal(t, 1, code[0].Index)
	assert.True(t, strings.HasPrefix(code[0].Source, "# @HTTP\n# GET /ping\n"))
	assert.Equal(t, "x = 1", code[1].Source)

	_, err = Decode("bad.ipynb", []byte(`{"cells": [{"cell_type": "code", "source": 42}]}`))
	assert.Error(t, err)
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(sample), 0o644))
	}
	write("api.ipynb")
	write("users/users_routes.ipynb")
	write("users/sandbox.ipynb")
	write(".ipynb_checkpoints/api-checkpoint.ipynb")
	write("drafts/wip.ipynb")
	write("drafts/keep.ipynb")
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	ig, err := ParseIgnore(strings.NewReader("# drafts are private\ndrafts/\n!keep.ipynb\n"))
	require.NoError(t, err)

	docs, err := DirSource{Root: root, Ignore: ig}.Documents(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"api.ipynb", "users/users_routes.ipynb"}, ids)
}

func TestIgnore(t *testing.T) {
	var ig Ignore
	ig.Add("*.tmp.ipynb")
	ig.Add("build/")
	ig.Add("!important.tmp.ipynb")
	ig.Add("# comment")

	assert.True(t, ig.Match("a/b/c.tmp.ipynb"))
	assert.True(t, ig.Match("build"))
	assert.False(t, ig.Match("important.tmp.ipynb"))
	assert.False(t, ig.Match("main.ipynb"))
}

func TestReadIgnoreFileMissing(t *testing.T) {
	ig, err := ReadIgnoreFile(filepath.Join(t.TempDir(), IgnoreFile))
	require.NoError(t, err)
	assert.False(t, ig.Match("anything"))
}
