package pysig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellserve/internal/cell"
)

func TestParse(t *testing.T) {
	body := `
import time

async def update_user(id: str, name: str = "a,b",
                      tags: list[str] = None, *args, **kwargs):
    return {"id": id}

def helper(x):
    pass
`
	sig, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "update_user", sig.Name)
	assert.True(t, sig.Async)

	var names []string
	for _, p := range sig.Params {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"id", "name", "tags", "args", "kwargs"}, names)
	assert.Equal(t, "str", sig.Params[0].Type)
	assert.Equal(t, "list[str]", sig.Params[2].Type)
	assert.True(t, sig.Has("tags"))
}

func TestParseNoParams(t *testing.T) {
	sig, err := Parse("def ping():\n    return 'pong'")
	require.NoError(t, err)
	assert.Equal(t, "ping", sig.Name)
	assert.False(t, sig.Async)
	assert.Empty(t, sig.Params)
}

func TestParseNoFunction(t *testing.T) {
	_, err := Parse("print('hi')\n    def nested(): pass")
	assert.True(t, errors.Is(err, cell.ErrNoFunction))

	_, err = Parse("def broken(a, b")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, cell.ErrNoFunction))
}

func TestIndex(t *testing.T) {
	x := NewIndex()
	loc := cell.Location{Document: "a.ipynb", Cell: 2}
	x.Add(loc, "def f(client_id, message):\n  pass")

	sig, err := x.Lookup(loc)
	require.NoError(t, err)
	assert.True(t, sig.Has("client_id"))

	_, err = x.Lookup(cell.Location{Document: "a.ipynb", Cell: 3})
	assert.ErrorIs(t, err, cell.ErrNoFunction)
}
