package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/types"
)

func item(id string, payload map[string]any) types.WorkItem {
	return types.WorkItem{ID: types.ItemID(id), Payload: payload}
}

func TestPipelineOrder(t *testing.T) {
	items := []types.WorkItem{
		item("a", map[string]any{"group": "x", "rank": 3}),
		item("b", map[string]any{"group": "y", "rank": 1}),
		item("c", map[string]any{"group": "x", "rank": 2}),
		item("d", map[string]any{"group": "z", "rank": 1}),
	}

	p := Pipeline{
		Filter:     func(it types.WorkItem) bool { return it.Payload["group"] != "z" },
		SortBy:     "rank",
		DistinctBy: "group",
		Offset:     0,
		MaxItems:   2,
	}

	// filter drops d; sort by rank -> b(1), c(2), a(3);
	// distinct by group -> b(y), c(x); limit 2 keeps both.
	out := p.Apply(items)
	require.Len(t, out, 2)
	assert.Equal(t, types.ItemID("b"), out[0].ID)
	assert.Equal(t, types.ItemID("c"), out[1].ID)
}

func TestPipelineOffsetAndLimit(t *testing.T) {
	items := []types.WorkItem{
		item("a", nil), item("b", nil), item("c", nil), item("d", nil),
	}

	out := Pipeline{Offset: 1, MaxItems: 2}.Apply(items)
	require.Len(t, out, 2)
	assert.Equal(t, types.ItemID("b"), out[0].ID)
	assert.Equal(t, types.ItemID("c"), out[1].ID)

	assert.Empty(t, Pipeline{Offset: 10}.Apply(items))
}

func TestFileSourceJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.json")
	content := `[
		{"id": "one", "cmd": "echo 1"},
		{"cmd": "echo 2"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	src := &FileSource{Path: path}
	items, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, types.ItemID("one"), items[0].ID)
	assert.Equal(t, "echo 1", items[0].Payload["cmd"])
	// Entries without an id get a positional one.
	assert.Equal(t, types.ItemID("item-1"), items[1].ID)
}

func TestFileSourceYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.yaml")
	content := "- id: alpha\n  cmd: build\n- id: beta\n  cmd: test\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	src := &FileSource{Path: path}
	items, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, types.ItemID("alpha"), items[0].ID)
	assert.Equal(t, "test", items[1].Payload["cmd"])
}

func TestFileSourceMissingFile(t *testing.T) {
	src := &FileSource{Path: "/nonexistent/items.json"}
	_, err := src.Load(context.Background())
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	items, err := Static{item("a", nil)}.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
