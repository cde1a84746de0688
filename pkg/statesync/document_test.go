package statesync

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/pkg/bus"
)

func TestApplyServerBumpsVersionByOne(t *testing.T) {
	doc := NewDocument()

	delta, err := doc.ApplyServer([]bus.DeltaOp{
		{Path: "/plan/status", Op: OpAdd, Value: "running"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), delta.Version)
	assert.Equal(t, int64(0), delta.BaseVersion)

	value, version := doc.Snapshot()
	assert.Equal(t, int64(1), version)
	plan := value["plan"].(map[string]any)
	assert.Equal(t, "running", plan["status"])
}

func TestVersionsHaveNoGapsProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50

	properties := gopter.NewProperties(params)
	properties.Property("n applied deltas produce versions 1..n",
		prop.ForAll(func(n int) bool {
			doc := NewDocument()
			for i := 0; i < n; i++ {
				delta, err := doc.ApplyServer([]bus.DeltaOp{
					{Path: "/counter", Op: OpReplace, Value: i},
				})
				if err != nil || delta.Version != int64(i+1) || delta.BaseVersion != int64(i) {
					return false
				}
			}
			return doc.Version() == int64(n)
		}, gen.IntRange(0, 100)))
	properties.TestingRun(t)
}

func TestApplyOps(t *testing.T) {
	doc := NewDocument()
	_, err := doc.ApplyServer([]bus.DeltaOp{
		{Path: "/a/b", Op: OpAdd, Value: 1},
		{Path: "/a/c", Op: OpAdd, Value: 2},
	})
	require.NoError(t, err)

	t.Run("replace", func(t *testing.T) {
		_, err := doc.ApplyServer([]bus.DeltaOp{{Path: "/a/b", Op: OpReplace, Value: 10}})
		require.NoError(t, err)
		v, _ := doc.Snapshot()
		assert.Equal(t, 10, v["a"].(map[string]any)["b"])
	})

	t.Run("move", func(t *testing.T) {
		_, err := doc.ApplyServer([]bus.DeltaOp{{Path: "/moved", Op: OpMove, From: "/a/c"}})
		require.NoError(t, err)
		v, _ := doc.Snapshot()
		assert.Equal(t, 2, v["moved"])
		_, ok := v["a"].(map[string]any)["c"]
		assert.False(t, ok)
	})

	t.Run("remove", func(t *testing.T) {
		_, err := doc.ApplyServer([]bus.DeltaOp{{Path: "/moved", Op: OpRemove}})
		require.NoError(t, err)
		v, _ := doc.Snapshot()
		_, ok := v["moved"]
		assert.False(t, ok)
	})

	t.Run("unknown op rejected", func(t *testing.T) {
		_, err := doc.ApplyServer([]bus.DeltaOp{{Path: "/x", Op: "merge"}})
		assert.Error(t, err)
	})
}

func TestApplyClientFreshBaseApplies(t *testing.T) {
	doc := NewDocument()
	res, err := doc.ApplyClient(0, []ClientDiff{
		{Path: "/draft", Op: OpAdd, Value: "hello"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, int64(1), res.Version)
}

func TestApplyClientStaleBaseLastWriteWins(t *testing.T) {
	doc := NewDocument()
	_, err := doc.ApplyServer([]bus.DeltaOp{{Path: "/title", Op: OpAdd, Value: "server"}})
	require.NoError(t, err)

	// Client believed version 0 and an old value; server value differs.
	res, err := doc.ApplyClient(0, []ClientDiff{
		{Path: "/title", Op: OpReplace, Value: "client", OldValue: "original"},
		{Path: "/subtitle", Op: OpAdd, Value: "new", OldValue: nil},
	})
	require.NoError(t, err)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "/title", res.Conflicts[0].Path)
	assert.Equal(t, "server", res.Conflicts[0].ServerValue)

	// The non-conflicting diff applied and bumped the version once.
	require.Len(t, res.Applied, 1)
	assert.Equal(t, int64(2), res.Version)
	v, _ := doc.Snapshot()
	assert.Equal(t, "server", v["title"])
	assert.Equal(t, "new", v["subtitle"])
}

func TestApplyClientNoApplicableDiffsKeepsVersion(t *testing.T) {
	doc := NewDocument()
	_, err := doc.ApplyServer([]bus.DeltaOp{{Path: "/x", Op: OpAdd, Value: 1}})
	require.NoError(t, err)

	res, err := doc.ApplyClient(0, []ClientDiff{
		{Path: "/x", Op: OpReplace, Value: 99, OldValue: 42},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Len(t, res.Conflicts, 1)
	assert.Equal(t, int64(1), res.Version)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	doc := NewDocument()
	_, err := doc.ApplyServer([]bus.DeltaOp{{Path: "/a/b", Op: OpAdd, Value: 1}})
	require.NoError(t, err)

	v, _ := doc.Snapshot()
	v["a"].(map[string]any)["b"] = 999

	v2, _ := doc.Snapshot()
	assert.Equal(t, 1, v2["a"].(map[string]any)["b"])
}
