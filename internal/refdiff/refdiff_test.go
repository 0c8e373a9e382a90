package refdiff

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/fush/internal/gitproto"
)

var (
	oidA = plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	oidB = plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	oidC = plumbing.NewHash("cccccccccccccccccccccccccccccccccccccccc")
	oidD = plumbing.NewHash("dddddddddddddddddddddddddddddddddddddddd")
)

func TestDiff_NewRefAgainstEmptyTarget(t *testing.T) {
	source := Refs{"refs/heads/main": oidA}

	plan, err := Diff(source, Refs{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []plumbing.Hash{oidA}, plan.Wants)
	assert.Empty(t, plan.Haves)
	require.Len(t, plan.Commands, 1)
	assert.Equal(t, gitproto.RefUpdateCommand{
		Old:  plumbing.ZeroHash,
		New:  oidA,
		Name: "refs/heads/main",
	}, plan.Commands[0])
}

func TestDiff_NoOpFastPath(t *testing.T) {
	source := Refs{"refs/heads/main": oidA, "refs/tags/v1": oidB}
	target := Refs{"refs/heads/main": oidA, "refs/tags/v1": oidB}

	plan, err := Diff(source, target, Options{})
	require.NoError(t, err)

	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Wants)
	assert.Equal(t, []string{"refs/heads/main", "refs/tags/v1"}, plan.Unchanged)
	assert.Equal(t, []plumbing.Hash{oidA, oidB}, plan.Haves)
}

func TestDiff_MixedRefs(t *testing.T) {
	source := Refs{
		"refs/heads/main":    oidB, // moved
		"refs/heads/feature": oidC, // new
		"refs/heads/stable":  oidA, // unchanged
		"refs/tags/v2":       oidC, // new, shares oid with feature
	}
	target := Refs{
		"refs/heads/main":   oidA,
		"refs/heads/stable": oidA,
		"refs/heads/old":    oidD,
	}

	plan, err := Diff(source, target, Options{})
	require.NoError(t, err)

	assert.Equal(t, []gitproto.RefUpdateCommand{
		{Old: plumbing.ZeroHash, New: oidC, Name: "refs/heads/feature"},
		{Old: oidA, New: oidB, Name: "refs/heads/main"},
		{Old: plumbing.ZeroHash, New: oidC, Name: "refs/tags/v2"},
	}, plan.Commands)
	assert.Equal(t, []plumbing.Hash{oidB, oidC}, plan.Wants, "wants are deduplicated")
	assert.Equal(t, []plumbing.Hash{oidA, oidD}, plan.Haves)
	assert.Equal(t, []string{"refs/heads/stable"}, plan.Unchanged)
	assert.Zero(t, plan.Deletes())
}

func TestDiff_EachRefExactlyOnce(t *testing.T) {
	source := Refs{}
	target := Refs{}
	names := []string{"refs/heads/a", "refs/heads/b", "refs/heads/c", "refs/tags/t"}
	for i, n := range names {
		source[n] = []plumbing.Hash{oidA, oidB, oidC, oidD}[i]
		if i%2 == 0 || n == "refs/tags/t" {
			target[n] = oidD
		}
	}

	plan, err := Diff(source, target, Options{})
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, c := range plan.Commands {
		seen[c.Name]++
		assert.Equal(t, source[c.Name], c.New)
		if old, ok := target[c.Name]; ok {
			assert.Equal(t, old, c.Old)
		} else {
			assert.True(t, c.Old.IsZero())
		}
	}
	for n, count := range seen {
		assert.Equal(t, 1, count, "ref %s", n)
	}
	// refs/tags/t already points at oidD on both sides.
	assert.Equal(t, []string{"refs/tags/t"}, plan.Unchanged)
	assert.Len(t, plan.Commands, 3)
}

func TestDiff_Patterns(t *testing.T) {
	source := Refs{
		"HEAD":                  oidA,
		"refs/heads/main":       oidA,
		"refs/pull/1/head":      oidB,
		"refs/tags/v1^{}":       oidC,
		"refs/heads/team/x/y":   oidD,
		"refs/heads/release-1":  oidB,
		"refs/heads/release-2x": oidC,
	}

	plan, err := Diff(source, Refs{}, Options{Patterns: []string{"refs/heads/main", "refs/heads/team/**", "refs/heads/release-?"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"refs/heads/main", "refs/heads/release-1", "refs/heads/team/x/y"}, plan.RefNames())
}

func TestDiff_Prune(t *testing.T) {
	source := Refs{"refs/heads/main": oidA}
	target := Refs{"refs/heads/main": oidA, "refs/heads/gone": oidB, "refs/pull/1/head": oidC}

	plan, err := Diff(source, target, Options{Prune: true})
	require.NoError(t, err)

	assert.Equal(t, []gitproto.RefUpdateCommand{
		{Old: oidB, New: plumbing.ZeroHash, Name: "refs/heads/gone"},
	}, plan.Commands)
	assert.Empty(t, plan.Wants)
	assert.Equal(t, 1, plan.Deletes())

	plan, err = Diff(source, target, Options{})
	require.NoError(t, err)
	assert.True(t, plan.Empty(), "without prune extra target refs are left alone")
}

func TestNewMatcher_Invalid(t *testing.T) {
	_, err := NewMatcher([]string{"heads/*"})
	assert.Error(t, err)

	_, err = NewMatcher([]string{"refs/heads/["})
	assert.Error(t, err)
}
