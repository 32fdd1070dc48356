package keypath_test

import (
	"strings"
	"testing"

	"github.com/eteran/strata/internal/keypath"

	"github.com/stretchr/testify/require"
)

func TestDecomposeLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key    string
		tokens []string
		level  int
	}{
		{key: "a.txt", tokens: []string{"a.txt"}, level: 0},
		{key: "a/b.txt", tokens: []string{"a", "b.txt"}, level: 1},
		{key: "a/b/c.jpg", tokens: []string{"a", "b", "c.jpg"}, level: 2},
		{key: "public/avatars/2024/01/me.png", tokens: []string{"public", "avatars", "2024", "01", "me.png"}, level: 4},
	}

	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			t.Parallel()

			p := keypath.Decompose(tc.key)
			require.Equal(t, tc.tokens, p.Tokens, "tokens")
			require.Equal(t, tc.level, p.Level, "level")
			require.Equal(t, tc.level, keypath.LevelOf(tc.key), "LevelOf")
		})
	}
}

func TestDecomposeLevelMatchesSegmentCount(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"x", "x/y", "x/y/z", "a//b", "/lead", "trail/", strings.Repeat("d/", 40) + "f"} {
		p := keypath.Decompose(key)
		require.Equalf(t, len(strings.Split(key, "/")), p.Level+1, "level+1 for %q", key)
	}
}

func TestDecomposeIsDeterministic(t *testing.T) {
	t.Parallel()

	a := keypath.Decompose("posts/2024/hero.jpg")
	b := keypath.Decompose("posts/2024/hero.jpg")
	require.Equal(t, a, b)

	// Mutating the returned tokens must not leak into later calls.
	a.Tokens[0] = "changed"
	require.Equal(t, "posts", keypath.Decompose("posts/2024/hero.jpg").Tokens[0])
}

func TestAncestors(t *testing.T) {
	t.Parallel()

	require.Nil(t, keypath.Ancestors("a.txt"), "top-level key has no ancestors")

	require.Equal(t, []keypath.Ancestor{
		{Name: "a", Level: 0},
		{Name: "a/b", Level: 1},
	}, keypath.Ancestors("a/b/c.txt"))

	for _, anc := range keypath.Ancestors("one/two/three/four") {
		require.Equal(t, anc.Level, keypath.LevelOf(anc.Name), "ancestor level is derived the same way")
	}
}

func TestParentAndBase(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", keypath.Parent("a.txt"))
	require.Equal(t, "a/b", keypath.Parent("a/b/c.txt"))
	require.Equal(t, "a.txt", keypath.Base("a.txt"))
	require.Equal(t, "c.txt", keypath.Base("a/b/c.txt"))
}

func TestDescendantRange(t *testing.T) {
	t.Parallel()

	lo, hi := keypath.DescendantRange("a/b")
	inside := []string{"a/b/c", "a/b/c/d", "a/b/"}
	outside := []string{"a/b", "a/b.txt", "a/b0", "a/bc", "a/c"}

	for _, k := range inside {
		require.Truef(t, k >= lo && k < hi, "%q should be inside range", k)
	}
	for _, k := range outside {
		require.Falsef(t, k >= lo && k < hi, "%q should be outside range", k)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ab", keypath.PrefixUpperBound("aa"))
	require.Equal(t, "b", keypath.PrefixUpperBound("a\xff"))
	require.Equal(t, "", keypath.PrefixUpperBound(""))
	require.Equal(t, "", keypath.PrefixUpperBound("\xff\xff"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := []string{"a", "a.txt", "a/b/c.jpg", "with space/ok", "ünïcode/ok"}
	for _, key := range valid {
		require.NoErrorf(t, keypath.Validate(key), "key %q", key)
	}

	invalid := []string{
		"",
		"/leading",
		"trailing/",
		"double//slash",
		"dot/./segment",
		"dot/../segment",
		"ctrl\x01char",
		strings.Repeat("a", keypath.MaxKeyLength+1),
	}
	for _, key := range invalid {
		require.ErrorIsf(t, keypath.Validate(key), keypath.ErrInvalidKey, "key %q", key)
	}
}
