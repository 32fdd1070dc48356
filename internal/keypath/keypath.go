// Package keypath derives the virtual directory structure of an object key.
//
// Keys are split on "/" into path tokens. The level of a key is the number
// of tokens minus one, so a top-level key such as "a.txt" has level 0 and
// "a/b.txt" has level 1. Every function in this package is pure.
package keypath

import (
	"errors"
	"strings"
)

// Separator is the path segment delimiter used in object keys.
const Separator = "/"

// MaxKeyLength is the largest accepted key, in bytes.
const MaxKeyLength = 1024

var ErrInvalidKey = errors.New("invalid object key")

// Path is the decomposition of a key into its segments.
type Path struct {
	Tokens []string
	Level  int
}

// Ancestor is a strict ancestor prefix of a key together with its level.
type Ancestor struct {
	Name  string
	Level int
}

// Decompose splits key on "/" and reports its level.
func Decompose(key string) Path {
	tokens := strings.Split(key, Separator)
	return Path{Tokens: tokens, Level: len(tokens) - 1}
}

// LevelOf returns the level of key without allocating its tokens.
func LevelOf(key string) int {
	return strings.Count(key, Separator)
}

// Ancestors returns the strict ancestor prefixes of key, shallowest first.
// For "a/b/c.txt" that is "a" at level 0 followed by "a/b" at level 1.
func Ancestors(key string) []Ancestor {
	n := strings.Count(key, Separator)
	if n == 0 {
		return nil
	}

	out := make([]Ancestor, 0, n)
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			out = append(out, Ancestor{Name: key[:i], Level: len(out)})
		}
	}
	return out
}

// Parent returns the immediate parent prefix of key, or "" for a
// top-level key.
func Parent(key string) string {
	if i := strings.LastIndex(key, Separator); i >= 0 {
		return key[:i]
	}
	return ""
}

// Base returns the last segment of key.
func Base(key string) string {
	if i := strings.LastIndex(key, Separator); i >= 0 {
		return key[i+1:]
	}
	return key
}

// DescendantRange returns the half-open byte range [lo, hi) that contains
// exactly the keys lying strictly under prefix. Because '0' is the byte
// following '/', every key starting with prefix+"/" sorts inside it.
func DescendantRange(prefix string) (lo, hi string) {
	return prefix + Separator, prefix + "0"
}

// PrefixUpperBound returns the smallest string that sorts after every
// string starting with prefix, or "" when no such bound exists (prefix is
// empty or made only of 0xff bytes).
func PrefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// Validate checks that key can be stored as an object name: non-empty, at
// most MaxKeyLength bytes, free of control characters, and made of
// non-empty segments other than "." and "..".
func Validate(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}

	if strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	}) {
		return ErrInvalidKey
	}

	for _, token := range strings.Split(key, Separator) {
		if token == "" || token == "." || token == ".." {
			return ErrInvalidKey
		}
	}

	return nil
}
