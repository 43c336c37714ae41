//go:build test

package cache

const (
	// DefaultPages is the default number of pages in cache.
	DefaultPages = 2
)
