// Package regexcache provides a thread-safe cache for compiled regular
// expressions. Signature sets are matched against every request, so each
// pattern must compile exactly once for the process lifetime.
package regexcache

import (
	"regexp"
	"sync"
)

// cache holds compiled expressions keyed by the effective pattern source.
// sync.Map fits the access profile: written once per pattern, read on every
// request.
var cache sync.Map

// Get returns a compiled regexp for the pattern. When caseSensitive is false
// the pattern is compiled with the (?i) flag. Cached compilations are shared
// across callers.
func Get(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}
	if cached, ok := cache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(key)
	if err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(key, re)
	return actual.(*regexp.Regexp), nil
}

// MustGet is Get but panics on an invalid pattern. Use for built-in
// signature sets that are validated by tests.
func MustGet(pattern string, caseSensitive bool) *regexp.Regexp {
	re, err := Get(pattern, caseSensitive)
	if err != nil {
		panic(err)
	}
	return re
}

// Precompile warms the cache with the given case-insensitive patterns at
// startup. Returns one error per pattern that failed to compile.
func Precompile(patterns ...string) []error {
	var errs []error
	for _, p := range patterns {
		if _, err := Get(p, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
