// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parzip

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// A Rule maps one partial local file header attribute to an algorithm key.
// Exactly one of Num or Str must be set, matching the attribute's type:
// numeric predicates compare the attribute against RHS, string predicates
// receive the attribute value directly.
type Rule struct {
	// Attr is the header attribute the rule inspects: "usize" or
	// "filename".
	Attr string

	Num func(attr, rhs uint64) bool
	RHS uint64

	Str func(attr string) bool

	// Algo is the algorithm key selected when the rule matches.
	Algo string
}

// Numeric predicates for Rule.Num.
var (
	OpLess      = func(a, b uint64) bool { return a < b }
	OpLessEq    = func(a, b uint64) bool { return a <= b }
	OpGreater   = func(a, b uint64) bool { return a > b }
	OpGreaterEq = func(a, b uint64) bool { return a >= b }
	OpEq        = func(a, b uint64) bool { return a == b }
)

// MatchRegexp returns a string predicate that full-matches pattern.
func MatchRegexp(pattern string) (func(string) bool, error) {
	r, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling %q: %w", errParzip, pattern, err)
	}
	return r.MatchString, nil
}

// MatchGlob returns a string predicate matching a doublestar glob, where `**`
// crosses directory separators.
func MatchGlob(pattern string) (func(string) bool, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: invalid glob %q", errParzip, pattern)
	}
	return func(s string) bool {
		return doublestar.MatchUnvalidated(pattern, s)
	}, nil
}

// Chooser selects a compression algorithm per entry from the partial local
// file header alone. File contents are never consulted: the pipeline is
// one-pass, and trial compression of a prefix misjudges inputs whose
// compressibility varies along their length.
type Chooser struct {
	rules       []Rule
	defaultAlgo string
}

// NewChooser builds a chooser from an ordered rule list and a default
// algorithm key. The first matching rule wins. Every referenced key is
// validated against the plugin registry up front.
func NewChooser(defaultAlgo string, rules []Rule) (*Chooser, error) {
	c := &Chooser{rules: rules, defaultAlgo: defaultAlgo}
	for _, r := range rules {
		switch r.Attr {
		case "usize", "filename":
		default:
			return nil, fmt.Errorf("%w: unknown rule attribute %q", errParzip, r.Attr)
		}
		if (r.Num == nil) == (r.Str == nil) {
			return nil, fmt.Errorf("%w: rule for %q needs exactly one predicate", errParzip, r.Attr)
		}
		if _, err := NewCompressor(r.Algo, 1); err != nil {
			return nil, err
		}
	}
	if _, err := NewCompressor(defaultAlgo, 1); err != nil {
		return nil, err
	}
	return c, nil
}

// choose returns the algorithm key for the entry.
func (c *Chooser) choose(lfh *LocalFileHeader) string {
	for _, r := range c.rules {
		var matched bool
		switch r.Attr {
		case "usize":
			if r.Num != nil {
				matched = r.Num(lfh.UncompressedSize64, r.RHS)
			}
		case "filename":
			if r.Str != nil {
				matched = r.Str(lfh.Name)
			}
		}
		if matched {
			return r.Algo
		}
	}
	return c.defaultAlgo
}

// DefaultChooser stores entries too small for DEFLATE to shrink and nested
// archives, and deflates everything else. The smallest DEFLATE stream for a
// single repeating character is at least 11 bytes regardless of length.
var DefaultChooser = mustChooser(NewChooser("deflate@compresslevel=-1", []Rule{
	{Attr: "usize", Num: OpLess, RHS: 12, Algo: "store"},
	{Attr: "filename", Str: mustMatch(MatchRegexp(`.*\.zip`)), Algo: "store"},
}))

func mustChooser(c *Chooser, err error) *Chooser {
	if err != nil {
		panic(err)
	}
	return c
}

func mustMatch(m func(string) bool, err error) func(string) bool {
	if err != nil {
		panic(err)
	}
	return m
}
