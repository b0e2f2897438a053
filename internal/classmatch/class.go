// Package classmatch implements the Class matching predicate from
// spec.md §4.3: a time range plus one or more (feedtype-mask,
// identity-regex) specs, OR'd together.
package classmatch

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"
)

// FeedtypeSpec pairs a feedtype bitmask with a compiled identity regex.
type FeedtypeSpec struct {
	Feedtype uint32
	Pattern  string
	re       *regexp.Regexp
}

// Class is a matching predicate over (time, feedtype, identity).
type Class struct {
	From  time.Time
	To    time.Time
	Specs []FeedtypeSpec
}

// AnyFeedtype matches every feedtype bit.
const AnyFeedtype uint32 = 0xFFFFFFFF

// maxPatternLen and the nested-quantifier heuristic implement the
// "pathological regex" policy spec.md §9 asks for: log a warning and
// continue with a vetted pattern, rather than defining a precise
// complexity bound (left to the regexp package itself, which does not
// backtrack catastrophically but can still be handed absurdly long
// patterns).
const maxPatternLen = 4096

var nestedQuantifier = regexp.MustCompile(`\([^)]*[+*][^)]*\)[+*]`)

// Compile builds a Class, compiling every spec's regex. A pattern judged
// pathological is replaced with a literal-match fallback and a warning is
// logged; Compile itself never fails for that reason.
func Compile(logger *logp.Logger, from, to time.Time, specs []FeedtypeSpec) (*Class, error) {
	if logger == nil {
		logger = logp.NewLogger("classmatch")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("classmatch: at least one feedtype spec is required")
	}
	out := make([]FeedtypeSpec, len(specs))
	for i, s := range specs {
		pattern := s.Pattern
		if len(pattern) > maxPatternLen || nestedQuantifier.MatchString(pattern) {
			logger.Warnf("rejecting pathological-looking regex %q, falling back to literal match", pattern)
			pattern = regexp.QuoteMeta(pattern)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("classmatch: bad regex %q: %w", s.Pattern, err)
		}
		out[i] = FeedtypeSpec{Feedtype: s.Feedtype, Pattern: s.Pattern, re: re}
	}
	return &Class{From: from, To: to, Specs: out}, nil
}

// MustLiteral builds a single-spec Class that matches identities against
// pattern for the given feedtype mask across all time, panicking if
// pattern does not compile; convenient for tests and for the
// "{ANY, \".*\"}" class used in spec.md S3.
func MustLiteral(feedtype uint32, pattern string) *Class {
	c, err := Compile(nil, time.Time{}, time.Unix(1<<62, 0), []FeedtypeSpec{{Feedtype: feedtype, Pattern: pattern}})
	if err != nil {
		panic(err)
	}
	return c
}

// Matches reports whether insertionTime/feedtype/identity satisfy the
// class: from <= insertionTime <= to, some spec's feedtype mask
// intersects feedtype, and that spec's regex matches identity.
func (c *Class) Matches(insertionTime time.Time, feedtype uint32, identity string) bool {
	if c == nil {
		return true
	}
	if !c.From.IsZero() && insertionTime.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && insertionTime.After(c.To) {
		return false
	}
	for _, s := range c.Specs {
		if s.Feedtype&feedtype == 0 {
			continue
		}
		if s.re.MatchString(identity) {
			return true
		}
	}
	return false
}

// SetFrom narrows the class's From bound in place, used by clss_setfrom
// (spec.md §4.3).
func (c *Class) SetFrom(t time.Time) {
	c.From = t
}

func (s FeedtypeSpec) String() string {
	return fmt.Sprintf("%#x/%s", s.Feedtype, s.Pattern)
}

func describeSpecs(specs []FeedtypeSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func (c *Class) String() string {
	return fmt.Sprintf("class{from=%s to=%s specs=[%s]}", c.From, c.To, describeSpecs(c.Specs))
}
