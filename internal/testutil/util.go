// Package testutil holds small helpers shared by package tests across
// LDM-Go, the way the teacher's internal/testutil backs its own
// randomized test helpers.
package testutil

import (
	"flag"
	"math/rand"
	"testing"
	"time"
)

var SeedFlag = flag.Int64("seed", 0, "Randomization seed")

// SeedPRNG returns a seeded *rand.Rand, logging the seed so a failing
// randomized test can be reproduced with `-seed`.
func SeedPRNG(t *testing.T) *rand.Rand {
	seed := *SeedFlag
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	t.Logf("reproduce test with `go test ... -seed %v`", seed)
	return rand.New(rand.NewSource(seed))
}
