// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package secmalloc

import (
	"math"
	"time"

	"github.com/cznic/mathutil"
)

// canarySource draws machine-word canaries from a PRNG seeded once per
// process (§4.10). Zero is a reserved sentinel meaning "draw failed" and is
// rejected and redrawn — a zero canary would be indistinguishable from an
// untouched trailer and would silently defeat the overflow check.
type canarySource struct {
	rng *mathutil.FC32
}

// newCanarySource seeds a full-cycle 32-bit generator from the wall clock.
// The spec explicitly does not require cryptographically unpredictable
// canaries (§1 Non-goals); a PRNG reseeded per process is sufficient, and
// mathutil.FC32 is the generator the teacher package itself depends on and
// exercises in its own tests.
func newCanarySource() (*canarySource, error) {
	rng, err := mathutil.NewFC32(1, math.MaxInt32, true)
	if err != nil {
		return nil, err
	}
	rng.Seed(time.Now().UnixNano())
	return &canarySource{rng: rng}, nil
}

// draw returns a fresh non-zero canary word, folding two draws together to
// spread entropy across a 64-bit word on 64-bit platforms.
func (c *canarySource) draw() uintptr {
	for {
		lo := uintptr(c.rng.Next())
		hi := uintptr(c.rng.Next())
		v := lo ^ (hi << 31)
		if v != 0 {
			return v
		}
	}
}
