// Copyright 2025 East Asian Observatory
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backoff

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

func TestBackoff(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Backoff Suite")
}

var _ = Describe("Pacer", func() {
	newPacer := func(initial, max time.Duration) *Pacer {
		return NewPacer(Config{ID: "RTS.STATE", InitialInterval: initial, MaxInterval: max}, zap.NewNop().Sugar())
	}

	It("never stops handing out delays", func() {
		p := newPacer(time.Millisecond, 10*time.Millisecond)
		for i := 0; i < 100; i++ {
			Expect(p.NextDelay()).To(BeNumerically(">", 0))
		}
	})

	It("caps the delay at the configured maximum", func() {
		p := newPacer(time.Millisecond, 8*time.Millisecond)
		var last time.Duration
		for i := 0; i < 50; i++ {
			last = p.NextDelay()
		}
		// Randomization factor allows up to 1.5x the capped interval.
		Expect(last).To(BeNumerically("<=", 12*time.Millisecond))
	})

	It("drops back to the initial interval after a reset", func() {
		p := newPacer(time.Millisecond, 100*time.Millisecond)
		for i := 0; i < 20; i++ {
			p.NextDelay()
		}
		p.Reset()
		Expect(p.NextDelay()).To(BeNumerically("<", 2*time.Millisecond))
	})
})
