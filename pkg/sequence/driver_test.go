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

package sequence

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eaobservatory/rtsclient/pkg/constants"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

func TestSequence(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sequence Suite")
}

var _ = Describe("Driver", func() {
	var (
		params      *transport.MockClient
		established int
		reachedEnd  int
	)

	BeforeEach(func() {
		params = transport.NewMockClient()
		established = 0
		reachedEnd = 0
	})

	newDriver := func(cfg Config) *Driver {
		cfg.Params = params
		cfg.OnEstablished = func() error { established++; return nil }
		cfg.OnReachEnd = func() error { reachedEnd++; return nil }
		d, err := NewDriver(cfg)
		Expect(err).NotTo(HaveOccurred())
		return d
	}

	frames := func(numbers ...int64) []Frame {
		out := make([]Frame, 0, len(numbers))
		for _, n := range numbers {
			out = append(out, Frame{Number: n, Fields: map[string]any{"AIRMASS": 1.2}})
		}
		return out
	}

	change := func(fs []Frame) transport.Message {
		return transport.Message{
			Kind:    transport.KindNotify,
			Status:  transport.SubChanged,
			Payload: map[string]any{constants.ParamState: fs},
		}
	}

	It("publishes the initial spool counters", func() {
		newDriver(Config{Start: 1, End: 10, SpoolTotal: 4})
		Expect(params.Params[constants.ParamStsplBuffcount]).To(Equal(int64(0)))
		Expect(params.Params[constants.ParamStsplIndex]).To(Equal(int64(1)))
		Expect(params.Params[constants.ParamStsplPublish]).To(Equal(int64(4)))
	})

	It("clamps the first publish boundary to the end frame", func() {
		newDriver(Config{Start: 1, End: 2, SpoolTotal: 10})
		Expect(params.Params[constants.ParamStsplPublish]).To(Equal(int64(2)))
	})

	It("consumes the first notification without advancing the counter", func() {
		d := newDriver(Config{Start: 1, End: 10, SpoolTotal: 4})
		Expect(d.Established()).To(BeFalse())

		Expect(d.HandleChange(change(frames(99)))).To(Succeed())
		Expect(d.Established()).To(BeTrue())
		Expect(established).To(Equal(1))
		Expect(d.Counter()).To(Equal(int64(0)))
	})

	It("batches frames at the publish cadence", func() {
		d := newDriver(Config{Start: 1, End: 10, SpoolTotal: 4})
		Expect(d.HandleChange(change(nil))).To(Succeed()) // establish

		Expect(d.HandleChange(change(frames(1, 2, 3)))).To(Succeed())
		Expect(params.SetCallsFor(constants.ParamState)).To(BeEmpty())

		Expect(d.HandleChange(change(frames(4, 5, 6, 7, 8)))).To(Succeed())
		Expect(d.HandleChange(change(frames(9, 10)))).To(Succeed())

		published := params.SetCallsFor(constants.ParamState)
		Expect(published).To(HaveLen(3))
		Expect(published[0].Value).To(HaveLen(4))
		Expect(published[1].Value).To(HaveLen(4))
		Expect(published[2].Value).To(HaveLen(2))

		boundaries := params.SetCallsFor(constants.ParamStsplPublish)
		// Initial boundary plus one per flush, clamped to the end.
		Expect(boundaries[len(boundaries)-1].Value).To(Equal(int64(10)))
		Expect(params.Params[constants.ParamStsplBuffcount]).To(Equal(int64(3)))

		Expect(reachedEnd).To(Equal(1))
		Expect(d.Done()).To(BeTrue())
	})

	It("offsets the first boundary by the spool start", func() {
		d := newDriver(Config{Start: 1, End: 10, SpoolTotal: 4, SpoolStart: 2})
		Expect(params.Params[constants.ParamStsplPublish]).To(Equal(int64(6)))

		Expect(d.HandleChange(change(nil))).To(Succeed())
		Expect(d.HandleChange(change(frames(1, 2, 3, 4, 5, 6, 7)))).To(Succeed())

		published := params.SetCallsFor(constants.ParamState)
		Expect(published).To(HaveLen(1))
		Expect(published[0].Value).To(HaveLen(6))
	})

	It("aborts on a frame continuity break", func() {
		d := newDriver(Config{Start: 1, End: 10, SpoolTotal: 4})
		Expect(d.HandleChange(change(nil))).To(Succeed())
		Expect(d.HandleChange(change(frames(1, 2, 3, 4, 5)))).To(Succeed())

		err := d.HandleChange(change(frames(7)))
		Expect(err).To(HaveOccurred())
		var contErr *rtserrors.ContinuityError
		Expect(errors.As(err, &contErr)).To(BeTrue())
		Expect(contErr.Expected).To(Equal(int64(6)))
		Expect(contErr.Got).To(Equal(int64(7)))
	})

	It("applies the frame and batch transforms", func() {
		cfg := Config{Start: 1, End: 2, SpoolTotal: 2}
		cfg.FrameFn = func(f Frame) *Frame {
			f.Fields["TAGGED"] = true
			return &f
		}
		cfg.BatchFn = func(batch []Frame) []Frame {
			return append(batch, Frame{Number: -1})
		}
		d := newDriver(cfg)

		Expect(d.HandleChange(change(nil))).To(Succeed())
		Expect(d.HandleChange(change(frames(1, 2)))).To(Succeed())

		published := params.SetCallsFor(constants.ParamState)
		Expect(published).To(HaveLen(1))
		batch, ok := published[0].Value.([]Frame)
		Expect(ok).To(BeTrue())
		Expect(batch).To(HaveLen(3))
		Expect(batch[0].Fields).To(HaveKeyWithValue("TAGGED", true))
	})

	It("rejects a malformed STATE payload", func() {
		d := newDriver(Config{Start: 1, End: 10, SpoolTotal: 4})
		Expect(d.HandleChange(change(nil))).To(Succeed())

		err := d.HandleChange(transport.Message{
			Kind:    transport.KindNotify,
			Status:  transport.SubChanged,
			Payload: map[string]any{constants.ParamState: "not frames"},
		})
		Expect(err).To(HaveOccurred())
	})
})
