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

package rtsclient

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eaobservatory/rtsclient/pkg/constants"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

func TestClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Client Suite")
}

type fakeRegistrar struct {
	actions map[string]transport.Handler
}

func (f *fakeRegistrar) RegisterAction(name string, h transport.Handler) error {
	if f.actions == nil {
		f.actions = make(map[string]transport.Handler)
	}
	f.actions[name] = h
	return nil
}

// stubConfiguration replaces the file-backed configuration loader in tests.
func stubConfiguration(name string) (map[string]any, uint64, error) {
	return map[string]any{"name": name}, 42, nil
}

var _ = Describe("Client", func() {
	var (
		mock   *transport.MockClient
		client *Client
	)

	newClient := func(callbacks Callbacks) *Client {
		return New(mock, callbacks, Options{LoadConfiguration: stubConfiguration})
	}

	deliver := func(h func(transport.Context, transport.Message) error, msg transport.Message) error {
		mock.ResetDelivery()
		return h(mock, msg)
	}

	start := func(payload map[string]any) transport.Message {
		return transport.Message{Kind: transport.KindStart, Payload: payload}
	}
	ack := func(tid transport.TransactionID, sub string) transport.Message {
		return transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubAck,
			Transaction: tid,
			Payload:     map[string]any{transport.PayloadKeySubscriptionID: sub},
		}
	}
	changed := func(tid transport.TransactionID, payload map[string]any) transport.Message {
		return transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubChanged,
			Transaction: tid,
			Payload:     payload,
		}
	}

	BeforeEach(func() {
		mock = transport.NewMockClient()
		client = newClient(Callbacks{})
	})

	Describe("Register", func() {
		It("publishes the idle progress parameters and registers the actions", func() {
			r := &fakeRegistrar{}
			Expect(client.Register(r)).To(Succeed())

			Expect(mock.Params[constants.ParamConfigureID]).To(Equal(constants.IdleID))
			Expect(mock.Params[constants.ParamSetupSeqID]).To(Equal(constants.IdleID))
			Expect(mock.Params[constants.ParamSequenceID]).To(Equal(constants.IdleID))
			Expect(mock.Params[constants.ParamInitialised]).To(Equal(int64(0)))
			Expect(mock.Params[constants.ParamInSequence]).To(Equal(int64(0)))

			Expect(r.actions).To(HaveLen(4))
			Expect(r.actions).To(HaveKey(ActionInitialise))
			Expect(r.actions).To(HaveKey(ActionConfigure))
			Expect(r.actions).To(HaveKey(ActionSetupSequence))
			Expect(r.actions).To(HaveKey(ActionSequence))
		})
	})

	Describe("INITIALISE", func() {
		It("resets the progress flags and publishes INITIALISED", func() {
			mock.Params[constants.ParamConfigured] = int64(1)

			Expect(deliver(client.Initialise, start(map[string]any{
				constants.ParamStsplTotal: int64(3),
			}))).To(Succeed())

			Expect(mock.Params[constants.ParamConfigured]).To(Equal(int64(0)))
			Expect(mock.Params[constants.ParamSimulate]).To(Equal(constants.DefaultSimulate))
			Expect(mock.Params[constants.ParamStsplTotal]).To(Equal(int64(3)))
			Expect(mock.Params[constants.ParamStsplStart]).To(Equal(int64(0)))
			Expect(mock.Params[constants.ParamInitialised]).To(Equal(int64(1)))
		})

		It("rejects a non-positive spool total", func() {
			err := deliver(client.Initialise, start(map[string]any{
				constants.ParamStsplTotal: int64(0),
			}))
			Expect(rtserrors.IsCode(err, rtserrors.CodeBadArgument)).To(BeTrue())
			Expect(mock.Params[constants.ParamInitialised]).To(BeNil())
		})

		It("defers INITIALISED while the callback wants another pass", func() {
			parked := true
			client = newClient(Callbacks{
				OnInitialise: func(tc transport.Context, msg transport.Message) error {
					if parked {
						parked = false
						tc.RequestReinvoke()
					}
					return nil
				},
			})

			Expect(deliver(client.Initialise, start(nil))).To(Succeed())
			Expect(mock.Params[constants.ParamInitialised]).To(Equal(int64(0)))

			Expect(deliver(client.Initialise, transport.Message{Kind: transport.KindRetryTick})).To(Succeed())
			Expect(mock.Params[constants.ParamInitialised]).To(Equal(int64(1)))
		})

		It("fails when cancelled mid-flight", func() {
			client = newClient(Callbacks{
				OnInitialise: func(tc transport.Context, msg transport.Message) error {
					if msg.Kind == transport.KindStart {
						tc.RequestReinvoke()
					}
					return nil
				},
			})
			Expect(deliver(client.Initialise, start(nil))).To(Succeed())

			err := deliver(client.Initialise, transport.Message{Kind: transport.KindCancelRequest})
			Expect(err).To(HaveOccurred())
			Expect(mock.Params[constants.ParamInitialised]).To(Equal(int64(0)))
		})
	})

	Describe("CONFIGURE", func() {
		BeforeEach(func() {
			mock.Params[constants.ParamInitialised] = int64(1)
		})

		It("rejects the command before INITIALISE", func() {
			mock.Params[constants.ParamInitialised] = int64(0)
			err := deliver(client.Configure, start(nil))
			Expect(rtserrors.IsCode(err, rtserrors.CodeNotInitialised)).To(BeTrue())
			Expect(mock.Params[constants.ParamConfigureID]).To(Equal(constants.FailureSentinel))
		})

		It("rejects the command while a sequence is active", func() {
			mock.Params[constants.ParamInSequence] = int64(1)
			err := deliver(client.Configure, start(nil))
			Expect(rtserrors.IsCode(err, rtserrors.CodeActionWhileSeqActive)).To(BeTrue())
		})

		It("completes immediately with an empty cohort", func() {
			Expect(deliver(client.Configure, start(map[string]any{
				"Argument2": int64(7),
			}))).To(Succeed())

			Expect(mock.Params[constants.ParamConfigured]).To(Equal(int64(1)))
			Expect(mock.Params[constants.ParamConfigureID]).To(Equal(int64(7)))
			Expect(mock.SubscribeCalls).To(BeEmpty())
		})

		It("publishes the loaded configuration document", func() {
			Expect(deliver(client.Configure, start(map[string]any{
				"Argument1": "night-setup",
			}))).To(Succeed())

			Expect(mock.Params[constants.ParamConfiguration]).To(HaveKeyWithValue("name", "night-setup"))
			Expect(mock.Params[constants.ParamConfigurationDigest]).To(Equal(uint64(42)))
		})

		Context("with a cohort", func() {
			BeforeEach(func() {
				client = newClient(Callbacks{
					OnConfigure: func(tc transport.Context, msg transport.Message, c Cohort, done map[string]struct{}) error {
						c.AddToWaitSet("FRONTEND")
						return nil
					},
				})
			})

			It("waits for every member to echo the configure id", func() {
				Expect(deliver(client.Configure, start(map[string]any{
					"Argument2": int64(7),
				}))).To(Succeed())
				Expect(mock.ReinvokeRequested()).To(BeTrue())
				Expect(mock.Params[constants.ParamConfigured]).To(Equal(int64(0)))

				tid := mock.LastSubscription()
				Expect(deliver(client.Configure, ack(tid, "sub-f"))).To(Succeed())
				Expect(mock.ReinvokeRequested()).To(BeTrue())

				Expect(deliver(client.Configure, changed(tid, map[string]any{
					constants.ParamConfigureID: int64(7),
				}))).To(Succeed())

				Expect(mock.ReinvokeRequested()).To(BeFalse())
				Expect(mock.Params[constants.ParamConfigured]).To(Equal(int64(1)))
				Expect(mock.Params[constants.ParamConfigureID]).To(Equal(int64(7)))
				Expect(mock.CancelCalls).To(HaveLen(1))
			})

			It("poisons CONFIGURE_ID when a member reports the failure sentinel", func() {
				Expect(deliver(client.Configure, start(map[string]any{
					"Argument2": int64(7),
				}))).To(Succeed())

				tid := mock.LastSubscription()
				Expect(deliver(client.Configure, ack(tid, "sub-f"))).To(Succeed())

				err := deliver(client.Configure, changed(tid, map[string]any{
					constants.ParamConfigureID: constants.FailureSentinel,
				}))
				Expect(err).To(HaveOccurred())
				Expect(mock.Params[constants.ParamConfigureID]).To(Equal(constants.FailureSentinel))
				Expect(mock.Params[constants.ParamConfigured]).To(Equal(int64(0)))
				Expect(mock.ReinvokeRequested()).To(BeFalse())
			})

			It("tears the cohort down when kicked", func() {
				Expect(deliver(client.Configure, start(nil))).To(Succeed())
				tid := mock.LastSubscription()
				Expect(deliver(client.Configure, ack(tid, "sub-f"))).To(Succeed())

				err := deliver(client.Configure, transport.Message{Kind: transport.KindCancelRequest})
				Expect(err).To(HaveOccurred())
				Expect(mock.Params[constants.ParamConfigureID]).To(Equal(constants.FailureSentinel))
				Expect(mock.CancelCalls).To(HaveLen(1))
			})
		})
	})

	Describe("SETUP_SEQUENCE", func() {
		BeforeEach(func() {
			mock.Params[constants.ParamInitialised] = int64(1)
			mock.Params[constants.ParamConfigured] = int64(1)
		})

		It("rejects the command before CONFIGURE", func() {
			mock.Params[constants.ParamConfigured] = int64(0)
			err := deliver(client.SetupSequence, start(nil))
			Expect(rtserrors.IsCode(err, rtserrors.CodeNotConfigured)).To(BeTrue())
			Expect(mock.Params[constants.ParamSetupSeqID]).To(Equal(constants.FailureSentinel))
		})

		It("absorbs the documented setup parameters", func() {
			Expect(deliver(client.SetupSequence, start(map[string]any{
				"Argument1": int64(4),
				"TASKS":     "frontend",
				"BEAM":      "A",
				"SMU_X":     2.5,
			}))).To(Succeed())

			Expect(mock.Params[constants.ParamTasks]).To(Equal("FRONTEND"))
			Expect(mock.Params["BEAM"]).To(Equal("A"))
			Expect(mock.Params["SMU_X"]).To(Equal(2.5))
			Expect(mock.Params[constants.ParamSetup]).To(Equal(int64(1)))
			Expect(mock.Params[constants.ParamSetupSeqID]).To(Equal(int64(4)))
		})

		It("rejects a setup parameter outside its documented range", func() {
			err := deliver(client.SetupSequence, start(map[string]any{
				"SMU_X": 99.0,
			}))
			Expect(rtserrors.IsCode(err, rtserrors.CodeBadArgument)).To(BeTrue())
			Expect(mock.Params[constants.ParamSetupSeqID]).To(Equal(constants.FailureSentinel))
		})

		It("rejects an unknown enum value", func() {
			err := deliver(client.SetupSequence, start(map[string]any{
				"BEAM": "Q",
			}))
			Expect(rtserrors.IsCode(err, rtserrors.CodeBadArgument)).To(BeTrue())
		})
	})

	Describe("SEQUENCE", func() {
		BeforeEach(func() {
			mock.Params[constants.ParamInitialised] = int64(1)
			mock.Params[constants.ParamConfigured] = int64(1)
			mock.Params[constants.ParamSetup] = int64(1)
			mock.Params[constants.ParamStsplTotal] = int64(4)
			mock.Params[constants.ParamStsplStart] = int64(0)
		})

		frames := func(numbers ...int64) []any {
			out := make([]any, 0, len(numbers))
			for _, n := range numbers {
				out = append(out, map[string]any{"NUMBER": n})
			}
			return out
		}

		startRun := func() transport.TransactionID {
			Expect(deliver(client.Sequence, start(map[string]any{
				"START": int64(1),
				"END":   int64(10),
			}))).To(Succeed())
			return mock.LastSubscription()
		}

		It("rejects the command before SETUP_SEQUENCE", func() {
			mock.Params[constants.ParamSetup] = int64(0)
			err := deliver(client.Sequence, start(nil))
			Expect(rtserrors.IsCode(err, rtserrors.CodeNotSetup)).To(BeTrue())
		})

		It("subscribes to the sequencer STATE parameter", func() {
			startRun()
			Expect(mock.SubscribeCalls).To(HaveLen(1))
			Expect(mock.SubscribeCalls[0].Task).To(Equal(constants.DefaultSequencerTask))
			Expect(mock.SubscribeCalls[0].Param).To(Equal(constants.ParamState))
			Expect(mock.ReinvokeRequested()).To(BeTrue())
			Expect(mock.Params[constants.ParamStsplPublish]).To(Equal(int64(4)))
		})

		It("enters the sequence on the first change notification", func() {
			tid := startRun()
			Expect(deliver(client.Sequence, ack(tid, "sub-s"))).To(Succeed())
			Expect(mock.Params[constants.ParamInSequence]).To(Equal(int64(0)))

			Expect(deliver(client.Sequence, changed(tid, map[string]any{
				constants.ParamState: frames(99),
			}))).To(Succeed())
			Expect(mock.Params[constants.ParamInSequence]).To(Equal(int64(1)))
			Expect(mock.Params[constants.ParamSequenceID]).To(Equal(int64(1)))
		})

		It("runs the spool to the end and settles on completion", func() {
			tid := startRun()
			Expect(deliver(client.Sequence, ack(tid, "sub-s"))).To(Succeed())
			Expect(deliver(client.Sequence, changed(tid, map[string]any{
				constants.ParamState: frames(),
			}))).To(Succeed())

			Expect(deliver(client.Sequence, changed(tid, map[string]any{
				constants.ParamState: frames(1, 2, 3, 4, 5, 6),
			}))).To(Succeed())
			Expect(deliver(client.Sequence, changed(tid, map[string]any{
				constants.ParamState: frames(7, 8, 9, 10),
			}))).To(Succeed())

			// Reaching the end cancels the upstream subscription.
			Expect(mock.CancelCalls).To(HaveLen(1))
			Expect(mock.CancelCalls[0].Sub).To(Equal(transport.SubscriptionID("sub-s")))
			published := mock.SetCallsFor(constants.ParamState)
			Expect(published).To(HaveLen(3))

			Expect(deliver(client.Sequence, transport.Message{
				Kind:        transport.KindComplete,
				Transaction: tid,
			})).To(Succeed())
			Expect(mock.Params[constants.ParamInSequence]).To(Equal(int64(0)))
			Expect(mock.Params[constants.ParamSequenceID]).To(Equal(constants.IdleID))
			Expect(mock.ReinvokeRequested()).To(BeFalse())
		})

		It("wakes peers before clearing SEQUENCE_ID on a continuity break", func() {
			tid := startRun()
			Expect(deliver(client.Sequence, ack(tid, "sub-s"))).To(Succeed())
			Expect(deliver(client.Sequence, changed(tid, map[string]any{
				constants.ParamState: frames(),
			}))).To(Succeed())

			err := deliver(client.Sequence, changed(tid, map[string]any{
				constants.ParamState: frames(2),
			}))
			Expect(err).To(HaveOccurred())

			ids := mock.SetCallsFor(constants.ParamSequenceID)
			// Establish value, then the wake-up value, then the idle marker.
			Expect(ids).To(HaveLen(3))
			Expect(ids[len(ids)-3].Value).To(Equal(int64(1)))
			Expect(ids[len(ids)-2].Value).To(Equal(int64(1)))
			Expect(ids[len(ids)-1].Value).To(Equal(constants.IdleID))
			Expect(mock.Params[constants.ParamInSequence]).To(Equal(int64(0)))
			Expect(mock.CancelCalls).To(HaveLen(1))
		})

		It("tears down the subscription when kicked", func() {
			tid := startRun()
			Expect(deliver(client.Sequence, ack(tid, "sub-s"))).To(Succeed())

			err := deliver(client.Sequence, transport.Message{Kind: transport.KindCancelRequest})
			Expect(err).To(HaveOccurred())
			Expect(mock.CancelCalls).To(HaveLen(1))
			Expect(mock.Params[constants.ParamSequenceID]).To(Equal(constants.IdleID))
			Expect(mock.ReinvokeRequested()).To(BeFalse())
		})
	})
})
