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

package monitor

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eaobservatory/rtsclient/pkg/transport"
)

func TestMonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Monitor Suite")
}

var _ = Describe("ReconnectingMonitor", func() {
	var (
		client *transport.MockClient
		mon    *ReconnectingMonitor
	)

	BeforeEach(func() {
		client = transport.NewMockClient()
		mon = New(client, "ENGINE", "STATUS")
	})

	ack := func(tid transport.TransactionID, sub string) transport.Message {
		return transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubAck,
			Transaction: tid,
			Payload:     map[string]any{transport.PayloadKeySubscriptionID: sub},
		}
	}
	changed := func(tid transport.TransactionID, value int64) transport.Message {
		return transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubChanged,
			Transaction: tid,
			Payload:     map[string]any{"STATUS": value},
		}
	}

	It("subscribes on start and reports changed values", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		Expect(client.SubscribeCalls).To(HaveLen(1))
		Expect(client.SubscribeCalls[0].Task).To(Equal("ENGINE"))
		Expect(client.SubscribeCalls[0].Param).To(Equal("STATUS"))
		Expect(mon.Connected()).To(BeFalse())

		tid := client.LastSubscription()
		Expect(mon.Handle(ack(tid, "sub-1"))).To(BeFalse())
		Expect(mon.Connected()).To(BeTrue())
		Expect(mon.Subscription()).To(Equal(transport.SubscriptionID("sub-1")))

		Expect(mon.Handle(changed(tid, 42))).To(BeTrue())
	})

	It("cancels the live subscription on a cancel request", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		tid := client.LastSubscription()
		mon.Handle(ack(tid, "sub-1"))

		mon.Handle(transport.Message{Kind: transport.KindCancelRequest})
		Expect(client.CancelCalls).To(HaveLen(1))
		Expect(client.CancelCalls[0].Sub).To(Equal(transport.SubscriptionID("sub-1")))
		Expect(mon.Connected()).To(BeFalse())
	})

	It("ends disconnected when cancelled before the subscription is acked", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		Expect(client.SubscribeCalls).To(HaveLen(1))

		mon.Handle(transport.Message{Kind: transport.KindCancelRequest})
		Expect(mon.Connected()).To(BeFalse())
		Expect(mon.Subscription()).To(BeZero())
		// No subscription id yet, so there is nothing to cancel remotely.
		Expect(client.CancelCalls).To(BeEmpty())
	})

	It("ignores messages for other transactions", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		Expect(mon.Handle(changed("someone-else", 1))).To(BeFalse())
		Expect(mon.Connected()).To(BeFalse())
	})

	Context("after the peer dies", func() {
		var tid transport.TransactionID

		BeforeEach(func() {
			mon.Handle(transport.Message{Kind: transport.KindStart})
			tid = client.LastSubscription()
			mon.Handle(ack(tid, "sub-1"))
			mon.Handle(changed(tid, 1))

			mon.Handle(transport.Message{Kind: transport.KindPeerEnded, Transaction: tid})
		})

		It("clears its state without sending a cancel", func() {
			Expect(mon.Connected()).To(BeFalse())
			Expect(mon.Transaction()).To(BeZero())
			Expect(mon.Subscription()).To(BeZero())
			Expect(client.CancelCalls).To(BeEmpty())
		})

		It("consumes the first retry tick and resubscribes on the second", func() {
			mon.Handle(transport.Message{Kind: transport.KindRetryTick})
			Expect(client.SubscribeCalls).To(HaveLen(1))

			mon.Handle(transport.Message{Kind: transport.KindRetryTick})
			Expect(client.SubscribeCalls).To(HaveLen(2))
			Expect(mon.Transaction()).To(Equal(client.LastSubscription()))
		})
	})

	It("does not resubscribe while a transaction is outstanding", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		Expect(client.SubscribeCalls).To(HaveLen(1))

		// No ack yet: ticks must not pile up a second subscription.
		mon.Handle(transport.Message{Kind: transport.KindRetryTick})
		mon.Handle(transport.Message{Kind: transport.KindRetryTick})
		mon.Handle(transport.Message{Kind: transport.KindRetryTick})
		Expect(client.SubscribeCalls).To(HaveLen(1))
	})

	It("waits for a tick after a rejected subscription", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		tid := client.LastSubscription()

		mon.Handle(transport.Message{Kind: transport.KindRejected, Transaction: tid})
		Expect(mon.Transaction()).To(BeZero())
		Expect(client.SubscribeCalls).To(HaveLen(1))

		// First tick is consumed, the second retries.
		mon.Handle(transport.Message{Kind: transport.KindRetryTick})
		Expect(client.SubscribeCalls).To(HaveLen(1))
		mon.Handle(transport.Message{Kind: transport.KindRetryTick})
		Expect(client.SubscribeCalls).To(HaveLen(2))
	})

	It("resubscribes immediately when its own subscription completes", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		tid := client.LastSubscription()
		mon.Handle(ack(tid, "sub-1"))

		mon.Handle(transport.Message{Kind: transport.KindComplete, Transaction: tid})
		Expect(client.SubscribeCalls).To(HaveLen(2))
	})

	It("replaces a stale subscription when a new ack arrives", func() {
		mon.Handle(transport.Message{Kind: transport.KindStart})
		tid := client.LastSubscription()
		mon.Handle(ack(tid, "sub-1"))
		mon.Handle(ack(tid, "sub-2"))

		Expect(client.CancelCalls).To(HaveLen(1))
		Expect(client.CancelCalls[0].Sub).To(Equal(transport.SubscriptionID("sub-1")))
		Expect(mon.Subscription()).To(Equal(transport.SubscriptionID("sub-2")))
	})
})

var _ = Describe("WatchHandler", func() {
	var (
		client  *transport.MockClient
		handler transport.Handler
		changes []any
	)

	deliver := func(msg transport.Message) {
		client.ResetDelivery()
		Expect(handler(client, msg)).To(Succeed())
	}
	ack := func(tid transport.TransactionID, sub string) transport.Message {
		return transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubAck,
			Transaction: tid,
			Payload:     map[string]any{transport.PayloadKeySubscriptionID: sub},
		}
	}
	changed := func(tid transport.TransactionID, value int64) transport.Message {
		return transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubChanged,
			Transaction: tid,
			Payload:     map[string]any{"STATUS": value},
		}
	}

	BeforeEach(func() {
		client = transport.NewMockClient()
		changes = nil
		handler = WatchHandler("ENGINE", "STATUS", func(v any) {
			changes = append(changes, v)
		})
	})

	It("subscribes on start and reports each changed value", func() {
		deliver(transport.Message{Kind: transport.KindStart})
		Expect(client.SubscribeCalls).To(HaveLen(1))
		Expect(client.ReinvokeRequested()).To(BeTrue())
		Expect(client.RetryAfter).To(BeNumerically(">", 0))

		tid := client.LastSubscription()
		deliver(ack(tid, "sub-1"))
		deliver(changed(tid, 7))
		deliver(changed(tid, 8))
		Expect(changes).To(Equal([]any{int64(7), int64(8)}))
		Expect(client.ReinvokeRequested()).To(BeTrue())
	})

	It("resubscribes on a retry tick after the peer dies", func() {
		deliver(transport.Message{Kind: transport.KindStart})
		tid := client.LastSubscription()
		deliver(ack(tid, "sub-1"))

		deliver(transport.Message{Kind: transport.KindPeerEnded, Transaction: tid})
		Expect(client.SubscribeCalls).To(HaveLen(1))

		// The first tick after the subscribe is consumed.
		deliver(transport.Message{Kind: transport.KindRetryTick})
		Expect(client.SubscribeCalls).To(HaveLen(1))
		deliver(transport.Message{Kind: transport.KindRetryTick})
		Expect(client.SubscribeCalls).To(HaveLen(2))
	})

	It("winds down on a cancel request without rescheduling", func() {
		deliver(transport.Message{Kind: transport.KindStart})
		tid := client.LastSubscription()
		deliver(ack(tid, "sub-1"))

		deliver(transport.Message{Kind: transport.KindCancelRequest})
		Expect(client.CancelCalls).To(HaveLen(1))
		Expect(client.ReinvokeRequested()).To(BeFalse())

		// The cancelled subscription's completion must not restart it.
		deliver(transport.Message{Kind: transport.KindComplete, Transaction: tid})
		Expect(client.SubscribeCalls).To(HaveLen(1))
		Expect(client.ReinvokeRequested()).To(BeFalse())
	})

	It("cancels a subscription acked after the cancel request", func() {
		deliver(transport.Message{Kind: transport.KindStart})
		tid := client.LastSubscription()

		deliver(transport.Message{Kind: transport.KindCancelRequest})
		Expect(client.CancelCalls).To(BeEmpty())

		deliver(ack(tid, "sub-1"))
		Expect(client.CancelCalls).To(HaveLen(1))
		Expect(client.CancelCalls[0].Sub).To(Equal(transport.SubscriptionID("sub-1")))
	})
})
