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

package localbus

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

const inboxDepth = 1024

// delivery is one message queued for a task's inbox, addressed to an action.
type delivery struct {
	action  string
	msg     transport.Message
	reply   chan error // non-nil only for start deliveries
	tickGen uint64     // matches the arming generation for retry ticks
}

// ownedSub is the owner-side record of a live subscription. Activations die
// with their subscriptions: any still open when the activation ends are
// cancelled by the task loop.
type ownedSub struct {
	target *Task
	sub    transport.SubscriptionID
}

// actionRuntime holds the per-action state the task loop mutates. It is only
// touched from the loop goroutine, so it needs no locking of its own.
type actionRuntime struct {
	name    string
	handler transport.Handler

	active   bool
	owned    map[transport.TransactionID]ownedSub
	waiters  []chan error
	timer    *time.Timer
	timerGen uint64
}

func (rt *actionRuntime) stopTimer() {
	rt.timerGen++
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
}

// watcher is the publisher-side record of a subscription: who to notify when
// the watched parameter changes.
type watcher struct {
	owner   *Task
	action  string
	param   string
	transID transport.TransactionID
	subID   transport.SubscriptionID
}

// Task is one named participant on the bus. Each task runs a single inbox
// goroutine, so at most one of its action handlers executes at a time and
// messages for any one action arrive in the order they were queued.
//
// Task implements transport.Store; the Subscribe and CancelSubscription
// methods may only be called from inside a running action handler.
type Task struct {
	name string
	bus  *Bus
	log  *zap.SugaredLogger

	inbox chan delivery
	quit  chan struct{}
	done  chan struct{}

	actionMu sync.RWMutex
	actions  map[string]*actionRuntime

	paramMu sync.RWMutex
	params  map[string]any

	watchMu  sync.Mutex
	watchers map[transport.SubscriptionID]*watcher

	// current is the runtime whose handler the loop is executing, nil
	// between deliveries. Loop goroutine only.
	current *actionRuntime
}

func newTask(name string, bus *Bus) *Task {
	t := &Task{
		name:     name,
		bus:      bus,
		log:      logger.For(logger.ComponentTask).With("task", name),
		inbox:    make(chan delivery, inboxDepth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		actions:  make(map[string]*actionRuntime),
		params:   make(map[string]any),
		watchers: make(map[transport.SubscriptionID]*watcher),
	}
	go t.loop()
	return t
}

// Name returns the task's bus name.
func (t *Task) Name() string {
	return t.name
}

// RegisterAction attaches a handler under the given action name.
func (t *Task) RegisterAction(name string, h transport.Handler) error {
	if h == nil {
		return rtserrors.New(rtserrors.CodeBadArgument, "nil handler for action %s", name)
	}
	t.actionMu.Lock()
	defer t.actionMu.Unlock()
	if _, ok := t.actions[name]; ok {
		return rtserrors.New(rtserrors.CodeBadArgument, "action %s already registered on task %s", name, t.name)
	}
	t.actions[name] = &actionRuntime{name: name, handler: h}
	return nil
}

func (t *Task) lookupAction(name string) *actionRuntime {
	t.actionMu.RLock()
	defer t.actionMu.RUnlock()
	return t.actions[name]
}

// GetParam returns the current value of a published parameter.
func (t *Task) GetParam(name string) (any, error) {
	t.paramMu.RLock()
	defer t.paramMu.RUnlock()
	v, ok := t.params[name]
	if !ok {
		return nil, rtserrors.New(rtserrors.CodeBadArgument, "task %s has no parameter %s", t.name, name)
	}
	return v, nil
}

// SetParam publishes a new value and notifies every watcher of the
// parameter. The value is deep-copied in, and again per watcher, so neither
// the caller nor any subscriber can mutate another's view.
func (t *Task) SetParam(name string, value any) error {
	stored := copyValue(value)

	t.paramMu.Lock()
	t.params[name] = stored
	t.paramMu.Unlock()

	t.watchMu.Lock()
	targets := make([]*watcher, 0, 4)
	for _, w := range t.watchers {
		if w.param == name {
			targets = append(targets, w)
		}
	}
	t.watchMu.Unlock()

	for _, w := range targets {
		w.owner.enqueue(delivery{
			action: w.action,
			msg: transport.Message{
				Kind:        transport.KindNotify,
				Status:      transport.SubChanged,
				Transaction: w.transID,
				Payload:     map[string]any{name: copyValue(stored)},
			},
		})
	}
	return nil
}

// ParamsSnapshot returns the task's parameters serialised to JSON, for the
// HTTP surface. Values that cannot be serialised are reported as an error.
func (t *Task) ParamsSnapshot() ([]byte, error) {
	t.paramMu.RLock()
	defer t.paramMu.RUnlock()
	return json.Marshal(t.params)
}

// Subscribe opens a subscription on target's parameter for the action
// currently being delivered. The ack and the initial value arrive as
// ordinary inbox messages, ack first.
func (t *Task) Subscribe(target, param string) (transport.TransactionID, error) {
	rt := t.current
	if rt == nil || !rt.active {
		return "", rtserrors.New(rtserrors.CodeGeneral, "subscribe to %s.%s outside an action delivery", target, param)
	}

	tid := transport.TransactionID(uuid.NewString())

	peer, ok := t.bus.lookup(target)
	if !ok {
		t.rejectLater(rt, tid, target, param, "unknown task")
		return tid, nil
	}

	peer.paramMu.RLock()
	value, present := peer.params[param]
	if present {
		value = copyValue(value)
	}
	peer.paramMu.RUnlock()
	if !present {
		t.rejectLater(rt, tid, target, param, "unknown parameter")
		return tid, nil
	}

	subID := transport.SubscriptionID(uuid.NewString())
	peer.watchMu.Lock()
	peer.watchers[subID] = &watcher{
		owner:   t,
		action:  rt.name,
		param:   param,
		transID: tid,
		subID:   subID,
	}
	peer.watchMu.Unlock()

	rt.owned[tid] = ownedSub{target: peer, sub: subID}

	// Queue the ack and the current value back to back; the FIFO inbox
	// guarantees the ack is observed first.
	t.enqueue(delivery{
		action: rt.name,
		msg: transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubAck,
			Transaction: tid,
			Payload:     map[string]any{transport.PayloadKeySubscriptionID: subID},
		},
	})
	t.enqueue(delivery{
		action: rt.name,
		msg: transport.Message{
			Kind:        transport.KindNotify,
			Status:      transport.SubChanged,
			Transaction: tid,
			Payload:     map[string]any{param: value},
		},
	})
	return tid, nil
}

// rejectLater queues a KindRejected for a subscription that cannot be
// opened. The transaction stays owned until the rejection is delivered, so
// the activation does not end before seeing it.
func (t *Task) rejectLater(rt *actionRuntime, tid transport.TransactionID, target, param, reason string) {
	t.log.Debugw("rejecting subscription", "target", target, "param", param, "reason", reason)
	rt.owned[tid] = ownedSub{}
	t.enqueue(delivery{
		action: rt.name,
		msg: transport.Message{
			Kind:        transport.KindRejected,
			Transaction: tid,
			Payload:     map[string]any{"TASK": target, "PARAM": param, "REASON": reason},
		},
	})
}

// CancelSubscription ends a live subscription. The owning action still
// receives a KindComplete for the transaction.
func (t *Task) CancelSubscription(target string, sub transport.SubscriptionID) error {
	peer, ok := t.bus.lookup(target)
	if !ok {
		return rtserrors.New(rtserrors.CodeBadArgument, "no task %s on bus", target)
	}
	w := peer.removeWatcher(sub)
	if w == nil {
		return rtserrors.New(rtserrors.CodeBadArgument, "no subscription %s on task %s", sub, target)
	}
	w.owner.enqueue(delivery{
		action: w.action,
		msg: transport.Message{
			Kind:        transport.KindComplete,
			Transaction: w.transID,
		},
	})
	return nil
}

func (t *Task) removeWatcher(sub transport.SubscriptionID) *watcher {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	w, ok := t.watchers[sub]
	if !ok {
		return nil
	}
	delete(t.watchers, sub)
	return w
}

// enqueue queues a delivery without blocking. The inbox is deep enough for
// any realistic burst; if it is ever full the message is dropped with an
// error log rather than deadlocking two tasks notifying each other.
func (t *Task) enqueue(d delivery) {
	select {
	case <-t.quit:
	case t.inbox <- d:
	default:
		t.log.Errorw("inbox full, dropping message",
			"action", d.action, "kind", d.msg.Kind.String())
		if d.reply != nil {
			d.reply <- rtserrors.New(rtserrors.CodeGeneral, "task %s inbox full", t.name)
		}
	}
}

func (t *Task) loop() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			t.drainOnQuit()
			return
		case d := <-t.inbox:
			t.dispatch(d)
		}
	}
}

// drainOnQuit fails any start deliveries still queued when the task stops.
func (t *Task) drainOnQuit() {
	for {
		select {
		case d := <-t.inbox:
			if d.reply != nil {
				d.reply <- rtserrors.New(rtserrors.CodeGeneral, "task %s stopped", t.name)
			}
		default:
			return
		}
	}
}

func (t *Task) dispatch(d delivery) {
	rt := t.lookupAction(d.action)
	if rt == nil {
		if d.reply != nil {
			d.reply <- rtserrors.New(rtserrors.CodeBadArgument, "no action %s on task %s", d.action, t.name)
		}
		return
	}

	switch d.msg.Kind {
	case transport.KindStart:
		if rt.active {
			if d.reply != nil {
				d.reply <- rtserrors.New(rtserrors.CodeGeneral, "action %s already active on task %s", d.action, t.name)
			}
			return
		}
		rt.active = true
		rt.owned = make(map[transport.TransactionID]ownedSub)
		if d.reply != nil {
			rt.waiters = append(rt.waiters, d.reply)
		}

	case transport.KindRetryTick:
		if !rt.active || d.tickGen != rt.timerGen {
			return
		}
		rt.timer = nil

	default:
		if !rt.active {
			t.log.Debugw("dropping message for idle action",
				"action", d.action, "kind", d.msg.Kind.String())
			return
		}
		if tid := d.msg.Transaction; tid != "" {
			switch d.msg.Kind {
			case transport.KindComplete, transport.KindPeerEnded, transport.KindRejected:
				delete(rt.owned, tid)
			}
		}
	}

	// Any delivery invalidates a pending retry tick; the handler must ask
	// again if it still wants one.
	rt.stopTimer()

	cc := &callContext{task: t}
	t.current = rt
	err := rt.handler(cc, d.msg)
	t.current = nil

	if err != nil {
		t.endActivation(rt, err)
		return
	}
	if cc.reinvoke {
		if cc.retryAfter > 0 {
			t.armTimer(rt, cc.retryAfter)
		}
		return
	}
	if len(rt.owned) > 0 {
		// No explicit reinvocation request, but transactions are still
		// outstanding; stay alive until they settle.
		return
	}
	t.endActivation(rt, nil)
}

func (t *Task) armTimer(rt *actionRuntime, d time.Duration) {
	gen := rt.timerGen
	action := rt.name
	rt.timer = time.AfterFunc(d, func() {
		t.enqueue(delivery{
			action:  action,
			msg:     transport.Message{Kind: transport.KindRetryTick},
			tickGen: gen,
		})
	})
}

// endActivation finishes an activation: pending timers are stopped, any
// subscriptions still owned are torn down silently, and waiters learn the
// outcome.
func (t *Task) endActivation(rt *actionRuntime, err error) {
	rt.stopTimer()
	for tid, owned := range rt.owned {
		delete(rt.owned, tid)
		if owned.sub == "" {
			continue
		}
		if w := owned.target.removeWatcher(owned.sub); w != nil {
			t.log.Debugw("auto-cancelled subscription on activation end",
				"action", rt.name, "target", owned.target.name, "param", w.param)
		}
	}
	rt.active = false
	if err != nil {
		t.log.Warnw("activation ended with error", "action", rt.name, "error", err)
	}
	for _, reply := range rt.waiters {
		reply <- err
	}
	rt.waiters = nil
}

// stop shuts the task down. Every live subscription on its parameters gets a
// KindPeerEnded so owners can notice the publisher went away.
func (t *Task) stop() {
	t.watchMu.Lock()
	watchers := make([]*watcher, 0, len(t.watchers))
	for sub, w := range t.watchers {
		delete(t.watchers, sub)
		watchers = append(watchers, w)
	}
	t.watchMu.Unlock()

	for _, w := range watchers {
		w.owner.enqueue(delivery{
			action: w.action,
			msg: transport.Message{
				Kind:        transport.KindPeerEnded,
				Transaction: w.transID,
			},
		})
	}

	close(t.quit)
	<-t.done
}

// callContext is the per-delivery transport.Context handed to handlers.
type callContext struct {
	task *Task

	reinvoke   bool
	retryAfter time.Duration
}

func (c *callContext) Subscribe(task, param string) (transport.TransactionID, error) {
	return c.task.Subscribe(task, param)
}

func (c *callContext) CancelSubscription(task string, sub transport.SubscriptionID) error {
	return c.task.CancelSubscription(task, sub)
}

func (c *callContext) GetParam(name string) (any, error) {
	return c.task.GetParam(name)
}

func (c *callContext) SetParam(name string, value any) error {
	return c.task.SetParam(name, value)
}

func (c *callContext) RequestReinvoke() {
	c.reinvoke = true
}

func (c *callContext) RequestReinvokeAfter(d time.Duration) {
	c.reinvoke = true
	c.retryAfter = d
}

func (c *callContext) SuppressReinvoke() {
	c.reinvoke = false
	c.retryAfter = 0
}

func (c *callContext) ReinvokeRequested() bool {
	return c.reinvoke
}

// copyValue deep-copies an arbitrary parameter value. A value the copier
// cannot handle is passed through as-is.
func copyValue(v any) any {
	if v == nil {
		return nil
	}
	wrapped := map[string]any{"v": v}
	var out map[string]any
	if err := deepcopy.Copy(&out, wrapped); err != nil {
		return v
	}
	return out["v"]
}
