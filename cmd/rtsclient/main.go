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

// Command rtsclient runs a self-contained demonstration of the coordination
// framework: an in-process bus carrying a client task, a simulated sequencer
// and a simulated frontend, driven through the full INITIALISE, CONFIGURE,
// SETUP_SEQUENCE and SEQUENCE cycle.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/eaobservatory/rtsclient/pkg/config"
	"github.com/eaobservatory/rtsclient/pkg/constants"
	"github.com/eaobservatory/rtsclient/pkg/control"
	"github.com/eaobservatory/rtsclient/pkg/httpapi"
	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/monitor"
	"github.com/eaobservatory/rtsclient/pkg/rtsclient"
	"github.com/eaobservatory/rtsclient/pkg/sequence"
	"github.com/eaobservatory/rtsclient/pkg/transport"
	"github.com/eaobservatory/rtsclient/pkg/transport/localbus"
)

const (
	frontendTask = "FRONTEND"
	observerTask = "OBSERVER"
	actionWatch  = "WATCH"
)

func main() {
	logger.Initialize()
	defer func() { _ = logger.Sync() }()
	log := logger.For(logger.ComponentClient)

	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(1)
	}

	bus := localbus.New(localbus.Options{RosterTTL: cfg.RosterTTL})
	defer bus.Shutdown()

	sequencer, err := bus.AddTask(cfg.SequencerTask)
	if err != nil {
		log.Errorf("add sequencer task: %v", err)
		os.Exit(1)
	}
	_ = sequencer.SetParam(constants.ParamState, []sequence.Frame{})

	frontend, err := bus.AddTask(frontendTask)
	if err != nil {
		log.Errorf("add frontend task: %v", err)
		os.Exit(1)
	}
	_ = frontend.SetParam(constants.ParamConfigureID, constants.IdleID)
	_ = frontend.SetParam(constants.ParamSetupSeqID, constants.IdleID)

	// The observer watches the frontend's configure id through a
	// self-healing monitor; it resubscribes on its own if the frontend
	// is restarted.
	observer, err := bus.AddTask(observerTask)
	if err != nil {
		log.Errorf("add observer task: %v", err)
		os.Exit(1)
	}
	watchLog := logger.For(logger.ComponentMonitor)
	err = observer.RegisterAction(actionWatch,
		monitor.WatchHandler(frontendTask, constants.ParamConfigureID, func(v any) {
			watchLog.Infof("%s.%s changed: %v", frontendTask, constants.ParamConfigureID, v)
		}))
	if err != nil {
		log.Errorf("register watch action: %v", err)
		os.Exit(1)
	}

	clientTask, err := bus.AddTask(cfg.TaskName)
	if err != nil {
		log.Errorf("add client task: %v", err)
		os.Exit(1)
	}

	client := rtsclient.New(clientTask, rtsclient.Callbacks{
		OnConfigure: func(tc transport.Context, msg transport.Message, c rtsclient.Cohort, done map[string]struct{}) error {
			c.AddToWaitSet(frontendTask)
			return nil
		},
		OnSetupSequence: func(tc transport.Context, msg transport.Message, c rtsclient.Cohort, done map[string]struct{}) error {
			return nil
		},
	}, rtsclient.Options{
		SequencerTask:     cfg.SequencerTask,
		Roster:            bus.Roster(),
		LoadConfiguration: demoConfiguration,
	})
	if err := client.Register(clientTask); err != nil {
		log.Errorf("register actions: %v", err)
		os.Exit(1)
	}

	// The watch runs until shutdown; its reply only arrives if it is kicked.
	if _, err := bus.Obey(observerTask, actionWatch, nil); err != nil {
		log.Errorf("start watch: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	heartbeat := control.NewLoop(bus.Roster(), cfg.RosterTTL/3,
		cfg.TaskName, cfg.SequencerTask, frontendTask, observerTask)
	g.Go(func() error { return heartbeat.Run(gctx) })

	if cfg.HTTPAddr != "" {
		api := httpapi.NewServer(bus, cfg.HTTPAddr)
		g.Go(func() error { return api.Start(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return api.Stop(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer func() {
			if cfg.HTTPAddr == "" {
				stop()
			} else {
				log.Infof("demo complete; serving %s until interrupted", cfg.HTTPAddr)
			}
		}()
		return runDemo(gctx, bus, cfg, frontend, sequencer)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("run: %v", err)
		os.Exit(1)
	}
}

// runDemo drives the client through one complete command cycle, playing the
// frontend and the sequencer from the outside.
func runDemo(ctx context.Context, bus *localbus.Bus, cfg config.Config, frontend, sequencer *localbus.Task) error {
	log := logger.For(logger.ComponentClient)

	if err := bus.ObeyWait(ctx, cfg.TaskName, rtsclient.ActionInitialise, map[string]any{
		"STSPL_TOTAL": int64(3),
		"STSPL_START": int64(0),
	}); err != nil {
		return err
	}
	log.Info("INITIALISE complete")

	// The frontend acknowledges CONFIGURE by echoing its id.
	go publishAfter(ctx, frontend, constants.ParamConfigureID, int64(7), 100*time.Millisecond)
	if err := bus.ObeyWait(ctx, cfg.TaskName, rtsclient.ActionConfigure, map[string]any{
		"Argument1": "demo-configuration",
		"Argument2": int64(7),
	}); err != nil {
		return err
	}
	log.Info("CONFIGURE complete")

	go publishAfter(ctx, frontend, constants.ParamSetupSeqID, int64(4), 100*time.Millisecond)
	if err := bus.ObeyWait(ctx, cfg.TaskName, rtsclient.ActionSetupSequence, map[string]any{
		"Argument1": int64(4),
		"TASKS":     frontendTask,
		"BEAM":      "A",
		"SMU_X":     1.5,
	}); err != nil {
		return err
	}
	log.Info("SETUP_SEQUENCE complete")

	const start, end = int64(1), int64(12)
	go playSequence(ctx, sequencer, start, end)
	if err := bus.ObeyWait(ctx, cfg.TaskName, rtsclient.ActionSequence, map[string]any{
		"START": start,
		"END":   end,
		"DWELL": int64(1),
	}); err != nil {
		return err
	}
	log.Info("SEQUENCE complete")
	return nil
}

// publishAfter sets one parameter on the task after a delay, standing in for
// a remote engine answering a command.
func publishAfter(ctx context.Context, t *localbus.Task, param string, value int64, delay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	_ = t.SetParam(param, value)
}

// playSequence publishes STATE frame batches from start to end, three frames
// at a time, the way a real sequencer streams its progress.
func playSequence(ctx context.Context, sequencer *localbus.Task, start, end int64) {
	var batch []sequence.Frame
	for n := start; n <= end; n++ {
		batch = append(batch, sequence.Frame{
			Number: n,
			Fields: map[string]any{"AIRMASS": 1.2},
		})
		if len(batch) == 3 || n == end {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			_ = sequencer.SetParam(constants.ParamState, batch)
			batch = nil
		}
	}
}

// demoConfiguration stands in for config.LoadDocument so the demo needs no
// configuration files on disk.
func demoConfiguration(name string) (map[string]any, uint64, error) {
	return map[string]any{"name": name}, xxhash.Sum64String(name), nil
}
