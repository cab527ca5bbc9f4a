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

// Package sequence consumes the stream of indexed frames a remote sequencer
// publishes during one sequence, applies per-frame and per-batch user
// transforms, and republishes the results in bounded batches.
package sequence

import (
	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/constants"
	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/metrics"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// FrameFunc optionally rewrites one frame before it joins the batch.
// Returning nil keeps the frame as delivered.
type FrameFunc func(frame Frame) *Frame

// BatchFunc optionally rewrites a whole batch just before it is published.
// Returning nil keeps the accumulated batch.
type BatchFunc func(batch []Frame) []Frame

// Config assembles a Driver for one sequence run.
type Config struct {
	// Params receives the published STATE batches and spool counters.
	Params transport.ParamStore

	// OnEstablished runs when the first change notification arrives. That
	// notification carries the sequencer's pre-sequence state and is
	// consumed without advancing the frame counter.
	OnEstablished func() error

	// OnReachEnd runs when the counter reaches End, typically to cancel the
	// upstream subscription.
	OnReachEnd func() error

	// FrameFn and BatchFn are the optional user transforms.
	FrameFn FrameFunc
	BatchFn BatchFunc

	// Start and End bound the frame numbers of this run, inclusive.
	Start int64
	End   int64

	// SpoolTotal is the batch size (STSPL_TOTAL); SpoolStart offsets the
	// first publish boundary (STSPL_START).
	SpoolTotal int64
	SpoolStart int64
}

// Driver accumulates frames into batches and flushes each batch at its
// publish boundary. Frame numbers must arrive strictly contiguous; any gap
// aborts the sequence.
type Driver struct {
	params transport.ParamStore
	log    *zap.SugaredLogger

	onEstablished func() error
	onReachEnd    func() error
	frameFn       FrameFunc
	batchFn       BatchFunc

	batch []Frame

	start     int64
	end       int64
	total     int64
	publishAt int64
	counter   int64

	spoolIndex int64
	buffcount  int64

	established bool
}

// NewDriver creates a driver for one sequence run and publishes the initial
// spool counters. The first publish boundary is
// min(start + total + spoolStart - 1, end).
func NewDriver(cfg Config) (*Driver, error) {
	publishAt := cfg.Start + cfg.SpoolTotal + cfg.SpoolStart - 1
	if publishAt > cfg.End {
		publishAt = cfg.End
	}

	d := &Driver{
		params:        cfg.Params,
		onEstablished: cfg.OnEstablished,
		onReachEnd:    cfg.OnReachEnd,
		frameFn:       cfg.FrameFn,
		batchFn:       cfg.BatchFn,
		start:         cfg.Start,
		end:           cfg.End,
		total:         cfg.SpoolTotal,
		publishAt:     publishAt,
		counter:       cfg.Start - 1,
		spoolIndex:    1,
		log:           logger.For(logger.ComponentSequence),
	}

	if err := d.params.SetParam(constants.ParamStsplBuffcount, int64(0)); err != nil {
		return nil, err
	}
	if err := d.params.SetParam(constants.ParamStsplIndex, int64(1)); err != nil {
		return nil, err
	}
	if err := d.params.SetParam(constants.ParamStsplPublish, publishAt); err != nil {
		return nil, err
	}
	return d, nil
}

// Established reports whether the initial notification has been consumed.
func (d *Driver) Established() bool {
	return d.established
}

// Counter returns the number of the last frame processed.
func (d *Driver) Counter() int64 {
	return d.counter
}

// Done reports whether the run has consumed its final frame.
func (d *Driver) Done() bool {
	return d.established && d.counter >= d.end
}

// HandleChange processes one changed-value notification from the upstream
// subscription. The very first notification only establishes the stream.
func (d *Driver) HandleChange(msg transport.Message) error {
	if !d.established {
		d.established = true
		d.log.Debugf("sequence stream established")
		if d.onEstablished != nil {
			return d.onEstablished()
		}
		return nil
	}

	raw, ok := msg.Value(constants.ParamState)
	if !ok {
		return nil
	}
	frames, ok := FramesFromValue(raw)
	if !ok {
		return rtserrors.New(rtserrors.CodeGeneral, "malformed STATE payload %T", raw)
	}
	return d.handleFrames(frames)
}

func (d *Driver) handleFrames(frames []Frame) error {
	for _, incoming := range frames {
		d.counter++
		if incoming.Number != d.counter {
			metrics.IncSequenceAborts()
			return &rtserrors.ContinuityError{Expected: d.counter, Got: incoming.Number}
		}

		if d.counter == d.end && d.onReachEnd != nil {
			if err := d.onReachEnd(); err != nil {
				return err
			}
		}

		frame := incoming
		if d.frameFn != nil {
			if replaced := d.frameFn(frame); replaced != nil {
				frame = *replaced
			}
		}
		d.batch = append(d.batch, frame)

		if d.counter == d.publishAt {
			if err := d.flush(); err != nil {
				return err
			}
		} else {
			d.spoolIndex++
			if err := d.params.SetParam(constants.ParamStsplIndex, d.spoolIndex); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush publishes the accumulated batch and advances the publish boundary by
// the spool total, clamped to the end frame.
func (d *Driver) flush() error {
	d.publishAt += d.total
	if d.publishAt > d.end {
		d.publishAt = d.end
	}

	batch := d.batch
	if d.batchFn != nil {
		if replaced := d.batchFn(batch); replaced != nil {
			batch = replaced
		}
	}

	if err := d.params.SetParam(constants.ParamState, batch); err != nil {
		return err
	}
	d.batch = nil
	d.buffcount++
	d.spoolIndex = 1

	if err := d.params.SetParam(constants.ParamStsplIndex, d.spoolIndex); err != nil {
		return err
	}
	if err := d.params.SetParam(constants.ParamStsplPublish, d.publishAt); err != nil {
		return err
	}
	if err := d.params.SetParam(constants.ParamStsplBuffcount, d.buffcount); err != nil {
		return err
	}

	metrics.IncBatchesPublished()
	d.log.Debugf("published batch %d (%d frames, next boundary %d)", d.buffcount, len(batch), d.publishAt)
	return nil
}
