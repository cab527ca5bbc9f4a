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
	"github.com/eaobservatory/rtsclient/internal/activation"
	"github.com/eaobservatory/rtsclient/pkg/cohort"
	"github.com/eaobservatory/rtsclient/pkg/config"
	"github.com/eaobservatory/rtsclient/pkg/sequence"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// The four commands this client exposes.
const (
	ActionInitialise    = "INITIALISE"
	ActionConfigure     = "CONFIGURE"
	ActionSetupSequence = "SETUP_SEQUENCE"
	ActionSequence      = "SEQUENCE"
)

// Cohort is the view of a wait cohort handed to user callbacks: they may
// grow the wait set between reentries but cannot shrink it.
type Cohort interface {
	AddToWaitSet(tasks ...string)
	WaitSet() []string
}

// CohortCallback is invoked on every reentry of a cohort-waiting command.
// done is a copy of the completed-task set; entries the callback adds are
// merged back, entries it removes are ignored.
type CohortCallback func(tc transport.Context, msg transport.Message, c Cohort, done map[string]struct{}) error

// Callbacks holds the optional extension points supplied by the embedding
// application. Any field may be nil.
type Callbacks struct {
	// OnInitialise runs on every entry of INITIALISE.
	OnInitialise func(tc transport.Context, msg transport.Message) error

	// OnConfigure and OnSetupSequence run on every entry of their command,
	// with the command's wait cohort.
	OnConfigure     CohortCallback
	OnSetupSequence CohortCallback

	// OnSequence runs on every entry of SEQUENCE.
	OnSequence func(tc transport.Context, msg transport.Message) error

	// OnSequenceFrame and OnSequenceBatch transform frames and batches
	// before publication.
	OnSequenceFrame sequence.FrameFunc
	OnSequenceBatch sequence.BatchFunc
}

// Options tunes a Client beyond its callbacks.
type Options struct {
	// SequencerTask overrides the task whose STATE parameter drives
	// SEQUENCE. Defaults to constants.DefaultSequencerTask.
	SequencerTask string

	// Roster, when set, restricts cohort membership to live tasks; cohort
	// members the roster does not know are marked done without
	// subscribing.
	Roster cohort.Roster

	// LoadConfiguration resolves the CONFIGURATION argument of CONFIGURE
	// into a document and a digest. Defaults to config.LoadDocument.
	LoadConfiguration func(name string) (map[string]any, uint64, error)
}

func (o *Options) applyDefaults() {
	if o.SequencerTask == "" {
		o.SequencerTask = defaultSequencerTask()
	}
	if o.LoadConfiguration == nil {
		o.LoadConfiguration = config.LoadDocument
	}
}

// cohortActivation is the per-activation state of CONFIGURE and
// SETUP_SEQUENCE: the wait cohort plus the id to publish on completion.
type cohortActivation struct {
	machine  *activation.Machine
	tracker  *cohort.Tracker
	targetID int64
}

// sequenceActivation is the per-activation state of SEQUENCE.
type sequenceActivation struct {
	machine *activation.Machine
	driver  *sequence.Driver
	transID transport.TransactionID
	subID   transport.SubscriptionID
	start   int64
	end     int64
	dwell   int64
}

// initActivation is the per-activation state of INITIALISE.
type initActivation struct {
	machine *activation.Machine
}
