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

// Package constants holds the published parameter names and wire-visible
// values shared by every component. These names are part of the protocol:
// peer tasks watch them to track this client's progress.
package constants

// Progress flags. 0 while the step is incomplete or invalidated, 1 once the
// step has fully settled. Only set to 1 after all dependent waits finished.
const (
	ParamInitialised = "INITIALISED"
	ParamConfigured  = "CONFIGURED"
	ParamSetup       = "SETUP"
	ParamInSequence  = "IN_SEQUENCE"
)

// Progress ids. Hold the initiating command's target id once the command
// settles, -1 while idle, and FailureSentinel when the command failed.
const (
	ParamConfigureID = "CONFIGURE_ID"
	ParamSetupSeqID  = "SETUP_SEQ_ID"
	ParamSequenceID  = "SEQUENCE_ID"
)

// Mode and argument echo parameters.
const (
	ParamEnginMode     = "ENGIN_MODE"
	ParamSimulate      = "SIMULATE"
	ParamTasks         = "TASKS"
	ParamConfiguration = "CONFIGURATION"
	// ParamConfigurationDigest is an xxhash digest of the loaded
	// configuration document, for cheap change detection by observers.
	ParamConfigurationDigest = "CONFIGURATION_DIGEST"
	ParamStart               = "START"
	ParamEnd                 = "END"
	ParamDwell               = "DWELL"
)

// State-spool parameters driving batch publication during a sequence.
const (
	ParamStsplIndex     = "STSPL_INDEX"
	ParamStsplTotal     = "STSPL_TOTAL"
	ParamStsplStart     = "STSPL_START"
	ParamStsplPublish   = "STSPL_PUBLISH"
	ParamStsplBuffcount = "STSPL_BUFFCOUNT"
)

// ParamState carries the published frame batches.
const ParamState = "STATE"

// FailureSentinel is written to a command's progress id when the command
// fails, so that any peer cohort-waiting on it observes failure
// deterministically.
const FailureSentinel int64 = -9999

// IdleID marks a progress id with no settled command.
const IdleID int64 = -1

// DefaultSimulate is the SIMULATE bitmask applied when INITIALISE carries
// none: every subsystem simulated.
const DefaultSimulate int64 = 32767

// DefaultSequencerTask is the task whose STATE parameter drives SEQUENCE.
const DefaultSequencerTask = "RTS"
