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
	"strings"

	"github.com/eaobservatory/rtsclient/pkg/constants"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// Argument schemas, validated once at the command boundary. Fields absent
// from the command fall back to their documented defaults.

type initialiseArgs struct {
	Simulate   int64
	SpoolTotal int64
	SpoolStart int64
}

func parseInitialiseArgs(payload map[string]any) (initialiseArgs, error) {
	args := transport.ParseArguments(payload)
	out := initialiseArgs{}
	var err error
	if out.Simulate, err = args.Int64(-1, constants.ParamSimulate, constants.DefaultSimulate); err != nil {
		return out, badArgument(err)
	}
	if out.SpoolTotal, err = args.Int64(-1, constants.ParamStsplTotal, 1); err != nil {
		return out, badArgument(err)
	}
	if out.SpoolStart, err = args.Int64(-1, constants.ParamStsplStart, 0); err != nil {
		return out, badArgument(err)
	}
	if out.SpoolTotal < 1 {
		return out, rtserrors.New(rtserrors.CodeBadArgument, "STSPL_TOTAL must be >= 1, got %d", out.SpoolTotal)
	}
	return out, nil
}

type configureArgs struct {
	Configuration string
	ConfigureID   int64
	EnginMode     int64
}

func parseConfigureArgs(payload map[string]any) (configureArgs, error) {
	args := transport.ParseArguments(payload)
	out := configureArgs{}
	var err error
	if out.Configuration, err = args.String(0, constants.ParamConfiguration, ""); err != nil {
		return out, badArgument(err)
	}
	if out.ConfigureID, err = args.Int64(1, constants.ParamConfigureID, 1); err != nil {
		return out, badArgument(err)
	}
	if out.EnginMode, err = args.Int64(2, constants.ParamEnginMode, 0); err != nil {
		return out, badArgument(err)
	}
	return out, nil
}

type setupSequenceArgs struct {
	Tasks      string
	SetupSeqID int64
}

func parseSetupSequenceArgs(payload map[string]any) (setupSequenceArgs, error) {
	args := transport.ParseArguments(payload)
	out := setupSequenceArgs{}
	var err error
	if out.SetupSeqID, err = args.Int64(0, constants.ParamSetupSeqID, 1); err != nil {
		return out, badArgument(err)
	}
	if out.Tasks, err = args.String(-1, constants.ParamTasks, ""); err != nil {
		return out, badArgument(err)
	}
	out.Tasks = strings.ToUpper(out.Tasks)
	return out, nil
}

type sequenceArgs struct {
	Start int64
	End   int64
	Dwell int64
}

func parseSequenceArgs(payload map[string]any) (sequenceArgs, error) {
	args := transport.ParseArguments(payload)
	out := sequenceArgs{}
	var err error
	if out.Start, err = args.Int64(0, constants.ParamStart, 1); err != nil {
		return out, badArgument(err)
	}
	if out.End, err = args.Int64(1, constants.ParamEnd, 2); err != nil {
		return out, badArgument(err)
	}
	if out.Dwell, err = args.Int64(2, constants.ParamDwell, 1); err != nil {
		return out, badArgument(err)
	}
	if out.End < out.Start {
		return out, rtserrors.New(rtserrors.CodeBadArgument, "END %d before START %d", out.End, out.Start)
	}
	if out.Dwell < 1 {
		return out, rtserrors.New(rtserrors.CodeBadArgument, "DWELL must be >= 1, got %d", out.Dwell)
	}
	return out, nil
}

func badArgument(err error) error {
	return rtserrors.Wrap(rtserrors.CodeBadArgument, err, "invalid command argument")
}

// setupParamKind classifies one optional SETUP_SEQUENCE parameter.
type setupParamKind int

const (
	setupInt setupParamKind = iota
	setupFloat
	setupString
	setupEnum
)

// setupParam describes one optional SETUP_SEQUENCE parameter: its domain,
// checked when present; absent parameters are left unchanged.
type setupParam struct {
	name string
	// values enumerates the legal strings for setupEnum parameters.
	values []string
	// prefixes, when set, requires the value to start with one of them.
	prefixes []string
	min      float64
	max      float64
	kind     setupParamKind
}

// setupParamTable is the documented set of optional SETUP_SEQUENCE
// parameters, stored verbatim when present in the command.
var setupParamTable = []setupParam{
	{name: "SOURCE", kind: setupString, prefixes: []string{"REFERENCE", "SCIENCE"}},
	{name: "INDEX", kind: setupInt, min: 0, max: 32766},
	{name: "POL_INDEX", kind: setupInt, min: 0, max: 32766},
	{name: "INDEX1", kind: setupInt, min: 0, max: 32766},
	{name: "MS_INDEX", kind: setupInt, min: 0, max: 32766},
	{name: "GROUP", kind: setupInt, min: 0, max: 32766},
	{name: "DRCONTROL", kind: setupInt, min: 0, max: 32766},
	{name: "BEAM", kind: setupEnum, values: []string{"A", "B", "MIDDLE"}},
	{name: "SMU_X", kind: setupFloat, min: -35.0, max: 35.0},
	{name: "SMU_Y", kind: setupFloat, min: -35.0, max: 35.0},
	{name: "SMU_Z", kind: setupFloat, min: -35.0, max: 35.0},
	{name: "LOAD", kind: setupEnum, values: []string{"SKY", "LOAD2", "AMBIENT", "LINE", "DARK", "HOT"}},
	{name: "FE_STATE", kind: setupString},
	{name: "STEP_TIME", kind: setupFloat, min: 0.004, max: 600.0},
	{name: "MASTER", kind: setupString},
	{name: "BB_TEMP", kind: setupFloat, min: -99999.0, max: 80.0},
	{name: "SHUT_FRAC", kind: setupFloat, min: 0.0, max: 1.0},
	{name: "HEAT_CUR", kind: setupInt, min: -99999, max: 131071},
}

// absorbSetupParams validates and stores every documented optional setup
// parameter present in the command payload.
func absorbSetupParams(store transport.ParamStore, payload map[string]any) error {
	args := transport.ParseArguments(payload)
	for _, p := range setupParamTable {
		if !args.Has(-1, p.name) {
			continue
		}
		switch p.kind {
		case setupInt:
			v, err := args.Int64(-1, p.name, 0)
			if err != nil {
				return badArgument(err)
			}
			if float64(v) < p.min || float64(v) > p.max {
				return rtserrors.New(rtserrors.CodeBadArgument,
					"%s=%d outside [%g, %g]", p.name, v, p.min, p.max)
			}
			if err := store.SetParam(p.name, v); err != nil {
				return err
			}

		case setupFloat:
			v, err := args.Float64(-1, p.name, 0)
			if err != nil {
				return badArgument(err)
			}
			if v < p.min || v > p.max {
				return rtserrors.New(rtserrors.CodeBadArgument,
					"%s=%g outside [%g, %g]", p.name, v, p.min, p.max)
			}
			if err := store.SetParam(p.name, v); err != nil {
				return err
			}

		case setupString:
			v, err := args.String(-1, p.name, "")
			if err != nil {
				return badArgument(err)
			}
			if len(p.prefixes) > 0 {
				matched := false
				for _, prefix := range p.prefixes {
					if strings.HasPrefix(v, prefix) {
						matched = true
						break
					}
				}
				if !matched {
					return rtserrors.New(rtserrors.CodeBadArgument,
						"%s=%q must start with one of %v", p.name, v, p.prefixes)
				}
			}
			if err := store.SetParam(p.name, v); err != nil {
				return err
			}

		case setupEnum:
			v, err := args.String(-1, p.name, "")
			if err != nil {
				return badArgument(err)
			}
			valid := false
			for _, allowed := range p.values {
				if v == allowed {
					valid = true
					break
				}
			}
			if !valid {
				return rtserrors.New(rtserrors.CodeBadArgument,
					"%s=%q not one of %v", p.name, v, p.values)
			}
			if err := store.SetParam(p.name, v); err != nil {
				return err
			}
		}
	}
	return nil
}
