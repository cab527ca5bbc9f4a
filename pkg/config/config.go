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

// Package config loads the client's own configuration file and the named
// configuration documents a CONFIGURE command can reference.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/eaobservatory/rtsclient/pkg/constants"
)

// Config is the embedding application's static configuration.
type Config struct {
	// TaskName is the name this task registers under on the bus.
	TaskName string `yaml:"taskName"`

	// SequencerTask is the task whose STATE parameter drives SEQUENCE.
	SequencerTask string `yaml:"sequencerTask"`

	// HTTPAddr is the listen address of the introspection endpoint.
	// Empty disables it.
	HTTPAddr string `yaml:"httpAddr"`

	// LogLevel and LogFormat configure the zap logger.
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// RosterTTL bounds how long a task stays in the live-task roster
	// without re-announcing itself.
	RosterTTL time.Duration `yaml:"rosterTTL"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TaskName:      "RTSCLIENT",
		SequencerTask: constants.DefaultSequencerTask,
		LogLevel:      "INFO",
		LogFormat:     "CONSOLE",
		RosterTTL:     30 * time.Second,
	}
}

// Load reads a YAML configuration file, applying defaults for absent fields
// and environment overrides (RTS_TASK_NAME, RTS_SEQUENCER_TASK,
// RTS_HTTP_ADDR) on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("RTS_TASK_NAME"); v != "" {
		cfg.TaskName = v
	}
	if v := os.Getenv("RTS_SEQUENCER_TASK"); v != "" {
		cfg.SequencerTask = v
	}
	if v := os.Getenv("RTS_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	if cfg.TaskName == "" {
		return cfg, fmt.Errorf("config %s: taskName must not be empty", path)
	}
	return cfg, nil
}

// LoadDocument reads a named YAML configuration document (the CONFIGURATION
// argument of a CONFIGURE command) into a generic structure, together with
// an xxhash digest of the raw bytes for cheap change detection.
func LoadDocument(path string) (map[string]any, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read configuration %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("parse configuration %s: %w", path, err)
	}

	return doc, xxhash.Sum64(data), nil
}
