// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log configures the zap logger shared by every engine component.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the engine-wide logger.
type Config struct {
	Level       string   `yaml:"level"`
	OutputPaths []string `yaml:"output_paths"`
	Disable     bool     `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stderr"}
	}
	return c
}

// New builds a *zap.SugaredLogger from config. A zero-value Config produces a
// reasonable stderr logger at info level; Config.Disable produces a no-op
// logger, the default used in tests that don't care about log output.
func New(config Config) (*zap.SugaredLogger, error) {
	if config.Disable {
		return zap.NewNop().Sugar(), nil
	}
	config = config.applyDefaults()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %s", config.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = config.OutputPaths

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %s", err)
	}
	return logger.Sugar(), nil
}

// NewNop returns a no-op logger, used as the zero-value default for
// components constructed without an explicit logger.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
