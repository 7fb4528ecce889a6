// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObservedLogger(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	core, logs := observer.New(level)
	old := GetGlobalLogger()
	replaceGlobalLogger(zap.New(core))
	t.Cleanup(func() { replaceGlobalLogger(old) })
	return logs
}

func TestLevelHelpers(t *testing.T) {
	logs := withObservedLogger(t, zapcore.InfoLevel)

	Debug("hidden")
	Info("info msg", zap.Uint64("size", 8))
	Warn("warn msg")
	Error("error msg", zap.String("pool", "p1"))
	Infof("formatted %d", 16)

	entries := logs.All()
	require.Equal(t, 4, len(entries))
	require.Equal(t, "info msg", entries[0].Message)
	require.Equal(t, uint64(8), entries[0].ContextMap()["size"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "p1", entries[2].ContextMap()["pool"])
	require.Equal(t, "formatted 16", entries[3].Message)
}

func TestGetPoolLogger(t *testing.T) {
	logs := withObservedLogger(t, zapcore.DebugLevel)

	GetPoolLogger("bench").Debug("gc done", zap.Int("released", 3))

	entries := logs.FilterMessage("gc done").All()
	require.Equal(t, 1, len(entries))
	require.Equal(t, "mpool", entries[0].LoggerName)
	require.Equal(t, "bench", entries[0].ContextMap()["pool"])
	require.Equal(t, int64(3), entries[0].ContextMap()["released"])
}

func TestGetStacktraceLevel(t *testing.T) {
	cfg := &LogConfig{}
	require.Equal(t, zapcore.FatalLevel, cfg.getStacktraceLevel())
	cfg.StacktraceLevel = "error"
	require.Equal(t, zapcore.ErrorLevel, cfg.getStacktraceLevel())
	require.Equal(t, zap.NewAtomicLevelAt(zapcore.InfoLevel), cfg.getLevel())
}
