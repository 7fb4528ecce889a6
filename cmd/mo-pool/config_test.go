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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/mopool/pkg/config"
)

func TestConfigCommandDefaults(t *testing.T) {
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config"})
	require.NoError(t, cmd.Execute())

	var pp config.PoolParameters
	_, err := toml.Decode(out.String(), &pp)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), pp.Pool.PageSize)
	assert.Equal(t, uint64(8), pp.Pool.MinAllocationSize)
	assert.Equal(t, uint64(512), pp.Pool.MaxAllocationSize)
	assert.Equal(t, config.PoolKindThread, pp.Bench.Kind)
	assert.Equal(t, uint64(512), pp.Bench.MaxSize)
}

func TestConfigCommandFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pool.toml")
	require.NoError(t, os.WriteFile(file, []byte("[pool]\nmax-allocation-size = 1024\n"), 0o644))

	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--cfg", file})
	require.NoError(t, cmd.Execute())

	var pp config.PoolParameters
	_, err := toml.Decode(out.String(), &pp)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), pp.Pool.MaxAllocationSize)
	assert.Equal(t, uint64(1024), pp.Bench.MaxSize)
}

func TestConfigCommandInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pool.toml")
	require.NoError(t, os.WriteFile(file, []byte("[pool]\npage-size = 1000\n"), 0o644))

	cmd := rootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "-c", file})
	assert.Error(t, cmd.Execute())

	cmd = rootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "-c", filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, cmd.Execute())
}
