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

package moerr

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		err     *Error
		code    uint16
		message string
	}{
		{
			name:    "oom",
			err:     NewOOM(ctx),
			code:    ErrOOM,
			message: "error: out of memory",
		},
		{
			name:    "bad config",
			err:     NewBadConfig(ctx, "page size %d", 100),
			code:    ErrBadConfig,
			message: "invalid configuration: page size 100",
		},
		{
			name:    "invalid input",
			err:     NewInvalidInput(ctx, "size %d exceeds %d", 513, 512),
			code:    ErrInvalidInput,
			message: "invalid input: size 513 exceeds 512",
		},
		{
			name:    "not supported",
			err:     NewNotSupported(ctx, "reallocate"),
			code:    ErrNotSupported,
			message: "not supported: reallocate",
		},
		{
			name:    "invalid pointer",
			err:     NewInvalidPointer(ctx, 0x1000, "p1"),
			code:    ErrInvalidPointer,
			message: "pointer 0x1000 is not owned by pool p1",
		},
		{
			name:    "double free",
			err:     NewDoubleFree(ctx, 0x2008, "p1"),
			code:    ErrDoubleFree,
			message: "pointer 0x2008 is already free in pool p1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, tt.err.ErrorCode())
			require.Equal(t, tt.message, tt.err.Error())
			require.True(t, IsMoErrCode(tt.err, tt.code))
			require.False(t, tt.err.Succeeded())
		})
	}
}

func TestIsMoErrCode(t *testing.T) {
	assert.True(t, IsMoErrCode(nil, Ok))
	assert.False(t, IsMoErrCode(nil, ErrOOM))
	assert.False(t, IsMoErrCode(errors.New("plain"), ErrInternal))
	assert.True(t, GetOk().Succeeded())
}

func TestConvertGoError(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, ConvertGoError(ctx, nil))

	oom := NewOOM(ctx)
	require.Equal(t, error(oom), ConvertGoError(ctx, oom))

	err := ConvertGoError(ctx, io.EOF)
	require.True(t, IsMoErrCode(err, ErrInternal))

	err = ConvertGoError(ctx, errors.New("mmap failed"))
	require.True(t, IsMoErrCode(err, ErrInternal))
	require.Contains(t, err.Error(), "mmap failed")
}

func TestDisplay(t *testing.T) {
	err := NewOOM(context.Background()).WithDetail("cannot allocate memory")
	require.Equal(t, "error: out of memory: cannot allocate memory", err.Display())
	require.Equal(t, "cannot allocate memory", err.Detail())

	require.Equal(t, ErrInternal, DowncastError(errors.New("x")).ErrorCode())
	require.Equal(t, ErrInternal, ConvertPanicError(context.Background(), "boom").ErrorCode())
}
