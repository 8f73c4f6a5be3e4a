// Copyright 2021 FerretDB Inc.
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

package docerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Parallel()

	t.Run("New", func(t *testing.T) {
		t.Parallel()

		err := New(ErrorCodeNotConnected, "driver is not connected")
		assert.EqualError(t, err, "NotConnected: driver is not connected")
		assert.Equal(t, ErrorCodeNotConnected, err.Code())
		assert.Nil(t, err.Unwrap())

		assert.Panics(t, func() { New(0, "") })
	})

	t.Run("Newf", func(t *testing.T) {
		t.Parallel()

		err := Newf(ErrorCodeInvalidConfiguration, "bad timeout: %w", context.DeadlineExceeded)
		assert.EqualError(t, err, "InvalidConfiguration: bad timeout: context deadline exceeded")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("NativeDriverError", func(t *testing.T) {
		t.Parallel()

		native := errors.New("connection reset by peer")
		err := NewNativeDriverError("MongoLike", "Save", native)

		assert.EqualError(t, err, "NativeDriverError (MongoLike Save): connection reset by peer")
		assert.Equal(t, "MongoLike", err.Vendor())
		assert.Equal(t, "Save", err.Op())
		assert.ErrorIs(t, err, native)
	})

	t.Run("WithVendor", func(t *testing.T) {
		t.Parallel()

		orig := New(ErrorCodeUnsupportedFilterOperator, `operator "Like" is not supported`)
		err := orig.WithVendor("SqlLike", "")

		assert.EqualError(t, err, `UnsupportedFilterOperator (SqlLike): operator "Like" is not supported`)
		assert.Empty(t, orig.Vendor())
	})
}

func TestCodeIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", New(ErrorCodeElementNotFound, "no element"))

	assert.True(t, CodeIs(err, ErrorCodeElementNotFound))
	assert.True(t, CodeIs(err, ErrorCodeNotConnected, ErrorCodeElementNotFound))
	assert.False(t, CodeIs(err, ErrorCodeNotConnected))
	assert.False(t, CodeIs(errors.New("other"), ErrorCodeNotConnected))
	assert.False(t, CodeIs(nil, ErrorCodeNotConnected))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "ElementNotFound", e.Code().String())
	assert.Equal(t, "ErrorCode(42)", ErrorCode(42).String())
}
