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

// Package docerrors provides the error taxonomy of the persistence layer.
//
// Not-found lookups are never errors; they are nil results.
package docerrors

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrorCode represents a persistence error code.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	ErrorCodeNotConnected
	ErrorCodeInvalidConfiguration
	ErrorCodeInvalidArgument

	ErrorCodeDatabaseAlreadyExists
	ErrorCodeCollectionAlreadyExists
	ErrorCodeElementNotFound

	ErrorCodeUnsupportedFilterOperator
	ErrorCodeUnsupportedExpressionShape
	ErrorCodeInvalidFilter

	ErrorCodeUnregisteredSubtype

	ErrorCodeNativeDriverError
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNotConnected:
		return "NotConnected"
	case ErrorCodeInvalidConfiguration:
		return "InvalidConfiguration"
	case ErrorCodeInvalidArgument:
		return "InvalidArgument"
	case ErrorCodeDatabaseAlreadyExists:
		return "DatabaseAlreadyExists"
	case ErrorCodeCollectionAlreadyExists:
		return "CollectionAlreadyExists"
	case ErrorCodeElementNotFound:
		return "ElementNotFound"
	case ErrorCodeUnsupportedFilterOperator:
		return "UnsupportedFilterOperator"
	case ErrorCodeUnsupportedExpressionShape:
		return "UnsupportedExpressionShape"
	case ErrorCodeInvalidFilter:
		return "InvalidFilter"
	case ErrorCodeUnregisteredSubtype:
		return "UnregisteredSubtype"
	case ErrorCodeNativeDriverError:
		return "NativeDriverError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error represents a persistence error returned by the driver and its components.
type Error struct {
	// Wrapped native or internal error; may be nil.
	err error

	msg    string
	vendor string
	op     string
	code   ErrorCode
}

// New creates a new error with the given code and message.
//
// Code must not be 0.
func New(code ErrorCode, msg string) *Error {
	if code == 0 {
		panic("docerrors.New: code must not be 0")
	}

	return &Error{
		code: code,
		msg:  msg,
	}
}

// Newf creates a new error with the given code and formatted message.
//
// Like [fmt.Errorf], %w verb wraps the error.
func Newf(code ErrorCode, format string, args ...any) *Error {
	e := New(code, "")

	err := fmt.Errorf(format, args...)
	e.msg = err.Error()
	e.err = errors.Unwrap(err)

	return e
}

// NewNativeDriverError wraps a vendor-native failure of the given operation.
//
// Err must not be nil.
func NewNativeDriverError(vendor, op string, err error) *Error {
	if err == nil {
		panic("docerrors.NewNativeDriverError: err must not be nil")
	}

	return &Error{
		code:   ErrorCodeNativeDriverError,
		msg:    err.Error(),
		vendor: vendor,
		op:     op,
		err:    err,
	}
}

// WithVendor returns a copy of the error annotated with vendor and operation.
//
// Empty arguments do not override existing values.
func (e *Error) WithVendor(vendor, op string) *Error {
	res := *e

	if vendor != "" {
		res.vendor = vendor
	}

	if op != "" {
		res.op = op
	}

	return &res
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Vendor returns the vendor name, if known.
func (e *Error) Vendor() string {
	return e.vendor
}

// Op returns the operation name, if known.
func (e *Error) Op() string {
	return e.op
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Error implements error interface.
func (e *Error) Error() string {
	var prefix string

	switch {
	case e.vendor != "" && e.op != "":
		prefix = fmt.Sprintf("%s (%s %s)", e.code, e.vendor, e.op)
	case e.vendor != "":
		prefix = fmt.Sprintf("%s (%s)", e.code, e.vendor)
	default:
		prefix = e.code.String()
	}

	if e.msg == "" {
		return prefix
	}

	return prefix + ": " + e.msg
}

// CodeIs returns true if err or any error in its chain is *Error with one of the given codes.
//
// At least one error code must be given.
func CodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.code == code || slices.Contains(codes, e.code)
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
