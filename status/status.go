// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the error kinds shared by the field-access
// components. Callers classify failures with errors.Is against the
// sentinels below; the helpers wrap a formatted message around a sentinel.
package status // import "github.com/accessprof/fieldaccess/status"

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a type, field, frame or resolution strategy that
	// could not be located.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument marks malformed caller input: empty type names,
	// out-of-range offsets, nil trees, empty histograms.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrFailedPrecondition marks histogram sizes that do not divide the
	// tree's covered range after collapsing.
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrInternal marks violated internal invariants, such as a synthetic
	// container layout that does not match the requested allocation size.
	ErrInternal = errors.New("internal")

	// ErrUnimplemented marks requests outside the supported feature set.
	// The access granularity is fixed at 8 bytes, so no code path in this
	// module returns it.
	ErrUnimplemented = errors.New("unimplemented")
)

func NotFoundf(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func InvalidArgumentf(format string, args ...any) error {
	return wrap(ErrInvalidArgument, format, args...)
}

func FailedPreconditionf(format string, args ...any) error {
	return wrap(ErrFailedPrecondition, format, args...)
}

func Internalf(format string, args ...any) error {
	return wrap(ErrInternal, format, args...)
}

func Unimplementedf(format string, args ...any) error {
	return wrap(ErrUnimplemented, format, args...)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
