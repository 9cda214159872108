// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when a required argument is nil or empty.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict is returned when an attachment id is already present.
	ErrConflict = errors.New("conflict")
	// ErrUnitNotFound is returned by UpdateMessageUnit when the unit to replace is absent.
	ErrUnitNotFound = errors.New("message unit not found")
)

func invalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}
