//go:build !darwin && !linux

package ivi

import (
	"fmt"

	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
)

// Open always fails: shared libraries are only loaded on Linux and macOS.
func Open(paths []*library.Path) (backend.Backend, error) {
	return nil, fmt.Errorf("%w: %w", ErrUnsupportedPlatform, constants.StatusErrorLibraryNotFound)
}
