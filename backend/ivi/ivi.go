// Package ivi implements a backend on top of a vendor VISA shared library
// (NI-VISA, Keysight IO Libraries, R&S VISA, ...).
//
// The library is loaded at runtime without cgo. Its location is taken from,
// in order:
//
//  1. the VISA_LIBRARY environment variable
//  2. the "visa library" key of the [Paths] section of .visarc
//  3. the platform default locations that exist on disk
//
// and each candidate is tried until one loads and exports every function
// the backend needs.
package ivi

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/config"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
)

// Name is the registered backend name.
const Name = "ivi"

// Version is reported in the debug info.
const Version = "1.0"

// LibraryEnv names the environment variable selecting the VISA library.
const LibraryEnv = "VISA_LIBRARY"

var (
	// ErrNoLibrary is returned when no candidate library could be loaded.
	ErrNoLibrary = errors.New("could not load any VISA library")
	// ErrMissingSymbol is returned when a library lacks a VISA function.
	ErrMissingSymbol = errors.New("missing VISA function")
	// ErrUnsupportedPlatform is returned where libraries cannot be loaded.
	ErrUnsupportedPlatform = errors.New("ivi backend is not supported on this platform")
)

// Attributes read for the debug info.
const (
	attrSpecVersion  constants.Attribute = 0x3FFF0170
	attrImplVersion  constants.Attribute = 0x3FFF0003
	attrManufacturer constants.Attribute = 0xBFFF0174
)

func init() {
	backend.Register(Name, func() (backend.Backend, error) {
		b, err := Open(ResolvePaths(config.Options{}))
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	backend.RegisterConfig(Name, func(opts config.Options) (backend.Backend, error) {
		b, err := Open(ResolvePaths(opts))
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	backend.RegisterLibrary(Name, func(path string) (backend.Backend, error) {
		b, err := Open([]*library.Path{library.NewPath(path, library.FoundByUser)})
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// ResolvePaths returns the library candidates in lookup order: the
// VISA_LIBRARY environment variable, the configuration file found with
// opts, then the platform defaults.
func ResolvePaths(opts config.Options) []*library.Path {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if p := os.Getenv(LibraryEnv); p != "" {
		logger.Debug("library from environment", "path", p)
		return library.Resolve(p, library.FoundByEnv)
	}
	if p := config.ReadUserLibraryPath(opts); p != "" {
		logger.Debug("library from configuration", "path", p)
		return library.Resolve(p, library.FoundByUser)
	}
	return library.Resolve("", library.FoundByAuto)
}

// formatVersion renders a VISA version attribute (0xMMMmmmss).
func formatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>20, (v>>8)&0xFFF, v&0xFF)
}
