//go:build darwin || linux

package ivi

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/config"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingLibrary(t *testing.T) {
	_, err := Open([]*library.Path{library.NewPath("/nonexistent/libvisa.so", library.FoundByUser)})
	assert.ErrorIs(t, err, ErrNoLibrary)
	assert.ErrorIs(t, err, constants.StatusErrorLibraryNotFound)
	assert.Contains(t, err.Error(), "/nonexistent/libvisa.so")
}

func TestOpenNoCandidates(t *testing.T) {
	_, err := Open(nil)
	assert.ErrorIs(t, err, ErrNoLibrary)
	assert.Contains(t, err.Error(), LibraryEnv)
}

func TestOpenLibraryWithoutVISA(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs glibc")
	}
	_, err := Open([]*library.Path{library.NewPath("libc.so.6", library.FoundByUser)})
	if !errors.Is(err, ErrMissingSymbol) {
		t.Skipf("libc.so.6 not loadable here: %v", err)
	}
	assert.ErrorIs(t, err, ErrNoLibrary)
	assert.Contains(t, err.Error(), "viOpenDefaultRM")
}

func TestCString(t *testing.T) {
	assert.Equal(t, "GPIB0::1::INSTR", cString([]byte("GPIB0::1::INSTR\x00garbage")))
	assert.Equal(t, "no terminator", cString([]byte("no terminator")))
	assert.Equal(t, "", cString(make([]byte, 8)))
}

func TestConfigFactoryUsesOptions(t *testing.T) {
	t.Setenv(LibraryEnv, "")
	prefix := t.TempDir()
	dir := filepath.Join(prefix, "share", "visa")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	missing := filepath.Join(prefix, "no-such-libvisa.so")
	rc := "[Paths]\nvisa library = " + missing + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".visarc"), []byte(rc), 0o600))

	// The configured library does not exist, so the error names it.
	_, err := backend.NewWithConfig(Name, "", config.Options{Prefix: prefix, Home: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), missing)
}
