//go:build darwin || linux

package ivi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/purego"
	"github.com/hashicorp/go-multierror"
	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
)

// descLen is the size of the buffers receiving resource descriptors
// (VI_FIND_BUFLEN).
const descLen = 256

// functions are the VISA entry points used by the backend.
type functions struct {
	openDefaultRM func(vi *uint32) int32
	findRsrc      func(rm uint32, expr string, list *uint32, count *uint32, desc *byte) int32
	findNext      func(list uint32, desc *byte) int32
	open          func(rm uint32, name string, mode uint32, timeout uint32, vi *uint32) int32
	read          func(vi uint32, buf *byte, count uint32, ret *uint32) int32
	write         func(vi uint32, buf *byte, count uint32, ret *uint32) int32
	setAttribute  func(vi uint32, attr uint32, value uintptr) int32
	getAttribute  func(vi uint32, attr uint32, value unsafe.Pointer) int32
	close         func(vi uint32) int32
}

// Backend calls into a VISA shared library.
type Backend struct {
	paths  []*library.Path
	loaded *library.Path
	handle uintptr
	fn     functions

	mu     sync.Mutex
	logger *log.Logger
}

// Open loads the first library of paths that exports the VISA functions.
func Open(paths []*library.Path) (*Backend, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %w: no candidate found, set %s", ErrNoLibrary, constants.StatusErrorLibraryNotFound, LibraryEnv)
	}

	var errs *multierror.Error
	for _, p := range paths {
		handle, err := purego.Dlopen(p.Path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		b := &Backend{paths: paths, loaded: p, handle: handle, logger: log.New(io.Discard)}
		if err := b.bind(); err != nil {
			_ = purego.Dlclose(handle)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %w: %w", ErrNoLibrary, constants.StatusErrorLibraryNotFound, errs.ErrorOrNil())
}

func (b *Backend) bind() error {
	for _, sym := range []struct {
		name string
		fptr any
	}{
		{"viOpenDefaultRM", &b.fn.openDefaultRM},
		{"viFindRsrc", &b.fn.findRsrc},
		{"viFindNext", &b.fn.findNext},
		{"viOpen", &b.fn.open},
		{"viRead", &b.fn.read},
		{"viWrite", &b.fn.write},
		{"viSetAttribute", &b.fn.setAttribute},
		{"viGetAttribute", &b.fn.getAttribute},
		{"viClose", &b.fn.close},
	} {
		addr, err := purego.Dlsym(b.handle, sym.name)
		if err != nil {
			return fmt.Errorf("%w %s", ErrMissingSymbol, sym.name)
		}
		purego.RegisterFunc(sym.fptr, addr)
	}
	return nil
}

// SetLogger sets the logger for call tracing.
func (b *Backend) SetLogger(logger *log.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger.With("backend", Name)
}

func (b *Backend) trace(op string, status int32, keyvals ...any) {
	b.mu.Lock()
	logger := b.logger
	b.mu.Unlock()
	logger.Debug(op, append([]any{"status", constants.StatusCode(status)}, keyvals...)...)
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// LibraryPaths implements backend.Backend.
func (b *Backend) LibraryPaths() []*library.Path { return b.paths }

// DebugInfo implements backend.Backend. Library attributes are read from a
// temporary resource manager session.
func (b *Backend) DebugInfo() (backend.DebugInfo, error) {
	info := backend.DebugInfo{
		"Version":        Version,
		"Binary library": backend.LibraryDebugInfo(b.paths),
		"Loaded library": b.loaded.Path,
	}

	var rm uint32
	if st := constants.StatusCode(b.fn.openDefaultRM(&rm)); st.IsError() {
		return info, constants.NewError("viOpenDefaultRM", st)
	}
	defer b.fn.close(rm)

	var spec, impl uint32
	if st := b.fn.getAttribute(rm, uint32(attrSpecVersion), unsafe.Pointer(&spec)); st >= 0 {
		info["Spec version"] = formatVersion(spec)
	}
	if st := b.fn.getAttribute(rm, uint32(attrImplVersion), unsafe.Pointer(&impl)); st >= 0 {
		info["Implementation version"] = formatVersion(impl)
	}
	manf := make([]byte, descLen)
	if st := b.fn.getAttribute(rm, uint32(attrManufacturer), unsafe.Pointer(&manf[0])); st >= 0 {
		info["Manufacturer"] = cString(manf)
	}
	return info, nil
}

// OpenDefaultResourceManager implements backend.Backend.
func (b *Backend) OpenDefaultResourceManager(ctx context.Context) (backend.Session, constants.StatusCode, error) {
	var rm uint32
	st := b.fn.openDefaultRM(&rm)
	b.trace("viOpenDefaultRM", st, "session", rm)
	return result(backend.Session(rm), st, "viOpenDefaultRM")
}

// ListResources implements backend.Backend.
func (b *Backend) ListResources(ctx context.Context, rm backend.Session, query string) ([]string, error) {
	var list, count uint32
	desc := make([]byte, descLen)

	st := b.fn.findRsrc(uint32(rm), query, &list, &count, &desc[0])
	b.trace("viFindRsrc", st, "query", query, "count", count)
	if constants.StatusCode(st).IsError() {
		return nil, constants.NewError("viFindRsrc", constants.StatusCode(st))
	}
	defer b.fn.close(list)

	names := []string{cString(desc)}
	for i := uint32(1); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clear(desc)
		if st := b.fn.findNext(list, &desc[0]); constants.StatusCode(st).IsError() {
			return nil, constants.NewError("viFindNext", constants.StatusCode(st))
		}
		names = append(names, cString(desc))
	}
	return names, nil
}

// Open implements backend.Backend.
func (b *Backend) Open(ctx context.Context, rm backend.Session, name string, opts backend.OpenOptions) (backend.Session, constants.StatusCode, error) {
	var vi uint32
	st := b.fn.open(uint32(rm), name, uint32(opts.AccessMode), uint32(opts.OpenTimeout.Milliseconds()), &vi)
	b.trace("viOpen", st, "resource", name, "session", vi)
	return result(backend.Session(vi), st, "viOpen")
}

// Read implements backend.Backend. The call blocks inside the library for
// at most the session timeout. ctx is only checked before the call.
func (b *Backend) Read(ctx context.Context, s backend.Session, buf []byte) (int, constants.StatusCode, error) {
	if err := ctx.Err(); err != nil {
		return 0, constants.StatusErrorTimeout, err
	}
	if len(buf) == 0 {
		return 0, constants.StatusSuccessMaxCount, nil
	}
	var n uint32
	st := b.fn.read(uint32(s), &buf[0], uint32(len(buf)), &n)
	b.trace("viRead", st, "session", s, "count", n)
	_, status, err := result(0, st, "viRead")
	return int(n), status, err
}

// Write implements backend.Backend.
func (b *Backend) Write(ctx context.Context, s backend.Session, data []byte) (int, constants.StatusCode, error) {
	if err := ctx.Err(); err != nil {
		return 0, constants.StatusErrorTimeout, err
	}
	if len(data) == 0 {
		return 0, constants.StatusSuccess, nil
	}
	var n uint32
	st := b.fn.write(uint32(s), &data[0], uint32(len(data)), &n)
	b.trace("viWrite", st, "session", s, "count", n)
	_, status, err := result(0, st, "viWrite")
	return int(n), status, err
}

// SetAttribute implements backend.Backend.
func (b *Backend) SetAttribute(s backend.Session, attr constants.Attribute, value uint64) (constants.StatusCode, error) {
	st := b.fn.setAttribute(uint32(s), uint32(attr), uintptr(value))
	b.trace("viSetAttribute", st, "session", s, "attribute", fmt.Sprintf("0x%08X", uint32(attr)))
	_, status, err := result(0, st, "viSetAttribute")
	return status, err
}

// Close implements backend.Backend.
func (b *Backend) Close(s backend.Session) (constants.StatusCode, error) {
	st := b.fn.close(uint32(s))
	b.trace("viClose", st, "session", s)
	_, status, err := result(0, st, "viClose")
	return status, err
}

func result(s backend.Session, st int32, op string) (backend.Session, constants.StatusCode, error) {
	status := constants.StatusCode(st)
	if status.IsError() {
		return 0, status, constants.NewError(op, status)
	}
	return s, status, nil
}

// cString returns the NUL terminated string at the start of b.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
