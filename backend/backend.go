// Package backend defines the interface implemented by VISA backends and
// the registry through which they are discovered.
//
// A backend performs the actual I/O: it may wrap a vendor VISA library,
// speak a network protocol directly, simulate instruments or forward calls
// to an external plugin process. Backends register themselves from an init
// function, the same way database/sql drivers do:
//
//	func init() {
//	    backend.Register("sim", func() (backend.Backend, error) { return New(), nil })
//	}
//
// and programs select the ones they need with blank imports.
//
// # Sessions
//
// All operations work on sessions: the resource manager session returned
// by OpenDefaultResourceManager and the resource sessions returned by Open.
// Session values are only meaningful to the backend that issued them.
package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smnsjas/go-visacore/config"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
)

// Session is a handle to an open resource manager or resource.
type Session uint32

// DebugInfo is a tree of diagnostic values. Values are strings, string
// slices, nested DebugInfo or anything printable with %v.
type DebugInfo map[string]any

// OpenOptions carries the parameters of an Open call.
type OpenOptions struct {
	AccessMode  constants.AccessMode
	OpenTimeout time.Duration
}

// Backend is implemented by every VISA backend.
type Backend interface {
	// Name returns the registered name of the backend.
	Name() string
	// LibraryPaths returns the shared libraries the backend can use.
	LibraryPaths() []*library.Path
	// DebugInfo returns diagnostic information for visa-info.
	DebugInfo() (DebugInfo, error)

	// OpenDefaultResourceManager returns a resource manager session.
	OpenDefaultResourceManager(ctx context.Context) (Session, constants.StatusCode, error)
	// ListResources returns the resources matching a viFindRsrc expression.
	ListResources(ctx context.Context, rm Session, query string) ([]string, error)
	// Open opens a resource and returns its session.
	Open(ctx context.Context, rm Session, name string, opts OpenOptions) (Session, constants.StatusCode, error)
	// Read reads up to len(buf) bytes. The status tells why the read
	// stopped (termination character, count reached, END).
	Read(ctx context.Context, s Session, buf []byte) (int, constants.StatusCode, error)
	// Write writes data and returns the number of bytes written.
	Write(ctx context.Context, s Session, data []byte) (int, constants.StatusCode, error)
	// SetAttribute sets a session attribute.
	SetAttribute(s Session, attr constants.Attribute, value uint64) (constants.StatusCode, error)
	// Close closes a resource or resource manager session.
	Close(s Session) (constants.StatusCode, error)
}

// Factory creates a backend instance.
type Factory func() (Backend, error)

// ConfigFactory creates a backend instance that reads the user
// configuration file from the given location.
type ConfigFactory func(opts config.Options) (Backend, error)

// LibraryFactory creates a backend instance bound to an explicit shared
// library.
type LibraryFactory func(path string) (Backend, error)

var (
	// ErrUnknownBackend is returned by New for a name nobody registered.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrNoLibrarySupport is returned by NewWithLibrary for a backend that
	// does not load shared libraries.
	ErrNoLibrarySupport = errors.New("backend does not take a library path")
	// ErrInvalidSession is returned for a session the backend did not issue.
	ErrInvalidSession = fmt.Errorf("invalid session: %w", constants.StatusErrorInvalidObject)
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
	libraries  = make(map[string]LibraryFactory)
	configured = make(map[string]ConfigFactory)
)

// Register makes a backend available under name. It panics if called twice
// with the same name or with a nil factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for backend " + name)
	}
	registry[name] = factory
}

// RegisterLibrary lets NewWithLibrary create the backend registered under
// name with an explicit library. The backend must also be registered with
// Register.
func RegisterLibrary(name string, factory LibraryFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("backend: RegisterLibrary factory is nil")
	}
	if _, dup := libraries[name]; dup {
		panic("backend: RegisterLibrary called twice for backend " + name)
	}
	libraries[name] = factory
}

// RegisterConfig lets NewWithConfig pass configuration file options to the
// backend registered under name.
func RegisterConfig(name string, factory ConfigFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("backend: RegisterConfig factory is nil")
	}
	if _, dup := configured[name]; dup {
		panic("backend: RegisterConfig called twice for backend " + name)
	}
	configured[name] = factory
}

// Unregister removes a backend. It is intended for tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
	delete(libraries, name)
	delete(configured, name)
}

// List returns the registered backend names in sorted order.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New instantiates the backend registered under name.
func New(name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownBackend, name, strings.Join(List(), ", "))
	}
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create backend %q: %w", name, err)
	}
	return b, nil
}

// NewWithLibrary instantiates the backend registered under name using the
// shared library at path. An empty path is the same as New(name).
func NewWithLibrary(name, path string) (Backend, error) {
	if path == "" {
		return New(name)
	}
	registryMu.RLock()
	factory, ok := libraries[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoLibrarySupport, name)
	}
	b, err := factory(path)
	if err != nil {
		return nil, fmt.Errorf("create backend %q with %s: %w", name, path, err)
	}
	return b, nil
}

// NewWithConfig is NewWithLibrary for backends that consult the
// configuration file when no library is given.
func NewWithConfig(name, path string, opts config.Options) (Backend, error) {
	if path != "" {
		return NewWithLibrary(name, path)
	}
	registryMu.RLock()
	factory, ok := configured[name]
	registryMu.RUnlock()

	if !ok {
		return New(name)
	}
	b, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("create backend %q: %w", name, err)
	}
	return b, nil
}

// ParseSpec splits a PyVISA style backend specification. "@sim" selects the
// sim backend with no library, "/path/libvisa.so@ivi" selects the ivi
// backend with an explicit library and a bare path selects ivi.
func ParseSpec(spec string) (libraryPath, name string) {
	if spec == "" {
		return "", ""
	}
	idx := strings.LastIndex(spec, "@")
	if idx < 0 {
		return spec, "ivi"
	}
	return spec[:idx], spec[idx+1:]
}

// Keys returns the keys of a DebugInfo in sorted order.
func (d DebugInfo) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// LibraryDebugInfo describes library paths the way backends report them.
func LibraryDebugInfo(paths []*library.Path) []any {
	out := make([]any, 0, len(paths))
	for _, p := range paths {
		entry := DebugInfo{
			"found by": string(p.FoundBy),
			"bitness":  p.Bitness(),
		}
		if err := p.Err(); err != nil {
			entry["error"] = err.Error()
		}
		out = append(out, DebugInfo{p.Path: entry})
	}
	return out
}
