// Package sim implements a backend of simulated instruments.
//
// Instruments are described in YAML: each device lists fixed dialogues
// (query and response), optional binary block responses and properties that
// can be read and written. Resources map resource names to devices. The
// backend is useful to develop and test instrument code without hardware.
//
// The definitions are taken from the file named by the
// VISA_SIM_DEFINITIONS environment variable, or from the built-in set.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
	"github.com/smnsjas/go-visacore/rname"
)

// Name is the registered backend name.
const Name = "sim"

// Version is reported in the debug info.
const Version = "1.0"

// DefinitionsEnv names the environment variable holding a definitions file.
const DefinitionsEnv = "VISA_SIM_DEFINITIONS"

func init() {
	backend.Register(Name, func() (backend.Backend, error) {
		if path := os.Getenv(DefinitionsEnv); path != "" {
			defs, err := LoadDefinitions(path)
			if err != nil {
				return nil, err
			}
			return New(defs, path), nil
		}
		defs, err := DefaultDefinitions()
		if err != nil {
			return nil, err
		}
		return New(defs, "built-in"), nil
	})
}

// Backend serves the simulated instruments.
type Backend struct {
	mu sync.Mutex

	id     uuid.UUID
	defs   *Definitions
	source string
	logger *log.Logger

	next     backend.Session
	managers map[backend.Session]bool
	sessions map[backend.Session]*session
}

// session is the state of one open simulated resource.
type session struct {
	name   string
	device *Device
	props  map[string]string

	input  bytes.Buffer
	output bytes.Buffer

	termChar        byte
	termCharEnabled bool
}

// New returns a backend serving defs. source is only used for diagnostics.
func New(defs *Definitions, source string) *Backend {
	return &Backend{
		id:       uuid.New(),
		defs:     defs,
		source:   source,
		logger:   log.New(io.Discard),
		managers: make(map[backend.Session]bool),
		sessions: make(map[backend.Session]*session),
	}
}

// SetLogger sets the logger for I/O tracing.
func (b *Backend) SetLogger(logger *log.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger.With("backend", Name)
}

// ID returns the unique identifier of this backend instance.
func (b *Backend) ID() uuid.UUID {
	return b.id
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// LibraryPaths implements backend.Backend. The simulator uses no library.
func (b *Backend) LibraryPaths() []*library.Path {
	return []*library.Path{library.NewPath("unset", library.FoundByAuto)}
}

// DebugInfo implements backend.Backend.
func (b *Backend) DebugInfo() (backend.DebugInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return backend.DebugInfo{
		"Version":     Version,
		"Instance":    b.id.String(),
		"Definitions": b.source,
		"Resources":   b.resourceNames(),
	}, nil
}

func (b *Backend) resourceNames() []string {
	names := make([]string, 0, len(b.defs.Resources))
	for name := range b.defs.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Backend) allocate() backend.Session {
	b.next++
	return b.next
}

// OpenDefaultResourceManager implements backend.Backend.
func (b *Backend) OpenDefaultResourceManager(ctx context.Context) (backend.Session, constants.StatusCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.allocate()
	b.managers[s] = true
	return s, constants.StatusSuccess, nil
}

// ListResources implements backend.Backend.
func (b *Backend) ListResources(ctx context.Context, rm backend.Session, query string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.managers[rm] {
		return nil, backend.ErrInvalidSession
	}
	names, err := rname.Filter(query, b.resourceNames())
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, constants.NewError("viFindRsrc", constants.StatusErrorResourceNotFound)
	}
	return names, nil
}

// Open implements backend.Backend.
func (b *Backend) Open(ctx context.Context, rm backend.Session, name string, opts backend.OpenOptions) (backend.Session, constants.StatusCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.managers[rm] {
		return 0, constants.StatusErrorInvalidObject, backend.ErrInvalidSession
	}
	canonical, err := rname.Normalize(name)
	if err != nil {
		return 0, constants.StatusErrorInvalidResourceName, constants.NewError("viOpen", constants.StatusErrorInvalidResourceName)
	}
	a, ok := b.defs.Resources[canonical]
	if !ok {
		return 0, constants.StatusErrorResourceNotFound, constants.NewError("viOpen", constants.StatusErrorResourceNotFound)
	}

	device := b.defs.Devices[a.Device]
	props := make(map[string]string, len(device.Properties))
	for pname, p := range device.Properties {
		props[pname] = p.Default
	}

	s := b.allocate()
	b.sessions[s] = &session{name: canonical, device: device, props: props, termChar: '\n'}
	b.logger.Debug("opened", "session", s, "resource", canonical)
	return s, constants.StatusSuccess, nil
}

// Write implements backend.Backend. Every complete message (ended by the
// device write termination) is answered immediately.
func (b *Backend) Write(ctx context.Context, s backend.Session, data []byte) (int, constants.StatusCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[s]
	if !ok {
		return 0, constants.StatusErrorInvalidObject, backend.ErrInvalidSession
	}
	sess.input.Write(data)

	term := []byte(sess.device.WriteTermination)
	for {
		idx := bytes.Index(sess.input.Bytes(), term)
		if idx < 0 {
			break
		}
		msg := string(sess.input.Next(idx + len(term))[:idx])
		b.logger.Debug("write", "session", s, "message", msg)
		resp, err := sess.respond(msg)
		if err != nil {
			return 0, constants.StatusErrorIO, constants.NewError("viWrite", constants.StatusErrorIO)
		}
		if resp != nil {
			sess.output.Write(resp)
			sess.output.WriteString(sess.device.ReadTermination)
		}
	}
	return len(data), constants.StatusSuccess, nil
}

// respond computes the response to one message. A nil response means the
// message was a command with no answer.
func (sess *session) respond(msg string) ([]byte, error) {
	msg = strings.TrimSpace(msg)
	for _, d := range sess.device.Dialogues {
		if !strings.EqualFold(d.Q, msg) {
			continue
		}
		if d.Block != nil {
			return d.Block.Encode()
		}
		if d.R == "" {
			return nil, nil
		}
		return []byte(d.R), nil
	}

	for pname, p := range sess.device.Properties {
		if p.Getter != "" && strings.EqualFold(p.Getter, msg) {
			return []byte(sess.props[pname]), nil
		}
		if p.Setter != "" && len(msg) >= len(p.Setter) && strings.EqualFold(msg[:len(p.Setter)], p.Setter) {
			sess.props[pname] = strings.TrimSpace(msg[len(p.Setter):])
			return nil, nil
		}
	}

	if sess.device.Error == "" {
		return nil, nil
	}
	return []byte(sess.device.Error), nil
}

// Read implements backend.Backend.
func (b *Backend) Read(ctx context.Context, s backend.Session, buf []byte) (int, constants.StatusCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[s]
	if !ok {
		return 0, constants.StatusErrorInvalidObject, backend.ErrInvalidSession
	}
	if sess.output.Len() == 0 {
		return 0, constants.StatusErrorTimeout, constants.NewError("viRead", constants.StatusErrorTimeout)
	}

	pending := sess.output.Bytes()
	limit := min(len(buf), len(pending))
	if sess.termCharEnabled {
		if idx := bytes.IndexByte(pending[:limit], sess.termChar); idx >= 0 {
			n := copy(buf, sess.output.Next(idx+1))
			return n, constants.StatusSuccessTermChar, nil
		}
	}

	n := copy(buf, sess.output.Next(limit))
	if sess.output.Len() == 0 {
		// END asserted with the last byte.
		return n, constants.StatusSuccess, nil
	}
	return n, constants.StatusSuccessMaxCount, nil
}

// SetAttribute implements backend.Backend.
func (b *Backend) SetAttribute(s backend.Session, attr constants.Attribute, value uint64) (constants.StatusCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[s]
	if !ok {
		return constants.StatusErrorInvalidObject, backend.ErrInvalidSession
	}
	switch attr {
	case constants.AttrTermChar:
		sess.termChar = byte(value)
	case constants.AttrTermCharEnabled:
		sess.termCharEnabled = value != 0
	case constants.AttrTimeoutValue, constants.AttrSendEndEnabled, constants.AttrSuppressEndEnable:
		// Accepted, the simulator never blocks.
	default:
		return constants.StatusErrorNotSupported, fmt.Errorf("attribute 0x%08X: %w", uint32(attr), constants.StatusErrorNotSupported)
	}
	return constants.StatusSuccess, nil
}

// Close implements backend.Backend.
func (b *Backend) Close(s backend.Session) (constants.StatusCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.managers[s] {
		delete(b.managers, s)
		return constants.StatusSuccess, nil
	}
	if _, ok := b.sessions[s]; ok {
		delete(b.sessions, s)
		b.logger.Debug("closed", "session", s)
		return constants.StatusSuccess, nil
	}
	return constants.StatusErrorInvalidObject, backend.ErrInvalidSession
}
