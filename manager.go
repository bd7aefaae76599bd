package visa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/config"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/rname"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed
	// resource manager or resource.
	ErrClosed = errors.New("visa: use of closed session")
)

// DefaultBackend is used when neither an option nor the configuration file
// selects one.
const DefaultBackend = "sim"

// DefaultQuery lists every INSTR resource.
const DefaultQuery = "?*::INSTR"

// State is the lifecycle state of a resource manager or resource.
type State int

const (
	// StateOpened means the session is usable.
	StateOpened State = iota
	// StateClosed means the session was closed and cannot be reopened.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpened:
		return "Opened"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// managerOptions collects the Option values.
type managerOptions struct {
	spec    string
	backend backend.Backend
	config  config.Options
	logger  *log.Logger
}

// Option configures NewResourceManager.
type Option func(*managerOptions)

// WithBackend selects the backend with a PyVISA style specification:
// "@sim", "@tcpip", "/opt/lib/libvisa.so@ivi" or a bare library path.
func WithBackend(spec string) Option {
	return func(o *managerOptions) {
		o.spec = spec
	}
}

// WithBackendInstance uses an already created backend.
func WithBackendInstance(b backend.Backend) Option {
	return func(o *managerOptions) {
		o.backend = b
	}
}

// WithConfig sets where the .visarc configuration file is searched.
func WithConfig(opts config.Options) Option {
	return func(o *managerOptions) {
		o.config = opts
	}
}

// WithLogger overrides the package logger for this resource manager.
func WithLogger(l *log.Logger) Option {
	return func(o *managerOptions) {
		o.logger = l
	}
}

// ResourceManager is the entry point to a backend: it owns the default
// resource manager session and every resource opened through it.
type ResourceManager struct {
	mu sync.Mutex

	id      uuid.UUID
	backend backend.Backend
	session backend.Session
	state   State
	logger  *log.Logger

	resources map[*MessageResource]struct{}
}

// NewResourceManager instantiates the selected backend and opens its
// default resource manager session.
func NewResourceManager(ctx context.Context, opts ...Option) (*ResourceManager, error) {
	o := managerOptions{logger: Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.config.Logger == nil {
		o.config.Logger = o.logger
	}

	b := o.backend
	if b == nil {
		var err error
		b, err = selectBackend(o)
		if err != nil {
			return nil, err
		}
	}

	rm := &ResourceManager{
		id:        uuid.New(),
		backend:   b,
		resources: make(map[*MessageResource]struct{}),
	}
	rm.logger = o.logger.With("rm", rm.id.String()[:8], "backend", b.Name())
	if l, ok := b.(interface{ SetLogger(*log.Logger) }); ok {
		l.SetLogger(o.logger)
	}

	session, status, err := b.OpenDefaultResourceManager(ctx)
	if err != nil {
		shutdown(b)
		return nil, fmt.Errorf("open default resource manager: %w", err)
	}
	rm.session = session
	rm.logger.Debug("created resource manager", "session", session, "status", status)
	return rm, nil
}

// selectBackend resolves the backend from the options, then the
// configuration file, then DefaultBackend.
func selectBackend(o managerOptions) (backend.Backend, error) {
	spec := o.spec
	if spec == "" {
		cfg, err := config.Load(o.config)
		if err != nil {
			o.logger.Warn("ignoring configuration file", "err", err)
		} else if cfg.DefaultBackend != "" {
			spec = "@" + strings.TrimPrefix(cfg.DefaultBackend, "@")
		}
	}
	if spec == "" {
		spec = "@" + DefaultBackend
	}

	lib, name := backend.ParseSpec(spec)
	if name == "" {
		name = DefaultBackend
	}
	o.logger.Debug("selecting backend", "name", name, "library", lib)
	return backend.NewWithConfig(name, lib, o.config)
}

// shutdown stops backends that run out of process.
func shutdown(b backend.Backend) {
	if s, ok := b.(interface{ Shutdown() }); ok {
		s.Shutdown()
	}
}

// ID returns the unique identifier of the resource manager.
func (rm *ResourceManager) ID() uuid.UUID {
	return rm.id
}

// Backend returns the backend used by the resource manager.
func (rm *ResourceManager) Backend() backend.Backend {
	return rm.backend
}

// Session returns the default resource manager session.
func (rm *ResourceManager) Session() backend.Session {
	return rm.session
}

// State returns the current state.
func (rm *ResourceManager) State() State {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state
}

func (rm *ResourceManager) String() string {
	return fmt.Sprintf("Resource Manager of %s backend", rm.backend.Name())
}

func (rm *ResourceManager) checkOpen() error {
	if rm.state == StateClosed {
		return fmt.Errorf("%w: resource manager", ErrClosed)
	}
	return nil
}

// ListResources returns the resources matching query, a viFindRsrc
// expression. An empty query means DefaultQuery. No match is an empty
// list, not an error.
func (rm *ResourceManager) ListResources(ctx context.Context, query string) ([]string, error) {
	rm.mu.Lock()
	err := rm.checkOpen()
	rm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if query == "" {
		query = DefaultQuery
	}
	names, err := rm.backend.ListResources(ctx, rm.session, query)
	if errors.Is(err, constants.StatusErrorResourceNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list resources %q: %w", query, err)
	}
	return names, nil
}

// ListResourcesInfo is ListResources with every name parsed. Names the
// parser does not understand are skipped and logged.
func (rm *ResourceManager) ListResourcesInfo(ctx context.Context, query string) (map[string]rname.Name, error) {
	names, err := rm.ListResources(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make(map[string]rname.Name, len(names))
	for _, name := range names {
		info, err := rname.Parse(name)
		if err != nil {
			rm.logger.Debug("skipping resource", "resource", name, "err", err)
			continue
		}
		out[name] = info
	}
	return out, nil
}

// ResourceOption configures OpenResource.
type ResourceOption func(*resourceOptions)

type resourceOptions struct {
	accessMode       constants.AccessMode
	openTimeout      time.Duration
	timeout          time.Duration
	readTermination  *string
	writeTermination *string
}

// WithAccessMode sets the lock requested when opening.
func WithAccessMode(mode constants.AccessMode) ResourceOption {
	return func(o *resourceOptions) { o.accessMode = mode }
}

// WithOpenTimeout bounds how long Open waits for a lock or connection.
func WithOpenTimeout(d time.Duration) ResourceOption {
	return func(o *resourceOptions) { o.openTimeout = d }
}

// WithTimeout sets the I/O timeout. Use Infinite to wait forever.
func WithTimeout(d time.Duration) ResourceOption {
	return func(o *resourceOptions) { o.timeout = d }
}

// WithReadTermination sets the read termination, "" to disable it.
func WithReadTermination(term string) ResourceOption {
	return func(o *resourceOptions) { o.readTermination = &term }
}

// WithWriteTermination sets the string appended by Write.
func WithWriteTermination(term string) ResourceOption {
	return func(o *resourceOptions) { o.writeTermination = &term }
}

// OpenResource opens a message based resource.
func (rm *ResourceManager) OpenResource(ctx context.Context, name string, opts ...ResourceOption) (*MessageResource, error) {
	o := resourceOptions{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	rm.mu.Lock()
	err := rm.checkOpen()
	rm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	session, status, err := rm.backend.Open(ctx, rm.session, name, backend.OpenOptions{
		AccessMode:  o.accessMode,
		OpenTimeout: o.openTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if status == constants.StatusSuccessDeviceNotPresent {
		rm.logger.Warn("device not present", "resource", name)
	}

	r := &MessageResource{
		rm:               rm,
		name:             name,
		session:          session,
		logger:           rm.logger.With("resource", name),
		chunkSize:        DefaultChunkSize,
		writeTermination: DefaultWriteTermination,
	}

	readTerm := DefaultReadTermination
	if o.readTermination != nil {
		readTerm = *o.readTermination
	}
	if o.writeTermination != nil {
		r.writeTermination = *o.writeTermination
	}
	err = r.SetTimeout(o.timeout)
	if err == nil {
		err = r.SetReadTermination(readTerm)
	}
	if err != nil {
		_, _ = rm.backend.Close(session)
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.state == StateClosed {
		_, _ = rm.backend.Close(session)
		return nil, fmt.Errorf("%w: resource manager", ErrClosed)
	}
	rm.resources[r] = struct{}{}
	r.logger.Debug("opened resource", "session", session)
	return r, nil
}

func (rm *ResourceManager) forget(r *MessageResource) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.resources, r)
}

// Close closes every open resource, then the resource manager session.
// All failures are returned together. Closing twice is a no-op.
func (rm *ResourceManager) Close() error {
	rm.mu.Lock()
	if rm.state == StateClosed {
		rm.mu.Unlock()
		return nil
	}
	rm.state = StateClosed
	resources := make([]*MessageResource, 0, len(rm.resources))
	for r := range rm.resources {
		resources = append(resources, r)
	}
	rm.resources = map[*MessageResource]struct{}{}
	rm.mu.Unlock()

	var result *multierror.Error
	for _, r := range resources {
		if err := r.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if _, err := rm.backend.Close(rm.session); err != nil {
		result = multierror.Append(result, fmt.Errorf("close resource manager: %w", err))
	}
	shutdown(rm.backend)

	rm.logger.Debug("closed resource manager", "resources", len(resources))
	return result.ErrorOrNil()
}
