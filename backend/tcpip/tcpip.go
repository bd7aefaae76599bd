// Package tcpip implements a backend that talks to TCPIP SOCKET resources
// directly, without a vendor VISA library.
//
// Each session owns one TCP connection. Reads go through a buffered reader
// so that termination character handling does not lose data between calls,
// and writes are serialized by a mutex. Timeouts are implemented with
// connection deadlines:
//
//	Open ──dial (with retry)──► conn
//	Write ─► SetWriteDeadline ─► conn.Write
//	Read  ─► SetReadDeadline  ─► bufio.Reader ─► until term char, count or timeout
//
// A raw socket has no END indicator. Without the termination character a
// read never reports the end of a message: a short read returns
// VI_SUCCESS_MAX_CNT and the caller decides whether to read on.
//
// A zero timeout makes a read time out unless data is already buffered.
// Writes are only bounded by a non-zero timeout.
//
// Instruments are not discoverable on a raw socket, so ListResources only
// reports the sessions that are currently open.
package tcpip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sethvargo/go-retry"
	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
	"github.com/smnsjas/go-visacore/rname"
)

// Name is the registered backend name.
const Name = "tcpip"

const (
	// DefaultTimeout is the I/O timeout of a new session.
	DefaultTimeout = 2 * time.Second
	// DefaultDialAttempts is the number of connection attempts.
	DefaultDialAttempts = 3
	// DefaultDialBackoff is the delay before the first retry. It doubles on
	// every attempt.
	DefaultDialBackoff = 100 * time.Millisecond
)

func init() {
	backend.Register(Name, func() (backend.Backend, error) { return New(), nil })
}

// Backend opens SOCKET resources over TCP.
type Backend struct {
	// DialAttempts is the number of connection attempts per Open.
	DialAttempts uint64
	// DialBackoff is the delay before the first retry.
	DialBackoff time.Duration

	mu       sync.Mutex
	logger   *log.Logger
	next     backend.Session
	managers map[backend.Session]bool
	sessions map[backend.Session]*session
}

// session is one open connection.
type session struct {
	name   string
	conn   net.Conn
	reader *bufio.Reader

	readMu  sync.Mutex
	writeMu sync.Mutex

	attrMu          sync.Mutex
	timeout         time.Duration
	infinite        bool
	termChar        byte
	termCharEnabled bool
}

// New returns a tcpip backend with default dial settings.
func New() *Backend {
	return &Backend{
		DialAttempts: DefaultDialAttempts,
		DialBackoff:  DefaultDialBackoff,
		logger:       log.New(io.Discard),
		managers:     make(map[backend.Session]bool),
		sessions:     make(map[backend.Session]*session),
	}
}

// SetLogger sets the logger for connection tracing.
func (b *Backend) SetLogger(logger *log.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger.With("backend", Name)
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// LibraryPaths implements backend.Backend. No library is needed.
func (b *Backend) LibraryPaths() []*library.Path {
	return nil
}

// DebugInfo implements backend.Backend.
func (b *Backend) DebugInfo() (backend.DebugInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return backend.DebugInfo{
		"Resource classes": []string{"TCPIP::SOCKET"},
		"Dial attempts":    strconv.FormatUint(b.DialAttempts, 10),
		"Open sessions":    strconv.Itoa(len(b.sessions)),
	}, nil
}

// OpenDefaultResourceManager implements backend.Backend.
func (b *Backend) OpenDefaultResourceManager(ctx context.Context) (backend.Session, constants.StatusCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.managers[b.next] = true
	return b.next, constants.StatusSuccess, nil
}

// ListResources implements backend.Backend.
func (b *Backend) ListResources(ctx context.Context, rm backend.Session, query string) ([]string, error) {
	b.mu.Lock()
	if !b.managers[rm] {
		b.mu.Unlock()
		return nil, backend.ErrInvalidSession
	}
	var names []string
	for _, s := range b.sessions {
		names = append(names, s.name)
	}
	b.mu.Unlock()

	sort.Strings(names)
	names, err := rname.Filter(query, names)
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
	valid := b.managers[rm]
	logger := b.logger
	b.mu.Unlock()
	if !valid {
		return 0, constants.StatusErrorInvalidObject, backend.ErrInvalidSession
	}

	n, err := rname.Parse(name)
	if err != nil {
		return 0, constants.StatusErrorInvalidResourceName, fmt.Errorf("%w: %v", constants.StatusErrorInvalidResourceName, err)
	}
	if n.Interface != constants.InterfaceTCPIP || n.Class != rname.ClassSocket {
		return 0, constants.StatusErrorNotSupported, fmt.Errorf("%s: %w", n, constants.StatusErrorNotSupported)
	}

	if opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.OpenTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
	conn, err := b.dial(ctx, addr, logger)
	if err != nil {
		return 0, constants.StatusErrorResourceNotFound, fmt.Errorf("connect %s: %w: %w", addr, constants.StatusErrorResourceNotFound, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.sessions[b.next] = &session{
		name:     n.String(),
		conn:     conn,
		reader:   bufio.NewReader(conn),
		timeout:  DefaultTimeout,
		termChar: '\n',
	}
	logger.Debug("connected", "session", b.next, "addr", addr)
	return b.next, constants.StatusSuccess, nil
}

func (b *Backend) dial(ctx context.Context, addr string, logger *log.Logger) (net.Conn, error) {
	attempts := max(b.DialAttempts, 1)
	policy := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(max(b.DialBackoff, time.Millisecond)))

	var d net.Dialer
	var conn net.Conn
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if retryable(err) {
				logger.Debug("dial failed, retrying", "addr", addr, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

// retryable reports whether a dial error may go away on its own.
func retryable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (b *Backend) session(s backend.Session) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[s]
	if !ok {
		return nil, backend.ErrInvalidSession
	}
	return sess, nil
}

// deadline returns the I/O deadline for the session timeout and ctx. For
// reads a zero timeout is an immediate deadline, for writes no deadline.
func (sess *session) deadline(ctx context.Context, read bool) time.Time {
	sess.attrMu.Lock()
	timeout, infinite := sess.timeout, sess.infinite
	sess.attrMu.Unlock()

	var d time.Time
	if !infinite && (timeout > 0 || read) {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// Write implements backend.Backend.
func (b *Backend) Write(ctx context.Context, s backend.Session, data []byte) (int, constants.StatusCode, error) {
	sess, err := b.session(s)
	if err != nil {
		return 0, constants.StatusErrorInvalidObject, err
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	if err := sess.conn.SetWriteDeadline(sess.deadline(ctx, false)); err != nil {
		return 0, constants.StatusErrorIO, fmt.Errorf("set write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.conn.SetWriteDeadline(time.Now()) })
	defer stop()

	n, err := sess.conn.Write(data)
	if err != nil {
		status := statusFor(err)
		return n, status, constants.NewError("viWrite", status)
	}
	return n, constants.StatusSuccess, nil
}

// Read implements backend.Backend. With the termination character enabled
// it reads until that character or until buf is full. Otherwise it returns
// whatever one network read delivers with VI_SUCCESS_MAX_CNT, never END.
func (b *Backend) Read(ctx context.Context, s backend.Session, buf []byte) (int, constants.StatusCode, error) {
	sess, err := b.session(s)
	if err != nil {
		return 0, constants.StatusErrorInvalidObject, err
	}
	if len(buf) == 0 {
		return 0, constants.StatusSuccessMaxCount, nil
	}

	sess.readMu.Lock()
	defer sess.readMu.Unlock()

	if err := sess.conn.SetReadDeadline(sess.deadline(ctx, true)); err != nil {
		return 0, constants.StatusErrorIO, fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.conn.SetReadDeadline(time.Now()) })
	defer stop()

	sess.attrMu.Lock()
	termChar, termEnabled := sess.termChar, sess.termCharEnabled
	sess.attrMu.Unlock()

	if !termEnabled {
		n, err := sess.reader.Read(buf)
		if err != nil {
			status := statusFor(err)
			return n, status, constants.NewError("viRead", status)
		}
		return n, constants.StatusSuccessMaxCount, nil
	}

	n := 0
	for n < len(buf) {
		c, err := sess.reader.ReadByte()
		if err != nil {
			status := statusFor(err)
			return n, status, constants.NewError("viRead", status)
		}
		buf[n] = c
		n++
		if c == termChar {
			return n, constants.StatusSuccessTermChar, nil
		}
	}
	return n, constants.StatusSuccessMaxCount, nil
}

// statusFor maps a network error to a VISA status.
func statusFor(err error) constants.StatusCode {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return constants.StatusErrorTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return constants.StatusErrorConnectionLost
	default:
		return constants.StatusErrorIO
	}
}

// SetAttribute implements backend.Backend.
func (b *Backend) SetAttribute(s backend.Session, attr constants.Attribute, value uint64) (constants.StatusCode, error) {
	sess, err := b.session(s)
	if err != nil {
		return constants.StatusErrorInvalidObject, err
	}

	sess.attrMu.Lock()
	defer sess.attrMu.Unlock()

	switch attr {
	case constants.AttrTimeoutValue:
		sess.infinite = uint32(value) == constants.TimeoutInfinite
		sess.timeout = 0
		if !sess.infinite {
			sess.timeout = time.Duration(value) * time.Millisecond
		}
	case constants.AttrTermChar:
		sess.termChar = byte(value)
	case constants.AttrTermCharEnabled:
		sess.termCharEnabled = value != 0
	case constants.AttrSendEndEnabled, constants.AttrSuppressEndEnable:
		// No END indicator on a raw socket.
	default:
		return constants.StatusErrorNotSupported, fmt.Errorf("attribute 0x%08X: %w", uint32(attr), constants.StatusErrorNotSupported)
	}
	return constants.StatusSuccess, nil
}

// Close implements backend.Backend.
func (b *Backend) Close(s backend.Session) (constants.StatusCode, error) {
	b.mu.Lock()
	if b.managers[s] {
		delete(b.managers, s)
		b.mu.Unlock()
		return constants.StatusSuccess, nil
	}
	sess, ok := b.sessions[s]
	delete(b.sessions, s)
	logger := b.logger
	b.mu.Unlock()

	if !ok {
		return constants.StatusErrorInvalidObject, backend.ErrInvalidSession
	}
	if err := sess.conn.Close(); err != nil {
		return constants.StatusErrorClosingFailed, fmt.Errorf("close %s: %w: %w", sess.name, constants.StatusErrorClosingFailed, err)
	}
	logger.Debug("disconnected", "session", s)
	return constants.StatusSuccess, nil
}
