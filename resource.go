package visa

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
)

const (
	// DefaultTimeout is the I/O timeout of a new resource.
	DefaultTimeout = 2 * time.Second
	// Infinite disables the I/O timeout.
	Infinite time.Duration = -1
	// DefaultChunkSize is the size of a single backend read.
	DefaultChunkSize = 20 * 1024
	// DefaultReadTermination ends instrument responses.
	DefaultReadTermination = "\n"
	// DefaultWriteTermination is appended by Write.
	DefaultWriteTermination = "\n"
)

// MessageResource is an open message based instrument session: the
// instrument accepts strings terminated by WriteTermination and answers
// strings terminated by ReadTermination.
type MessageResource struct {
	rm      *ResourceManager
	name    string
	session backend.Session
	logger  *log.Logger

	mu               sync.Mutex
	state            State
	timeout          time.Duration
	readTermination  string
	writeTermination string
	chunkSize        int
	queryDelay       time.Duration
}

// Name returns the resource name used to open the resource.
func (r *MessageResource) Name() string { return r.name }

// Session returns the backend session.
func (r *MessageResource) Session() backend.Session { return r.session }

// ResourceManager returns the resource manager that opened the resource.
func (r *MessageResource) ResourceManager() *ResourceManager { return r.rm }

func (r *MessageResource) String() string {
	return fmt.Sprintf("MessageResource at %s", r.name)
}

// State returns the current state.
func (r *MessageResource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *MessageResource) checkOpen() error {
	if r.state == StateClosed {
		return fmt.Errorf("%w: %s", ErrClosed, r.name)
	}
	return nil
}

// Timeout returns the I/O timeout, Infinite when disabled.
func (r *MessageResource) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// SetTimeout sets the I/O timeout. A negative value means Infinite.
func (r *MessageResource) SetTimeout(d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	value := uint64(constants.TimeoutInfinite)
	if d >= 0 {
		value = uint64(d.Milliseconds())
	} else {
		d = Infinite
	}
	if _, err := r.rm.backend.SetAttribute(r.session, constants.AttrTimeoutValue, value); err != nil {
		return fmt.Errorf("set timeout: %w", err)
	}
	r.timeout = d
	return nil
}

// ReadTermination returns the read termination.
func (r *MessageResource) ReadTermination() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readTermination
}

// SetReadTermination sets the string ending instrument responses. Its last
// character becomes the backend termination character. An empty string
// disables termination character handling.
func (r *MessageResource) SetReadTermination(term string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	b := r.rm.backend
	if term == "" {
		if _, err := b.SetAttribute(r.session, constants.AttrTermCharEnabled, 0); err != nil {
			return fmt.Errorf("disable termination character: %w", err)
		}
		r.readTermination = ""
		return nil
	}

	if _, err := b.SetAttribute(r.session, constants.AttrTermChar, uint64(term[len(term)-1])); err != nil {
		return fmt.Errorf("set termination character: %w", err)
	}
	if _, err := b.SetAttribute(r.session, constants.AttrTermCharEnabled, 1); err != nil {
		return fmt.Errorf("enable termination character: %w", err)
	}
	r.readTermination = term
	return nil
}

// WriteTermination returns the string appended by Write.
func (r *MessageResource) WriteTermination() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeTermination
}

// SetWriteTermination sets the string appended by Write.
func (r *MessageResource) SetWriteTermination(term string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeTermination = term
}

// SetChunkSize sets the size of a single backend read.
func (r *MessageResource) SetChunkSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		n = DefaultChunkSize
	}
	r.chunkSize = n
}

// SetQueryDelay sets the pause between the write and the read of a query.
func (r *MessageResource) SetQueryDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryDelay = d
}

// settings snapshots the fields used by a single I/O operation.
func (r *MessageResource) settings() (readTerm, writeTerm string, chunk int, delay time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readTermination, r.writeTermination, r.chunkSize, r.queryDelay, r.checkOpen()
}

// WriteRaw writes data as is.
func (r *MessageResource) WriteRaw(ctx context.Context, data []byte) (int, error) {
	if _, _, _, _, err := r.settings(); err != nil {
		return 0, err
	}
	n, _, err := r.rm.backend.Write(ctx, r.session, data)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", r.name, err)
	}
	r.logger.Debug("write", "count", n)
	return n, nil
}

// Write writes msg followed by the write termination.
func (r *MessageResource) Write(ctx context.Context, msg string) (int, error) {
	_, term, _, _, err := r.settings()
	if err != nil {
		return 0, err
	}
	if term != "" && strings.HasSuffix(msg, term) {
		r.logger.Warn("write message already ends with termination characters", "message", msg)
	}
	r.logger.Debug("writing", "message", msg)
	return r.WriteRaw(ctx, []byte(msg+term))
}

// readChunk performs a single backend read of up to size bytes.
func (r *MessageResource) readChunk(ctx context.Context, size int) ([]byte, constants.StatusCode, error) {
	buf := make([]byte, size)
	n, status, err := r.rm.backend.Read(ctx, r.session, buf)
	if err != nil {
		return buf[:n], status, fmt.Errorf("read %s: %w", r.name, err)
	}
	return buf[:n], status, nil
}

// ReadRaw reads until the instrument signals the end of the message (END
// or the termination character).
func (r *MessageResource) ReadRaw(ctx context.Context) ([]byte, error) {
	_, _, chunk, _, err := r.settings()
	if err != nil {
		return nil, err
	}

	var out []byte
	for {
		data, status, err := r.readChunk(ctx, chunk)
		out = append(out, data...)
		if err != nil {
			return out, err
		}
		if status != constants.StatusSuccessMaxCount {
			r.logger.Debug("read", "count", len(out), "status", status)
			return out, nil
		}
	}
}

// ReadBytes reads exactly count bytes, ignoring termination characters
// met on the way. It stops early only when the instrument asserts END
// before count bytes were received.
func (r *MessageResource) ReadBytes(ctx context.Context, count int) ([]byte, error) {
	if count < 0 {
		return nil, fmt.Errorf("%s: negative read count %d", r.name, count)
	}
	_, _, chunk, _, err := r.settings()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, count)
	for len(out) < count {
		data, status, err := r.readChunk(ctx, min(chunk, count-len(out)))
		out = append(out, data...)
		if err != nil {
			return out, err
		}
		if status == constants.StatusSuccess {
			break
		}
	}
	return out, nil
}

// Read reads a message and removes the read termination.
func (r *MessageResource) Read(ctx context.Context) (string, error) {
	term, _, _, _, err := r.settings()
	if err != nil {
		return "", err
	}
	raw, err := r.ReadRaw(ctx)
	if err != nil {
		return "", err
	}

	msg := string(raw)
	if term == "" {
		return msg, nil
	}
	if !strings.HasSuffix(msg, term) {
		r.logger.Warn("read string doesn't end with termination characters", "message", msg)
		return msg, nil
	}
	return strings.TrimSuffix(msg, term), nil
}

// Query writes msg, waits for the query delay and reads the response.
func (r *MessageResource) Query(ctx context.Context, msg string) (string, error) {
	if err := r.writeAndWait(ctx, msg); err != nil {
		return "", err
	}
	return r.Read(ctx)
}

func (r *MessageResource) writeAndWait(ctx context.Context, msg string) error {
	if _, err := r.Write(ctx, msg); err != nil {
		return err
	}
	_, _, _, delay, err := r.settings()
	if err != nil || delay <= 0 {
		return err
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the resource. Closing twice is a no-op.
func (r *MessageResource) Close() error {
	err := r.close()
	r.rm.forget(r)
	return err
}

func (r *MessageResource) close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosed
	r.mu.Unlock()

	if _, err := r.rm.backend.Close(r.session); err != nil {
		return fmt.Errorf("close %s: %w", r.name, err)
	}
	r.logger.Debug("closed resource")
	return nil
}
