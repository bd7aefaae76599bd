package visa

import (
	"bytes"
	"context"
	"sync"

	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
)

// recorder is a backend that stores what is written and serves canned
// responses in fixed size reads.
type recorder struct {
	mu        sync.Mutex
	next      backend.Session
	open      map[backend.Session]bool
	written   bytes.Buffer
	pending   bytes.Buffer
	readSize  int
	attrs     map[constants.Attribute]uint64
	failClose map[backend.Session]bool
	shutdowns int
}

func newRecorder() *recorder {
	return &recorder{
		open:      make(map[backend.Session]bool),
		attrs:     make(map[constants.Attribute]uint64),
		failClose: make(map[backend.Session]bool),
	}
}

func (f *recorder) respond(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.Write(data)
}

func (f *recorder) Name() string { return "recorder" }
func (f *recorder) LibraryPaths() []*library.Path { return nil }
func (f *recorder) DebugInfo() (backend.DebugInfo, error) { return backend.DebugInfo{}, nil }

func (f *recorder) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *recorder) session() backend.Session {
	f.next++
	f.open[f.next] = true
	return f.next
}

func (f *recorder) OpenDefaultResourceManager(context.Context) (backend.Session, constants.StatusCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session(), constants.StatusSuccess, nil
}

func (f *recorder) ListResources(context.Context, backend.Session, string) ([]string, error) {
	return nil, constants.NewError("viFindRsrc", constants.StatusErrorResourceNotFound)
}

func (f *recorder) Open(context.Context, backend.Session, string, backend.OpenOptions) (backend.Session, constants.StatusCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session(), constants.StatusSuccess, nil
}

func (f *recorder) Read(_ context.Context, _ backend.Session, buf []byte) (int, constants.StatusCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending.Len() == 0 {
		return 0, constants.StatusErrorTimeout, constants.NewError("viRead", constants.StatusErrorTimeout)
	}
	limit := len(buf)
	if f.readSize > 0 {
		limit = min(limit, f.readSize)
	}
	n, _ := f.pending.Read(buf[:limit])
	if f.pending.Len() == 0 {
		return n, constants.StatusSuccess, nil
	}
	return n, constants.StatusSuccessMaxCount, nil
}

func (f *recorder) Write(_ context.Context, _ backend.Session, data []byte) (int, constants.StatusCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written.Write(data)
	return len(data), constants.StatusSuccess, nil
}

func (f *recorder) SetAttribute(_ backend.Session, attr constants.Attribute, value uint64) (constants.StatusCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs[attr] = value
	return constants.StatusSuccess, nil
}

func (f *recorder) Close(s backend.Session) (constants.StatusCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClose[s] {
		return constants.StatusErrorClosingFailed, constants.NewError("viClose", constants.StatusErrorClosingFailed)
	}
	delete(f.open, s)
	return constants.StatusSuccess, nil
}

func (f *recorder) writes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.written.Bytes())
}
