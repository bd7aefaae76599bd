package visa

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSim(t *testing.T, name string, opts ...ResourceOption) *MessageResource {
	t.Helper()
	rm := newSimManager(t)
	r, err := rm.OpenResource(context.Background(), name, opts...)
	require.NoError(t, err)
	return r
}

func openRecorder(t *testing.T) (*MessageResource, *recorder, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	rec := newRecorder()
	rm, err := NewResourceManager(context.Background(), WithBackendInstance(rec), WithLogger(log.New(&logs)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rm.Close() })

	r, err := rm.OpenResource(context.Background(), "GPIB0::1::INSTR")
	require.NoError(t, err)
	return r, rec, &logs
}

func TestQuery(t *testing.T) {
	dmm := openSim(t, "TCPIP0::localhost::inst0::INSTR")

	idn, err := dmm.Query(context.Background(), "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "SIMULATED,DMM-100,0001,1.0", idn)
	assert.Equal(t, "MessageResource at TCPIP0::localhost::inst0::INSTR", dmm.String())
	assert.Equal(t, DefaultTimeout, dmm.Timeout())
}

func TestTerminations(t *testing.T) {
	ctx := context.Background()
	source := openSim(t, "ASRL1::INSTR",
		WithReadTermination("\r\n"), WithWriteTermination("\r\n"))

	_, err := source.Write(ctx, "VOLT 1.5")
	require.NoError(t, err)
	volt, err := source.Query(ctx, "VOLT?")
	require.NoError(t, err)
	assert.Equal(t, "1.5", volt)

	reply, err := source.Query(ctx, "BOGUS")
	require.NoError(t, err)
	assert.Equal(t, `-113,"Undefined header"`, reply)
	assert.Equal(t, "\r\n", source.ReadTermination())
	assert.Equal(t, "\r\n", source.WriteTermination())
}

func TestWrongWriteTerminationTimesOut(t *testing.T) {
	source := openSim(t, "ASRL1::INSTR")

	_, err := source.Query(context.Background(), "*IDN?")
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.StatusErrorTimeout)
}

func TestReadRawInChunks(t *testing.T) {
	ctx := context.Background()
	dmm := openSim(t, "TCPIP0::localhost::inst0::INSTR")
	dmm.SetChunkSize(4)

	_, err := dmm.Write(ctx, "*IDN?")
	require.NoError(t, err)
	raw, err := dmm.ReadRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SIMULATED,DMM-100,0001,1.0\n", string(raw))
}

func TestReadWithoutTermination(t *testing.T) {
	r, rec, logs := openRecorder(t)
	rec.respond([]byte("partial"))

	msg, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "partial", msg)
	assert.Contains(t, logs.String(), "read string doesn't end with termination characters")
}

func TestWriteAlreadyTerminated(t *testing.T) {
	r, rec, logs := openRecorder(t)

	n, err := r.Write(context.Background(), "*RST\n")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "*RST\n\n", string(rec.writes()))
	assert.Contains(t, logs.String(), "write message already ends with termination characters")
}

func TestReadBytes(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.readSize = 3
	rec.respond([]byte("ab\ncdefgh"))

	data, err := r.ReadBytes(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "ab\ncd", string(data))

	data, err = r.ReadBytes(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "efgh", string(data))
}

func TestReadBytesNegativeCount(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.respond([]byte("abc\n"))

	_, err := r.ReadBytes(context.Background(), -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative read count")

	// The pending response is untouched.
	data, err := r.ReadBytes(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, data)
	reply, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", reply)
}

func TestTimeoutAttribute(t *testing.T) {
	r, rec, _ := openRecorder(t)
	assert.Equal(t, uint64(DefaultTimeout.Milliseconds()), rec.attrs[constants.AttrTimeoutValue])

	require.NoError(t, r.SetTimeout(Infinite))
	assert.Equal(t, Infinite, r.Timeout())
	assert.Equal(t, uint64(constants.TimeoutInfinite), rec.attrs[constants.AttrTimeoutValue])

	require.NoError(t, r.SetTimeout(500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, r.Timeout())
	assert.Equal(t, uint64(500), rec.attrs[constants.AttrTimeoutValue])
}

func TestReadTerminationAttributes(t *testing.T) {
	r, rec, _ := openRecorder(t)
	assert.Equal(t, uint64('\n'), rec.attrs[constants.AttrTermChar])
	assert.Equal(t, uint64(1), rec.attrs[constants.AttrTermCharEnabled])

	require.NoError(t, r.SetReadTermination("\r\n"))
	assert.Equal(t, uint64('\n'), rec.attrs[constants.AttrTermChar])

	require.NoError(t, r.SetReadTermination(";"))
	assert.Equal(t, uint64(';'), rec.attrs[constants.AttrTermChar])

	require.NoError(t, r.SetReadTermination(""))
	assert.Equal(t, uint64(0), rec.attrs[constants.AttrTermCharEnabled])
	assert.Empty(t, r.ReadTermination())
}

func TestQueryDelayHonorsContext(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.respond([]byte("late\n"))
	r.SetQueryDelay(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Query(ctx, "*IDN?")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResourceClose(t *testing.T) {
	ctx := context.Background()
	dmm := openSim(t, "TCPIP0::localhost::inst0::INSTR")

	require.NoError(t, dmm.Close())
	assert.Equal(t, StateClosed, dmm.State())
	assert.NoError(t, dmm.Close())

	_, err := dmm.Write(ctx, "*IDN?")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = dmm.Read(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, dmm.SetTimeout(time.Second), ErrClosed)
	assert.ErrorIs(t, dmm.SetReadTermination("\n"), ErrClosed)
}

// startEcho serves a line based instrument answering "ECHO <line>".
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					if _, err := fmt.Fprintf(conn, "ECHO %s\n", scanner.Text()); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSocketResource(t *testing.T) {
	ctx := context.Background()
	port := startEcho(t)

	rm, err := NewResourceManager(ctx, WithBackend("@tcpip"))
	require.NoError(t, err)
	defer rm.Close()

	name := fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", port)
	inst, err := rm.OpenResource(ctx, name, WithTimeout(time.Second))
	require.NoError(t, err)

	reply, err := inst.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ECHO *IDN?", reply)

	names, err := rm.ListResources(ctx, "?*")
	require.NoError(t, err)
	assert.Contains(t, names, name)
}
