package tcpip

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startInstrument runs a line based fake instrument answering *IDN? and
// SPLIT?, the latter in two segments, and ignoring everything else. It returns the SOCKET resource name.
func startInstrument(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					switch strings.TrimSpace(line) {
					case "*IDN?":
						fmt.Fprint(c, "FAKE,SOCKET,42,1.0\n")
					case "SPLIT?":
						fmt.Fprint(c, "#210HELLO")
						time.Sleep(50 * time.Millisecond)
						fmt.Fprint(c, "WORLD\n")
					case "BYE":
						return
					}
				}
			}(conn)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", port)
}

func openSession(t *testing.T, b *Backend, name string) (backend.Session, backend.Session) {
	t.Helper()
	rm, _, err := b.OpenDefaultResourceManager(context.Background())
	require.NoError(t, err)
	s, status, err := b.Open(context.Background(), rm, name, backend.OpenOptions{})
	require.NoError(t, err)
	require.Equal(t, constants.StatusSuccess, status)
	t.Cleanup(func() { b.Close(s) })
	return rm, s
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, backend.List(), Name)
}

func TestQueryWithTermChar(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, err := b.SetAttribute(s, constants.AttrTermCharEnabled, 1)
	require.NoError(t, err)

	n, _, err := b.Write(context.Background(), s, []byte("*IDN?\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 64)
	n, status, err := b.Read(context.Background(), s, buf)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccessTermChar, status)
	assert.Equal(t, "FAKE,SOCKET,42,1.0\n", string(buf[:n]))
}

func TestReadCount(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, err := b.SetAttribute(s, constants.AttrTermCharEnabled, 1)
	require.NoError(t, err)
	_, _, err = b.Write(context.Background(), s, []byte("*IDN?\n"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, status, err := b.Read(context.Background(), s, buf)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccessMaxCount, status)
	assert.Equal(t, "FAKE", string(buf[:n]))

	// The rest stays buffered.
	buf = make([]byte, 64)
	n, _, err = b.Read(context.Background(), s, buf)
	require.NoError(t, err)
	assert.Equal(t, ",SOCKET,42,1.0\n", string(buf[:n]))
}

func TestReadTimeout(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, err := b.SetAttribute(s, constants.AttrTimeoutValue, 50)
	require.NoError(t, err)

	start := time.Now()
	_, status, err := b.Read(context.Background(), s, make([]byte, 16))
	assert.ErrorIs(t, err, constants.StatusErrorTimeout)
	assert.Equal(t, constants.StatusErrorTimeout, status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadContextCanceled(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, err := b.SetAttribute(s, constants.AttrTimeoutValue, uint64(constants.TimeoutInfinite))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, status, err := b.Read(ctx, s, make([]byte, 16))
	assert.Error(t, err)
	assert.Equal(t, constants.StatusErrorTimeout, status)
}

func TestConnectionLost(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, _, err := b.Write(context.Background(), s, []byte("BYE\n"))
	require.NoError(t, err)

	_, status, err := b.Read(context.Background(), s, make([]byte, 16))
	assert.ErrorIs(t, err, constants.StatusErrorConnectionLost)
	assert.Equal(t, constants.StatusErrorConnectionLost, status)
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	b := New()
	b.DialAttempts = 2
	b.DialBackoff = time.Millisecond
	rm, _, err := b.OpenDefaultResourceManager(context.Background())
	require.NoError(t, err)

	_, status, err := b.Open(context.Background(), rm, fmt.Sprintf("TCPIP::127.0.0.1::%d::SOCKET", port), backend.OpenOptions{})
	assert.ErrorIs(t, err, constants.StatusErrorResourceNotFound)
	assert.Equal(t, constants.StatusErrorResourceNotFound, status)
}

func TestOpenUnsupported(t *testing.T) {
	b := New()
	rm, _, err := b.OpenDefaultResourceManager(context.Background())
	require.NoError(t, err)

	_, status, err := b.Open(context.Background(), rm, "GPIB0::1::INSTR", backend.OpenOptions{})
	assert.ErrorIs(t, err, constants.StatusErrorNotSupported)
	assert.Equal(t, constants.StatusErrorNotSupported, status)

	_, _, err = b.Open(context.Background(), rm, "nonsense", backend.OpenOptions{})
	assert.ErrorIs(t, err, constants.StatusErrorInvalidResourceName)

	_, _, err = b.Open(context.Background(), rm+10, "TCPIP::127.0.0.1::1::SOCKET", backend.OpenOptions{})
	assert.ErrorIs(t, err, backend.ErrInvalidSession)
}

func TestListOpenSessions(t *testing.T) {
	b := New()
	name := startInstrument(t)
	rm, _ := openSession(t, b, name)

	names, err := b.ListResources(context.Background(), rm, "?*::SOCKET")
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)

	_, err = b.ListResources(context.Background(), rm, "GPIB?*")
	assert.ErrorIs(t, err, constants.StatusErrorResourceNotFound)
}

func TestCloseTwice(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, err := b.Close(s)
	require.NoError(t, err)
	_, err = b.Close(s)
	assert.ErrorIs(t, err, backend.ErrInvalidSession)

	_, _, err = b.Read(context.Background(), s, make([]byte, 1))
	assert.ErrorIs(t, err, backend.ErrInvalidSession)
}

func TestShortReadIsNotEnd(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, _, err := b.Write(context.Background(), s, []byte("SPLIT?\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, status, err := b.Read(context.Background(), s, buf)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccessMaxCount, status)
	assert.Equal(t, "#210HELLO", string(buf[:n]))

	n, status, err = b.Read(context.Background(), s, buf)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccessMaxCount, status)
	assert.Equal(t, "WORLD\n", string(buf[:n]))
}

func TestZeroTimeout(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, err := b.SetAttribute(s, constants.AttrTimeoutValue, 0)
	require.NoError(t, err)

	// Writes are not bounded by a zero timeout.
	_, _, err = b.Write(context.Background(), s, []byte("BYE?\n"))
	require.NoError(t, err)

	start := time.Now()
	_, status, err := b.Read(context.Background(), s, make([]byte, 16))
	assert.ErrorIs(t, err, constants.StatusErrorTimeout)
	assert.Equal(t, constants.StatusErrorTimeout, status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInfiniteTimeout(t *testing.T) {
	b := New()
	_, s := openSession(t, b, startInstrument(t))

	_, err := b.SetAttribute(s, constants.AttrTimeoutValue, uint64(constants.TimeoutInfinite))
	require.NoError(t, err)
	_, err = b.SetAttribute(s, constants.AttrTermCharEnabled, 1)
	require.NoError(t, err)

	_, _, err = b.Write(context.Background(), s, []byte("SPLIT?\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, status, err := b.Read(context.Background(), s, buf)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusSuccessTermChar, status)
	assert.Equal(t, "#210HELLOWORLD\n", string(buf[:n]))
}
