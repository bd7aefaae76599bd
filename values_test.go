package visa

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/smnsjas/go-visacore/backend/sim"
	"github.com/smnsjas/go-visacore/blocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryASCIIValues(t *testing.T) {
	scope := openSim(t, "GPIB0::8::INSTR")

	values, err := QueryASCIIValues[float64](context.Background(), scope, "DATA:ASCII?", ASCIIOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1, 0.5, 0, -0.5, -1, -0.5}, values)
}

func TestQueryASCIIValuesBadData(t *testing.T) {
	dmm := openSim(t, "TCPIP0::localhost::inst0::INSTR")

	_, err := QueryASCIIValues[int](context.Background(), dmm, "*IDN?", ASCIIOptions{Converter: 'd'})
	assert.Error(t, err)
}

func TestQueryBinaryValues(t *testing.T) {
	scope := openSim(t, "GPIB0::8::INSTR")

	values, err := QueryBinaryValues[int16](context.Background(), scope, "CURV?",
		BinaryOptions{BigEndian: true})
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 512, 1024, 512, 0, -512, -1024, -512}, values)
}

func TestReadBinaryValuesIgnoresTermCharInData(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.readSize = 3

	block, err := blocks.EncodeIEEE([]uint8{10, 20, 10, 30}, false)
	require.NoError(t, err)
	rec.respond(append(block, '\n'))

	values, err := ReadBinaryValues[uint8](context.Background(), r, BinaryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []uint8{10, 20, 10, 30}, values)
}

func TestReadBinaryValuesLongHeader(t *testing.T) {
	r, rec, _ := openRecorder(t)

	data := make([]float32, 40)
	for i := range data {
		data[i] = float32(i) / 4
	}
	block, err := blocks.EncodeIEEE(data, false)
	require.NoError(t, err)
	rec.respond(append([]byte("CURV "), block...))

	values, err := ReadBinaryValues[float32](context.Background(), r, BinaryOptions{NoTermination: true})
	require.NoError(t, err)
	assert.Equal(t, data, values)
}

func TestReadBinaryValuesHP(t *testing.T) {
	r, rec, _ := openRecorder(t)

	block, err := blocks.EncodeHP([]int16{-1, 2, -3}, false)
	require.NoError(t, err)
	rec.respond(append(block, '\n'))

	values, err := ReadBinaryValues[int16](context.Background(), r, BinaryOptions{Format: BlockHP})
	require.NoError(t, err)
	assert.Equal(t, []int16{-1, 2, -3}, values)
}

func TestReadBinaryValuesIndefinite(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.readSize = 4
	rec.respond([]byte("#0\x01\x02\x03\x04\x05\n"))

	values, err := ReadBinaryValues[uint8](context.Background(), r, BinaryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 3, 4, 5}, values)
}

func TestReadBinaryValuesEmptyHeader(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.respond([]byte("\x00\x01\x00\x02\n"))

	values, err := ReadBinaryValues[uint16](context.Background(), r, BinaryOptions{Format: BlockEmpty, BigEndian: true})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, values)
}

func TestReadBinaryValuesIncomplete(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.respond([]byte("#210abc"))

	_, err := ReadBinaryValues[uint8](context.Background(), r, BinaryOptions{})
	assert.ErrorIs(t, err, blocks.ErrIncompleteBlock)
}

func TestReadBinaryValuesHeaderSplitAfterHash(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.readSize = 1
	rec.respond([]byte("#15hello\nnext\n"))

	values, err := ReadBinaryValues[uint8](context.Background(), r, BinaryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []uint8("hello"), values)

	rest, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "next", rest)
}

func TestReadBinaryValuesNoBlock(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.respond([]byte("hello\n"))

	_, err := ReadBinaryValues[uint8](context.Background(), r, BinaryOptions{})
	assert.ErrorIs(t, err, blocks.ErrNoBlockStart)
}

func TestWriteASCIIValues(t *testing.T) {
	r, rec, _ := openRecorder(t)

	_, err := WriteASCIIValues(context.Background(), r, "LIST ", []float64{1, 2.5}, ASCIIOptions{})
	require.NoError(t, err)
	assert.Equal(t, "LIST 1.000000,2.500000\n", string(rec.writes()))
}

func TestWriteASCIIValuesSeparator(t *testing.T) {
	r, rec, _ := openRecorder(t)

	_, err := WriteASCIIValues(context.Background(), r, "LIST ", []int{1, 2, 3}, ASCIIOptions{Converter: 'd', Separator: ";"})
	require.NoError(t, err)
	assert.Equal(t, "LIST 1;2;3\n", string(rec.writes()))
}

func TestWriteBinaryValues(t *testing.T) {
	r, rec, _ := openRecorder(t)

	_, err := WriteBinaryValues(context.Background(), r, "CURV ", []uint8{1, 10, 3}, BinaryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "CURV #13\x01\n\x03\n", string(rec.writes()))
}

func TestUnknownBlockFormat(t *testing.T) {
	r, rec, _ := openRecorder(t)
	rec.respond([]byte("#13abc\n"))

	_, err := ReadBinaryValues[uint8](context.Background(), r, BinaryOptions{Format: BlockFormat(9)})
	assert.ErrorIs(t, err, ErrUnknownBlockFormat)
	_, err = WriteBinaryValues(context.Background(), r, "X ", []uint8{1}, BinaryOptions{Format: BlockFormat(9)})
	assert.ErrorIs(t, err, ErrUnknownBlockFormat)
	assert.Equal(t, "BlockFormat(9)", BlockFormat(9).String())
	assert.Equal(t, "hp", BlockHP.String())
}

func TestQueryBinaryValuesConsumesTermination(t *testing.T) {
	ctx := context.Background()
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i)
	}
	defs := &sim.Definitions{
		Spec: "1.1",
		Devices: map[string]*sim.Device{
			"scope": {
				WriteTermination: "\n",
				ReadTermination:  "\n",
				Dialogues: []sim.Dialogue{
					{Q: "*IDN?", R: "ID"},
					{Q: "CURV?", Block: &sim.Block{DataType: "int16", BigEndian: true, Values: values}},
				},
			},
		},
		Resources: map[string]*sim.Assignment{
			"GPIB0::5::INSTR": {Device: "scope"},
		},
	}

	rm, err := NewResourceManager(ctx, WithBackendInstance(sim.New(defs, "test")))
	require.NoError(t, err)
	defer rm.Close()
	r, err := rm.OpenResource(ctx, "GPIB0::5::INSTR")
	require.NoError(t, err)

	got, err := QueryBinaryValues[int16](ctx, r, "CURV?", BinaryOptions{BigEndian: true})
	require.NoError(t, err)
	assert.Len(t, got, 100)
	assert.Equal(t, int16(99), got[99])

	// Nothing of the block is left for the next query.
	reply, err := r.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ID", reply)
}

// startSplitInstrument answers CURV? with a definite block sent in two
// segments and nothing after it.
func startSplitInstrument(t *testing.T) string {
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
					if scanner.Text() != "CURV?" {
						continue
					}
					fmt.Fprint(conn, "#")
					time.Sleep(30 * time.Millisecond)
					fmt.Fprint(conn, "210HELLO")
					time.Sleep(30 * time.Millisecond)
					fmt.Fprint(conn, "WORLD")
				}
			}()
		}
	}()
	return fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", ln.Addr().(*net.TCPAddr).Port)
}

func TestReadBinaryValuesSplitSegments(t *testing.T) {
	ctx := context.Background()
	rm, err := NewResourceManager(ctx, WithBackend("@tcpip"))
	require.NoError(t, err)
	defer rm.Close()

	r, err := rm.OpenResource(ctx, startSplitInstrument(t),
		WithTimeout(time.Second), WithReadTermination(""))
	require.NoError(t, err)

	values, err := QueryBinaryValues[uint8](ctx, r, "CURV?", BinaryOptions{NoTermination: true})
	require.NoError(t, err)
	assert.Equal(t, []uint8("HELLOWORLD"), values)
}
