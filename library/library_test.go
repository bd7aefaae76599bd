package library

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePE writes a minimal DOS+PE header with the given machine type.
func writePE(t *testing.T, name string, machine uint16, signature string) string {
	t.Helper()
	buf := make([]byte, 0x40+6)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], 0x40)
	copy(buf[0x40:0x44], signature)
	binary.LittleEndian.PutUint16(buf[0x44:0x46], machine)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestPEMachine(t *testing.T) {
	for _, tt := range []struct {
		machine uint16
		name    string
	}{
		{MachineI386, "I386"},
		{MachineIA64, "IA64"},
		{MachineAMD64, "AMD64"},
		{0x1234, "UNKNOWN"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f, err := os.Open(writePE(t, "lib.dll", tt.machine, "PE\x00\x00"))
			require.NoError(t, err)
			defer f.Close()

			machine, err := PEMachine(f)
			require.NoError(t, err)
			assert.Equal(t, tt.name, MachineName(machine))
		})
	}
}

func TestBitnessPE(t *testing.T) {
	for _, tt := range []struct {
		machine uint16
		arch    []int
		is32    string
		is64    string
		bitness string
	}{
		{MachineI386, []int{32}, "true", "false", "32"},
		{MachineIA64, []int{64}, "false", "true", "64"},
		{MachineAMD64, []int{64}, "false", "true", "64"},
		{0x1234, nil, "n/a", "n/a", "n/a"},
	} {
		t.Run(MachineName(tt.machine), func(t *testing.T) {
			p := NewPath(writePE(t, "lib.dll", tt.machine, "PE\x00\x00"), FoundByUser)
			assert.Equal(t, tt.arch, p.Arch())
			assert.Equal(t, tt.is32, p.Is32Bit())
			assert.Equal(t, tt.is64, p.Is64Bit())
			assert.Equal(t, tt.bitness, p.Bitness())
			assert.NoError(t, p.Err())
		})
	}
}

func TestBitnessErrors(t *testing.T) {
	dir := t.TempDir()

	badMagic := filepath.Join(dir, "bad_magic.dll")
	require.NoError(t, os.WriteFile(badMagic, []byte("this is not a library at all"), 0o600))
	_, err := Bitness(badMagic)
	assert.ErrorIs(t, err, ErrNotExecutable)

	notPE := writePE(t, "not_pe.dll", MachineAMD64, "NE\x00\x00")
	_, err = Bitness(notPE)
	assert.ErrorIs(t, err, ErrNotPE)

	short := filepath.Join(dir, "short.dll")
	require.NoError(t, os.WriteFile(short, []byte("MZ"), 0o600))
	_, err = Bitness(short)
	assert.ErrorIs(t, err, ErrNotExecutable)

	_, err = Bitness(filepath.Join(dir, "missing.dll"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnknownArchReportsNA(t *testing.T) {
	p := NewPath("", FoundByAuto)
	assert.Empty(t, p.Arch())
	assert.Equal(t, "n/a", p.Is32Bit())
	assert.Equal(t, "n/a", p.Is64Bit())
	assert.Equal(t, "n/a", p.Bitness())
	assert.Error(t, p.Err())
}

func TestBitnessELF(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is only ELF on linux")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	arch, err := Bitness(exe)
	require.NoError(t, err)
	if runtime.GOARCH == "386" || runtime.GOARCH == "arm" {
		assert.Equal(t, []int{32}, arch)
	} else {
		assert.Equal(t, []int{64}, arch)
	}
}

func TestPathString(t *testing.T) {
	p := NewPath("/opt/visa/libvisa.so", FoundByEnv)
	assert.Equal(t, "/opt/visa/libvisa.so (found by env)", p.String())
}

func TestArchConcurrent(t *testing.T) {
	p := NewPath(writePE(t, "visa64.dll", MachineAMD64, "PE\x00\x00"), FoundByUser)

	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Bitness()
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "64", r)
	}
	assert.NoError(t, p.Err())
}

func TestResolve(t *testing.T) {
	paths := Resolve("/custom/libvisa.so", FoundByUser)
	require.NotEmpty(t, paths)
	assert.Equal(t, "/custom/libvisa.so", paths[0].Path)
	assert.Equal(t, FoundByUser, paths[0].FoundBy)
	for _, p := range paths[1:] {
		assert.Equal(t, FoundByAuto, p.FoundBy)
	}
	assert.NotEmpty(t, Candidates())
}
