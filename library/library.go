// Package library describes the shared libraries implementing VISA and
// inspects them to report the architectures they were built for.
//
// A 64-bit process cannot load a 32-bit library (and the other way round),
// so when a vendor library fails to load the first thing to check is its
// bitness. Windows DLLs are inspected through their PE header, ELF shared
// objects through their class and Mach-O dylibs through their CPU type,
// including every slice of a universal binary.
package library

import (
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrNotExecutable is returned when a file is not a recognized binary.
	ErrNotExecutable = errors.New("not an executable")
	// ErrNotPE is returned when a file has a DOS header but no PE header.
	ErrNotPE = errors.New("not a PE executable")
)

// FoundBy records how a library path was obtained.
type FoundBy string

const (
	// FoundByAuto means the path comes from the platform defaults.
	FoundByAuto FoundBy = "auto"
	// FoundByUser means the path comes from the user configuration file.
	FoundByUser FoundBy = "user"
	// FoundByEnv means the path comes from an environment variable.
	FoundByEnv FoundBy = "env"
)

// Machine types of the PE file header.
const (
	MachineI386  = 0x014c
	MachineIA64  = 0x0200
	MachineAMD64 = 0x8664
)

// Path is the location of a VISA shared library. It is safe for concurrent
// use and must not be copied after Arch was called.
type Path struct {
	Path    string
	FoundBy FoundBy

	archOnce sync.Once
	arch     []int
	archErr  error
}

// NewPath returns a Path found by the given method.
func NewPath(path string, foundBy FoundBy) *Path {
	return &Path{Path: path, FoundBy: foundBy}
}

// String returns the path and how it was found.
func (p *Path) String() string {
	return fmt.Sprintf("%s (found by %s)", p.Path, p.FoundBy)
}

// Arch returns the sorted bitnesses (32 and/or 64) the library was built
// for. The result is empty when the file cannot be inspected; Err reports
// why.
func (p *Path) Arch() []int {
	p.archOnce.Do(func() {
		p.arch, p.archErr = Bitness(p.Path)
	})
	return p.arch
}

// Err returns the error met while inspecting the library, if any.
func (p *Path) Err() error {
	p.Arch()
	return p.archErr
}

// Is32Bit reports "true"/"false", or "n/a" when the architecture is unknown.
func (p *Path) Is32Bit() string {
	return p.has(32)
}

// Is64Bit reports "true"/"false", or "n/a" when the architecture is unknown.
func (p *Path) Is64Bit() string {
	return p.has(64)
}

func (p *Path) has(bits int) string {
	arch := p.Arch()
	if len(arch) == 0 {
		return "n/a"
	}
	if slices.Contains(arch, bits) {
		return "true"
	}
	return "false"
}

// Bitness returns the architectures as "32", "64", "32, 64" or "n/a".
func (p *Path) Bitness() string {
	arch := p.Arch()
	if len(arch) == 0 {
		return "n/a"
	}
	parts := make([]string, len(arch))
	for i, a := range arch {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, ", ")
}

// Bitness inspects the binary at path and returns the bitnesses it
// contains.
func Bitness(path string) ([]int, error) {
	f, err := os.Open(path) // #nosec G304 -- inspecting a user supplied library is the point
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotExecutable, path, err)
	}

	switch {
	case magic[0] == 'M' && magic[1] == 'Z':
		machine, err := PEMachine(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return peBitness(machine), nil
	case string(magic[:]) == elf.ELFMAG:
		return elfBitness(f)
	default:
		return machoBitness(f, path)
	}
}

// PEMachine reads the machine field of a PE file header.
func PEMachine(r io.ReaderAt) (uint16, error) {
	var dos [64]byte
	if _, err := r.ReadAt(dos[:], 0); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return 0, ErrNotExecutable
	}

	peOffset := int64(binary.LittleEndian.Uint32(dos[0x3c:0x40]))
	var header [6]byte
	if _, err := r.ReadAt(header[:], peOffset); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	if string(header[:4]) != "PE\x00\x00" {
		return 0, ErrNotPE
	}
	return binary.LittleEndian.Uint16(header[4:6]), nil
}

// MachineName returns the PE machine name: I386, IA64, AMD64 or UNKNOWN.
func MachineName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "I386"
	case MachineIA64:
		return "IA64"
	case MachineAMD64:
		return "AMD64"
	default:
		return "UNKNOWN"
	}
}

func peBitness(machine uint16) []int {
	switch machine {
	case MachineI386:
		return []int{32}
	case MachineIA64, MachineAMD64:
		return []int{64}
	default:
		return nil
	}
}

func elfBitness(r io.ReaderAt) ([]int, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	switch f.Class {
	case elf.ELFCLASS32:
		return []int{32}, nil
	case elf.ELFCLASS64:
		return []int{64}, nil
	default:
		return nil, nil
	}
}

func machoBitness(r io.ReaderAt, path string) ([]int, error) {
	if fat, err := macho.NewFatFile(r); err == nil {
		var out []int
		for _, a := range fat.Arches {
			out = appendCPU(out, a.Cpu)
		}
		slices.Sort(out)
		return slices.Compact(out), nil
	}

	f, err := macho.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	return appendCPU(nil, f.Cpu), nil
}

func appendCPU(out []int, cpu macho.Cpu) []int {
	switch cpu {
	case macho.Cpu386, macho.CpuArm, macho.CpuPpc:
		return append(out, 32)
	case macho.CpuAmd64, macho.CpuArm64, macho.CpuPpc64:
		return append(out, 64)
	}
	return out
}

// Candidates returns the platform default locations of the VISA library.
func Candidates() []string {
	switch runtime.GOOS {
	case "windows":
		if strings.HasSuffix(runtime.GOARCH, "64") {
			return []string{`C:\Windows\System32\visa64.dll`, `C:\Windows\System32\visa32.dll`}
		}
		return []string{`C:\Windows\System32\visa32.dll`}
	case "darwin":
		return []string{"/Library/Frameworks/VISA.framework/VISA"}
	default:
		return []string{
			"/usr/lib/x86_64-linux-gnu/libvisa.so.21.0.0",
			"/usr/local/vxipnp/linux/lib64/libvisa.so",
			"/usr/lib64/libvisa.so",
			"/usr/lib/libvisa.so",
			"/usr/local/lib/libvisa.so",
		}
	}
}

// Resolve returns the library paths to try, in order: an explicit user
// path first, then the platform defaults that exist on disk.
func Resolve(userPath string, foundBy FoundBy) []*Path {
	var out []*Path
	if userPath != "" {
		out = append(out, NewPath(userPath, foundBy))
	}
	for _, c := range Candidates() {
		if c == userPath {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			out = append(out, NewPath(c, FoundByAuto))
		}
	}
	return out
}
