// Package rname parses and formats VISA resource names.
//
// A resource name identifies an instrument and the interface used to reach
// it. Fields are separated by a double colon and the last field is the
// resource class:
//
//	TCPIP[board]::host address[::LAN device name]::INSTR
//	TCPIP[board]::host address::port::SOCKET
//	GPIB[board]::primary address[::secondary address]::INSTR
//	ASRL[board]::INSTR
//	USB[board]::manufacturer ID::model code::serial number[::interface number]::INSTR
//
// Matching is case-insensitive and an omitted board number means 0.
package rname

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/smnsjas/go-visacore/constants"
)

// ErrInvalidResourceName is returned when a resource name cannot be parsed.
var ErrInvalidResourceName = errors.New("invalid resource name")

// Resource classes.
const (
	ClassInstr  = "INSTR"
	ClassSocket = "SOCKET"
)

// Name is a parsed resource name.
type Name struct {
	Interface constants.InterfaceType
	Board     int
	Class     string

	// TCPIP
	Host      string
	LANDevice string
	Port      int

	// GPIB
	Primary   int
	Secondary int // -1 when absent

	// USB
	Manufacturer string
	Model        string
	Serial       string
	USBInterface int // -1 when absent
}

var prefixes = []struct {
	prefix string
	iface  constants.InterfaceType
}{
	// GPIB-VXI must be tried before GPIB.
	{"GPIB-VXI", constants.InterfaceGPIBVXI},
	{"GPIB", constants.InterfaceGPIB},
	{"TCPIP", constants.InterfaceTCPIP},
	{"ASRL", constants.InterfaceASRL},
	{"USB", constants.InterfaceUSB},
	{"PXI", constants.InterfacePXI},
	{"VXI", constants.InterfaceVXI},
}

// Parse parses a resource name.
func Parse(s string) (Name, error) {
	parts := strings.Split(strings.TrimSpace(s), "::")
	if len(parts) < 2 {
		return Name{}, fmt.Errorf("%w: %q: expected at least an interface and a resource class", ErrInvalidResourceName, s)
	}

	n := Name{Interface: constants.InterfaceUnknown, Secondary: -1, USBInterface: -1}

	head := strings.ToUpper(parts[0])
	for _, p := range prefixes {
		if strings.HasPrefix(head, p.prefix) {
			n.Interface = p.iface
			head = head[len(p.prefix):]
			break
		}
	}
	if n.Interface == constants.InterfaceUnknown {
		return Name{}, fmt.Errorf("%w: %q: unknown interface type", ErrInvalidResourceName, s)
	}
	if head != "" {
		board, err := strconv.Atoi(head)
		if err != nil || board < 0 {
			return Name{}, fmt.Errorf("%w: %q: invalid board number %q", ErrInvalidResourceName, s, head)
		}
		n.Board = board
	}

	n.Class = strings.ToUpper(parts[len(parts)-1])
	fields := parts[1 : len(parts)-1]

	var err error
	switch n.Interface {
	case constants.InterfaceTCPIP:
		err = n.parseTCPIP(fields)
	case constants.InterfaceGPIB:
		err = n.parseGPIB(fields)
	case constants.InterfaceASRL:
		if n.Class != ClassInstr || len(fields) != 0 {
			err = errors.New("expected ASRL[board]::INSTR")
		}
	case constants.InterfaceUSB:
		err = n.parseUSB(fields)
	default:
		err = fmt.Errorf("interface %s is not supported", n.Interface)
	}
	if err != nil {
		return Name{}, fmt.Errorf("%w: %q: %v", ErrInvalidResourceName, s, err)
	}
	return n, nil
}

func (n *Name) parseTCPIP(fields []string) error {
	switch n.Class {
	case ClassSocket:
		if len(fields) != 2 {
			return errors.New("expected TCPIP[board]::host::port::SOCKET")
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", fields[1])
		}
		n.Host = fields[0]
		n.Port = port
	case ClassInstr:
		switch len(fields) {
		case 1:
			n.LANDevice = "inst0"
		case 2:
			n.LANDevice = fields[1]
		default:
			return errors.New("expected TCPIP[board]::host[::LAN device name]::INSTR")
		}
		n.Host = fields[0]
	default:
		return fmt.Errorf("unsupported resource class %q", n.Class)
	}
	if n.Host == "" {
		return errors.New("empty host address")
	}
	return nil
}

func (n *Name) parseGPIB(fields []string) error {
	if n.Class != ClassInstr {
		return fmt.Errorf("unsupported resource class %q", n.Class)
	}
	if len(fields) < 1 || len(fields) > 2 {
		return errors.New("expected GPIB[board]::primary[::secondary]::INSTR")
	}
	primary, err := strconv.Atoi(fields[0])
	if err != nil || primary < 0 || primary > 30 {
		return fmt.Errorf("invalid primary address %q", fields[0])
	}
	n.Primary = primary
	if len(fields) == 2 {
		secondary, err := strconv.Atoi(fields[1])
		if err != nil || secondary < 0 || secondary > 30 {
			return fmt.Errorf("invalid secondary address %q", fields[1])
		}
		n.Secondary = secondary
	}
	return nil
}

func (n *Name) parseUSB(fields []string) error {
	if n.Class != ClassInstr {
		return fmt.Errorf("unsupported resource class %q", n.Class)
	}
	if len(fields) < 3 || len(fields) > 4 {
		return errors.New("expected USB[board]::manufacturer::model::serial[::interface]::INSTR")
	}
	n.Manufacturer = fields[0]
	n.Model = fields[1]
	n.Serial = fields[2]
	if len(fields) == 4 {
		iface, err := strconv.Atoi(fields[3])
		if err != nil || iface < 0 {
			return fmt.Errorf("invalid USB interface number %q", fields[3])
		}
		n.USBInterface = iface
	}
	return nil
}

// String returns the canonical form of the name.
func (n Name) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d", n.Interface, n.Board)
	switch n.Interface {
	case constants.InterfaceTCPIP:
		b.WriteString("::" + n.Host)
		if n.Class == ClassSocket {
			fmt.Fprintf(&b, "::%d", n.Port)
		} else {
			b.WriteString("::" + n.LANDevice)
		}
	case constants.InterfaceGPIB:
		fmt.Fprintf(&b, "::%d", n.Primary)
		if n.Secondary >= 0 {
			fmt.Fprintf(&b, "::%d", n.Secondary)
		}
	case constants.InterfaceUSB:
		fmt.Fprintf(&b, "::%s::%s::%s", n.Manufacturer, n.Model, n.Serial)
		if n.USBInterface >= 0 {
			fmt.Fprintf(&b, "::%d", n.USBInterface)
		}
	}
	b.WriteString("::" + n.Class)
	return b.String()
}

// Normalize parses s and returns its canonical form.
func Normalize(s string) (string, error) {
	n, err := Parse(s)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// Match reports whether a resource name matches a viFindRsrc expression.
// The expression supports '?', '*' and bracket classes and is matched
// case-insensitively. "?*" matches every resource.
func Match(pattern, name string) (bool, error) {
	ok, err := path.Match(strings.ToUpper(pattern), strings.ToUpper(name))
	if err != nil {
		return false, fmt.Errorf("%w: %q", constants.StatusErrorInvalidExpression, pattern)
	}
	return ok, nil
}

// Filter returns the names matching pattern, keeping their order.
func Filter(pattern string, names []string) ([]string, error) {
	var out []string
	for _, name := range names {
		ok, err := Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}
