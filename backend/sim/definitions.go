package sim

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/smnsjas/go-visacore/blocks"
	"github.com/smnsjas/go-visacore/rname"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDefinitions []byte

// ErrInvalidDefinitions is returned when a definitions document is invalid.
var ErrInvalidDefinitions = errors.New("invalid sim definitions")

// Definitions describes the simulated instruments.
type Definitions struct {
	Spec      string                `yaml:"spec"`
	Devices   map[string]*Device    `yaml:"devices"`
	Resources map[string]*Assignment `yaml:"resources"`
}

// Assignment binds a resource name to a device definition.
type Assignment struct {
	Device string `yaml:"device"`
}

// Device is the behavior of one simulated instrument.
type Device struct {
	WriteTermination string               `yaml:"write_termination"`
	ReadTermination  string               `yaml:"read_termination"`
	Error            string               `yaml:"error"`
	Dialogues        []Dialogue           `yaml:"dialogues"`
	Properties       map[string]*Property `yaml:"properties"`
}

// Dialogue is a fixed query and its response. The response is either text
// (R) or a binary block.
type Dialogue struct {
	Q     string `yaml:"q"`
	R     string `yaml:"r"`
	Block *Block `yaml:"block"`
}

// Block is a binary IEEE 488.2 response.
type Block struct {
	DataType  string    `yaml:"datatype"`
	BigEndian bool      `yaml:"big_endian"`
	Values    []float64 `yaml:"values"`
}

// Property is a value that can be read with Getter and changed by sending
// Setter followed by the new value.
type Property struct {
	Default string `yaml:"default"`
	Getter  string `yaml:"getter"`
	Setter  string `yaml:"setter"`
}

// DefaultDefinitions returns the built-in instruments.
func DefaultDefinitions() (*Definitions, error) {
	return ParseDefinitions(defaultDefinitions)
}

// LoadDefinitions reads definitions from a YAML file.
func LoadDefinitions(path string) (*Definitions, error) {
	f, err := os.Open(path) // #nosec G304 -- user selected definitions file
	if err != nil {
		return nil, fmt.Errorf("open sim definitions: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read sim definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes and validates a YAML document. Resource names
// are normalized.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinitions, err)
	}

	resources := make(map[string]*Assignment, len(defs.Resources))
	for name, a := range defs.Resources {
		if a == nil {
			return nil, fmt.Errorf("%w: resource %s has no device", ErrInvalidDefinitions, name)
		}
		canonical, err := rname.Normalize(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinitions, err)
		}
		if _, ok := defs.Devices[a.Device]; !ok {
			return nil, fmt.Errorf("%w: resource %s uses unknown device %q", ErrInvalidDefinitions, name, a.Device)
		}
		resources[canonical] = a
	}
	defs.Resources = resources

	for name, d := range defs.Devices {
		if d == nil {
			return nil, fmt.Errorf("%w: device %s is empty", ErrInvalidDefinitions, name)
		}
		if d.WriteTermination == "" {
			d.WriteTermination = "\n"
		}
		if d.ReadTermination == "" {
			d.ReadTermination = "\n"
		}
		for _, dlg := range d.Dialogues {
			if dlg.Block == nil {
				continue
			}
			if _, err := dlg.Block.Encode(); err != nil {
				return nil, fmt.Errorf("%w: device %s, query %q: %v", ErrInvalidDefinitions, name, dlg.Q, err)
			}
		}
	}
	return &defs, nil
}

// Encode renders the block as a definite length IEEE 488.2 block.
func (b *Block) Encode() ([]byte, error) {
	switch b.DataType {
	case "int8":
		return blocks.EncodeIEEE(convert[int8](b.Values), b.BigEndian)
	case "uint8":
		return blocks.EncodeIEEE(convert[uint8](b.Values), b.BigEndian)
	case "int16":
		return blocks.EncodeIEEE(convert[int16](b.Values), b.BigEndian)
	case "uint16":
		return blocks.EncodeIEEE(convert[uint16](b.Values), b.BigEndian)
	case "int32":
		return blocks.EncodeIEEE(convert[int32](b.Values), b.BigEndian)
	case "uint32":
		return blocks.EncodeIEEE(convert[uint32](b.Values), b.BigEndian)
	case "float32":
		return blocks.EncodeIEEE(convert[float32](b.Values), b.BigEndian)
	case "float64", "":
		return blocks.EncodeIEEE(b.Values, b.BigEndian)
	default:
		return nil, fmt.Errorf("unsupported datatype %q", b.DataType)
	}
}

func convert[T blocks.Number](in []float64) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = T(v)
	}
	return out
}
