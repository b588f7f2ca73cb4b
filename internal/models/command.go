package models

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

type CommandOp int

const (
	OpSet CommandOp = iota + 1
	OpForce
	OpDelete
	OpFlags
)

func (op CommandOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpForce:
		return "force"
	case OpDelete:
		return "delete"
	case OpFlags:
		return "flags"
	default:
		return "unknown"
	}
}

// Command is one mutation read from the publisher's line protocol:
//
//	set <name> <type> <value>
//	force <name> <type> <value>
//	delete <name>
//	flags <name> <uint>
//
// Array values are comma separated; raw values are hex encoded.
type Command struct {
	Op    CommandOp
	Name  string
	Value Value
	Flags uint32
}

// ParseCommand parses a single line. Blank lines and lines starting with '#'
// yield (nil, nil).
func ParseCommand(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("command requires at least an operation and a name: %q", line)
	}

	cmd := &Command{Name: fields[1]}
	switch fields[0] {
	case "set", "force":
		cmd.Op = OpSet
		if fields[0] == "force" {
			cmd.Op = OpForce
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("%s requires a type and a value: %q", fields[0], line)
		}
		// the value is everything after the type, so strings may contain spaces
		raw := line
		for _, f := range fields[:3] {
			raw = strings.TrimSpace(raw[len(f):])
		}
		v, err := ParseValue(fields[2], raw)
		if err != nil {
			return nil, err
		}
		cmd.Value = v
	case "delete":
		cmd.Op = OpDelete
	case "flags":
		cmd.Op = OpFlags
		if len(fields) != 3 {
			return nil, fmt.Errorf("flags requires a value: %q", line)
		}
		n, err := strconv.ParseUint(fields[2], 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid flags %q: %w", fields[2], err)
		}
		cmd.Flags = uint32(n)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", fields[0])
	}

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ParseValue builds a Value of the named type from its textual form.
func ParseValue(typeName, text string) (Value, error) {
	switch typeName {
	case "boolean":
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, fmt.Errorf("invalid boolean %q: %w", text, err)
		}
		return MakeBoolean(b), nil
	case "double":
		d, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid double %q: %w", text, err)
		}
		if !finite(d) {
			return Value{}, fmt.Errorf("invalid double %q: %w", text, ErrNonFinite)
		}
		return MakeDouble(d), nil
	case "string":
		return MakeString(text), nil
	case "raw":
		b, err := hex.DecodeString(text)
		if err != nil {
			return Value{}, fmt.Errorf("invalid raw %q: %w", text, err)
		}
		return MakeRaw(b), nil
	case "boolean[]":
		parts := strings.Split(text, ",")
		out := make([]bool, len(parts))
		for i, p := range parts {
			b, err := strconv.ParseBool(strings.TrimSpace(p))
			if err != nil {
				return Value{}, fmt.Errorf("invalid boolean %q: %w", p, err)
			}
			out[i] = b
		}
		return MakeBooleanArray(out), nil
	case "double[]":
		parts := strings.Split(text, ",")
		out := make([]float64, len(parts))
		for i, p := range parts {
			d, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return Value{}, fmt.Errorf("invalid double %q: %w", p, err)
			}
			if !finite(d) {
				return Value{}, fmt.Errorf("invalid double %q: %w", p, ErrNonFinite)
			}
			out[i] = d
		}
		return MakeDoubleArray(out), nil
	case "string[]":
		parts := strings.Split(text, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return MakeStringArray(parts), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type: %s", typeName)
	}
}

// Validate checks that the command has everything its operation needs.
func (c *Command) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !strings.HasPrefix(c.Name, "/") {
		return fmt.Errorf("name must start with '/': %s", c.Name)
	}
	switch c.Op {
	case OpSet, OpForce:
		if !c.Value.IsValid() {
			return fmt.Errorf("%s requires a value", c.Op)
		}
		if !c.Value.IsFinite() {
			return fmt.Errorf("%s %s: %w", c.Op, c.Name, ErrNonFinite)
		}
	case OpDelete, OpFlags:
	default:
		return fmt.Errorf("invalid operation: %d", c.Op)
	}
	return nil
}
