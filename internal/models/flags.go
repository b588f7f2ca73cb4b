package models

import "strings"

// Flags is the notification bitmask carried by every event and requested by
// every subscription. The numbering matches the NetworkTables peer protocol.
type Flags uint32

const (
	// NotifyImmediate marks an event that bypassed upstream publish batching,
	// or a snapshot of the current value delivered at subscribe time.
	NotifyImmediate Flags = 0x01
	// NotifyLocal marks a mutation made in this process.
	NotifyLocal Flags = 0x02

	NotifyNew    Flags = 0x04
	NotifyDelete Flags = 0x08
	NotifyUpdate Flags = 0x10
	NotifyFlags  Flags = 0x20
)

// KindMask selects the change-kind bits of a Flags value.
const KindMask = NotifyNew | NotifyDelete | NotifyUpdate | NotifyFlags

// ModifierMask selects the modifier bits of a Flags value.
const ModifierMask = NotifyImmediate | NotifyLocal

// Kinds returns only the change-kind bits.
func (f Flags) Kinds() Flags {
	return f & KindMask
}

// Has reports whether every bit of other is set in f.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// IsLocal reports whether the LOCAL modifier is set.
func (f Flags) IsLocal() bool {
	return f&NotifyLocal != 0
}

// IsImmediate reports whether the IMMEDIATE modifier is set.
func (f Flags) IsImmediate() bool {
	return f&NotifyImmediate != 0
}

var flagNames = []struct {
	flag Flags
	name string
}{
	{NotifyImmediate, "immediate"},
	{NotifyLocal, "local"},
	{NotifyNew, "new"},
	{NotifyDelete, "delete"},
	{NotifyUpdate, "update"},
	{NotifyFlags, "flags"},
}

// String returns the set flag names joined by '|', e.g. "local|new".
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ (KindMask | ModifierMask); rest != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}
