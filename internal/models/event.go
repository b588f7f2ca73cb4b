package models

import "fmt"

// Event is an immutable snapshot of one mutation to the key space. The
// notifier copies it into every matching delivery target and stamps Listener
// on each copy with the subscription that matched.
type Event struct {
	Listener ListenerHandle
	Entry    EntryHandle
	Name     string
	Value    Value
	Flags    Flags
}

// String renders the event for log lines.
func (e Event) String() string {
	return fmt.Sprintf("%s %s %q flags=%s value=%s", e.Listener, e.Entry, e.Name, e.Flags, e.Value)
}

// Entry is the current state of one key, as reported by the event source.
type Entry struct {
	Handle EntryHandle
	Name   string
	Value  Value
	Flags  uint32
}
