package models

import "fmt"

// EntryHandle identifies an entry in the key space. Zero is never assigned.
type EntryHandle uint64

// ListenerHandle identifies a subscription, polled or direct. Zero is never assigned.
type ListenerHandle uint64

// PollerHandle identifies a poller. Zero is never assigned.
type PollerHandle uint64

func (h EntryHandle) String() string    { return fmt.Sprintf("entry#%d", uint64(h)) }
func (h ListenerHandle) String() string { return fmt.Sprintf("listener#%d", uint64(h)) }
func (h PollerHandle) String() string   { return fmt.Sprintf("poller#%d", uint64(h)) }
