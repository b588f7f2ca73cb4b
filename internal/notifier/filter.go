package notifier

import (
	"fmt"
	"strings"

	"github.com/kal997/nt-notifier/internal/models"
)

// FilterKind selects how a Filter is compared against an event subject.
type FilterKind int

const (
	// FilterPrefix matches names starting with Key, byte-wise with no
	// separator handling: "/foo" matches "/foobar".
	FilterPrefix FilterKind = iota
	// FilterKey matches a name equal to Key.
	FilterKey
	// FilterEntry matches a single entry handle.
	FilterEntry
)

func (k FilterKind) String() string {
	switch k {
	case FilterPrefix:
		return "prefix"
	case FilterKey:
		return "key"
	case FilterEntry:
		return "entry"
	default:
		return "unknown"
	}
}

// Filter selects the subjects a subscription is interested in.
type Filter struct {
	Kind  FilterKind
	Key   string
	Entry models.EntryHandle
}

// Prefix returns a filter matching every name that starts with p.
func Prefix(p string) Filter {
	return Filter{Kind: FilterPrefix, Key: p}
}

// Key returns a filter matching exactly the name k.
func Key(k string) Filter {
	return Filter{Kind: FilterKey, Key: k}
}

// Entry returns a filter matching exactly the entry h.
func Entry(h models.EntryHandle) Filter {
	return Filter{Kind: FilterEntry, Entry: h}
}

func (f Filter) String() string {
	if f.Kind == FilterEntry {
		return fmt.Sprintf("entry(%s)", f.Entry)
	}
	return fmt.Sprintf("%s(%q)", f.Kind, f.Key)
}

func (f Filter) validate() error {
	switch f.Kind {
	case FilterPrefix:
		return nil
	case FilterKey:
		if f.Key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidFilter)
		}
		return nil
	case FilterEntry:
		if f.Entry == 0 {
			return fmt.Errorf("%w: zero entry handle", ErrInvalidFilter)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidFilter, int(f.Kind))
	}
}

// MatchSubject reports whether the subject passes the filter.
func (f Filter) MatchSubject(entry models.EntryHandle, name string) bool {
	switch f.Kind {
	case FilterPrefix:
		return strings.HasPrefix(name, f.Key)
	case FilterKey:
		return name == f.Key
	case FilterEntry:
		return entry == f.Entry
	default:
		return false
	}
}

const assignBoth = models.NotifyUpdate | models.NotifyFlags

// MatchFlags reports whether an event with flags ev is wanted by a
// subscription with mask. LOCAL events need a LOCAL mask; IMMEDIATE never
// filters. Every kind bit of the event must be in the mask, except that a
// combined UPDATE|FLAGS assignment is wanted by either UPDATE or FLAGS.
func MatchFlags(mask, ev models.Flags) bool {
	if ev.IsLocal() && !mask.IsLocal() {
		return false
	}
	kinds := ev.Kinds()
	if kinds == 0 {
		return false
	}
	want := mask.Kinds()
	if kinds&assignBoth == assignBoth {
		if want&assignBoth == 0 {
			return false
		}
		kinds &^= assignBoth
		want &^= assignBoth
	}
	return kinds&^want == 0
}

// Matches reports whether a subscription with the given filter and mask
// should receive ev. It has no side effects.
func Matches(f Filter, mask models.Flags, ev models.Event) bool {
	return MatchFlags(mask, ev.Flags) && f.MatchSubject(ev.Entry, ev.Name)
}
