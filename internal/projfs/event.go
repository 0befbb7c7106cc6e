package projfs

import (
	"fmt"
	"path"
	"strings"
)

// Kind is the type of an Event.
type Kind string

// Event kinds.
const (
	KindCreateFile  Kind = "create_file"
	KindCreateDir   Kind = "create_dir"
	KindDeleteFile  Kind = "delete_file"
	KindDeleteDir   Kind = "delete_dir"
	KindPopulateDir Kind = "populate_dir"
	KindRename      Kind = "rename"
)

// Kinds lists every known event kind.
var Kinds = []Kind{KindCreateFile, KindCreateDir, KindDeleteFile, KindDeleteDir, KindPopulateDir, KindRename}

func (k Kind) String() string { return string(k) }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindCategories[k]
	return ok
}

// IsDir reports whether events of kind k always target a directory. Rename
// events target either and carry the type in Event.IsDir.
func (k Kind) IsDir() bool {
	switch k {
	case KindCreateDir, KindDeleteDir, KindPopulateDir:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler, rejecting unknown kinds.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed := Kind(strings.ToLower(strings.TrimSpace(string(text))))
	if !parsed.Valid() {
		return fmt.Errorf("unknown event kind %q", string(text))
	}
	*k = parsed
	return nil
}

// Category determines how a handler's outcome affects the operation which
// triggered an event.
type Category uint8

const (
	// CategoryNotification events never change the outcome of the operation.
	// Handler errors are only logged.
	CategoryNotification Category = iota
	// CategoryGating events deny the operation when the handler fails.
	CategoryGating
)

func (c Category) String() string {
	switch c {
	case CategoryNotification:
		return "notification"
	case CategoryGating:
		return "gating"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// kindCategories is the category policy. Creation is notification-only while
// deletion is gated; new kinds must pick a category explicitly.
var kindCategories = map[Kind]Category{
	KindCreateFile:  CategoryNotification,
	KindCreateDir:   CategoryNotification,
	KindDeleteFile:  CategoryGating,
	KindDeleteDir:   CategoryGating,
	KindPopulateDir: CategoryNotification,
	KindRename:      CategoryNotification,
}

// CategoryOf returns the category for k. Unknown kinds are gating.
func CategoryOf(k Kind) Category {
	c, ok := kindCategories[k]
	if !ok {
		return CategoryGating
	}
	return c
}

// Caller identifies the process which triggered an event. The zero value
// means unknown.
type Caller struct {
	PID  uint32
	Name string
}

// Event is passed to a handler. Events must not be modified after being
// dispatched.
type Event struct {
	Kind     Kind
	Path     string
	Category Category
	IsDir    bool
	Caller   Caller

	// Target is the destination of a rename, relative to the mount root.
	// Empty for other kinds.
	Target string
}

// NewEvent returns an Event for kind and p, using the category policy.
func NewEvent(kind Kind, p string, caller Caller) *Event {
	return &Event{
		Kind:     kind,
		Path:     CleanPath(p),
		Category: CategoryOf(kind),
		IsDir:    kind.IsDir(),
		Caller:   caller,
	}
}

// String returns the event log form of e: "<kind> <path>".
func (e *Event) String() string {
	return string(e.Kind) + " " + e.Path
}

// CleanPath canonicalizes p into a path relative to the mount root. The
// root itself is ".".
func CleanPath(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return "."
	}
	return strings.TrimPrefix(p, "/")
}
