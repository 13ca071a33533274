package breakpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Type selects how a URLBreakpoint pattern is matched.
type Type string

const (
	TypeText              Type = "text"
	TypeRegularExpression Type = "regex"
)

// Valid reports whether t is a known breakpoint type.
func (t Type) Valid() bool {
	return t == TypeText || t == TypeRegularExpression
}

// JSONKey is passed to ToJSON to select the serialization purpose.
type JSONKey string

const (
	// StoreKey asks ToJSON for the object store form, which carries the
	// composite key under URLBreakpointsKeyPath.
	StoreKey JSONKey = "objectstore"

	// URLBreakpointsKeyPath is the key path of the url-breakpoints store.
	URLBreakpointsKeyPath = "__id"

	// AllRequestsHandle identifies the manager's all-requests breakpoint.
	AllRequestsHandle = "all-requests"

	cookieTypeKey = "url-breakpoint-type"
	cookieURLKey  = "url-breakpoint-url"
)

var (
	ErrInvalidType         = errors.New("invalid url breakpoint type")
	ErrEmptyURL            = errors.New("url breakpoint pattern is empty")
	ErrDuplicateBreakpoint = errors.New("url breakpoint already exists")
	ErrNotFound            = errors.New("url breakpoint not found")
	ErrRemoved             = errors.New("url breakpoint was removed")
)

// Owner is the registry a URLBreakpoint belongs to once added to a Manager.
type Owner interface {
	AllRequestsHandle() string
	RemoveURLBreakpoint(bp *URLBreakpoint)
}

// URLBreakpoint pauses (reports) requests whose URL matches a pattern.
type URLBreakpoint struct {
	Breakpoint

	typ    Type
	url    string
	handle string
	owner  Owner

	re    *regexp.Regexp
	reErr error
}

// Option configures a new URLBreakpoint.
type Option func(*URLBreakpoint)

// WithDisabled sets the initial disabled state.
func WithDisabled(disabled bool) Option {
	return func(b *URLBreakpoint) {
		b.disabled = disabled
	}
}

// special marks a built-in breakpoint.
func special() Option {
	return func(b *URLBreakpoint) {
		b.special = true
	}
}

// NewURLBreakpoint creates a breakpoint of the given type for url.
func NewURLBreakpoint(typ Type, url string, opts ...Option) (*URLBreakpoint, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if url == "" {
		return nil, ErrEmptyURL
	}
	return newURLBreakpoint(typ, url, uuid.NewString(), opts...), nil
}

func newURLBreakpoint(typ Type, url, handle string, opts ...Option) *URLBreakpoint {
	b := &URLBreakpoint{
		typ:    typ,
		url:    url,
		handle: handle,
	}
	for _, opt := range opts {
		opt(b)
	}
	if typ == TypeRegularExpression {
		b.re, b.reErr = regexp.Compile("(?i)" + url)
	}
	return b
}

type urlBreakpointJSON struct {
	Type     Type   `json:"type"`
	URL      string `json:"url"`
	Disabled bool   `json:"disabled"`
}

// URLBreakpointFromJSON rebuilds a breakpoint from its JSON form.
func URLBreakpointFromJSON(data []byte) (*URLBreakpoint, error) {
	var j urlBreakpointJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decoding url breakpoint: %w", err)
	}
	return NewURLBreakpoint(j.Type, j.URL, WithDisabled(j.Disabled))
}

// Type returns the match type.
func (b *URLBreakpoint) Type() Type { return b.typ }

// URL returns the pattern.
func (b *URLBreakpoint) URL() string { return b.url }

// Handle returns the identifier the owning manager compares against.
func (b *URLBreakpoint) Handle() string { return b.handle }

// Key returns the composite persistence key "type:url".
func (b *URLBreakpoint) Key() string {
	return Key(b.typ, b.url)
}

// Key builds the composite persistence key for a type and pattern.
func Key(typ Type, url string) string {
	return string(typ) + ":" + url
}

// Special reports whether this is the owner's all-requests breakpoint.
func (b *URLBreakpoint) Special() bool {
	if owner := b.Owner(); owner != nil && b.handle == owner.AllRequestsHandle() {
		return true
	}
	return b.Breakpoint.Special()
}

// Owner returns the manager the breakpoint was added to, if any.
func (b *URLBreakpoint) Owner() Owner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owner
}

func (b *URLBreakpoint) setOwner(owner Owner) {
	b.mu.Lock()
	b.owner = owner
	b.mu.Unlock()
}

// Remove detaches the breakpoint and drops it from its owner.
// Removing an already removed breakpoint does nothing. The all-requests
// breakpoint is never detached; its owner disables it instead.
func (b *URLBreakpoint) Remove() {
	owner := b.Owner()
	if owner != nil && b.handle == owner.AllRequestsHandle() {
		owner.RemoveURLBreakpoint(b)
		return
	}

	if !b.Breakpoint.Remove() {
		return
	}
	if owner != nil {
		owner.RemoveURLBreakpoint(b)
	}
}

// SaveIdentityToCookie records the type and pattern so the breakpoint can
// be found again after a session restore.
func (b *URLBreakpoint) SaveIdentityToCookie(cookie map[string]string) {
	cookie[cookieTypeKey] = string(b.typ)
	cookie[cookieURLKey] = b.url
}

// IdentityFromCookie returns the key saved by SaveIdentityToCookie.
func IdentityFromCookie(cookie map[string]string) (string, bool) {
	typ, ok := cookie[cookieTypeKey]
	if !ok {
		return "", false
	}
	url, ok := cookie[cookieURLKey]
	if !ok {
		return "", false
	}
	return Key(Type(typ), url), true
}

// ToJSON returns the JSON fields of the breakpoint. With StoreKey the
// composite key is added under URLBreakpointsKeyPath.
func (b *URLBreakpoint) ToJSON(key JSONKey) map[string]any {
	fields := b.Breakpoint.ToJSON()
	fields["type"] = string(b.typ)
	fields["url"] = b.url
	if key == StoreKey {
		fields[URLBreakpointsKeyPath] = b.Key()
	}
	return fields
}

// MarshalJSON implements json.Marshaler.
func (b *URLBreakpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.ToJSON(""))
}

// Matches reports whether url hits this breakpoint. Text patterns match
// as a case-insensitive substring. Disabled breakpoints and invalid
// regular expressions never match.
func (b *URLBreakpoint) Matches(url string) bool {
	if b.Disabled() {
		return false
	}
	switch b.typ {
	case TypeText:
		return strings.Contains(strings.ToLower(url), strings.ToLower(b.url))
	case TypeRegularExpression:
		return b.reErr == nil && b.re.MatchString(url)
	}
	return false
}

// PatternError returns the compile error of a regex pattern, if any.
func (b *URLBreakpoint) PatternError() error {
	return b.reErr
}

func (b *URLBreakpoint) String() string {
	state := "enabled"
	if b.Disabled() {
		state = "disabled"
	}
	return fmt.Sprintf("%s (%s)", b.Key(), state)
}
