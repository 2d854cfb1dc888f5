package modeltype

import "fmt"

// ModelType identifies one synchronizable data domain. Every synced item
// belongs to exactly one type, inferred from which payload variant is present
// in its wire specifics.
type ModelType int

const (
	// Unspecified is the zero value. It never appears on a well formed item;
	// callers must treat it defensively rather than crash.
	Unspecified ModelType = iota
	// TopLevelFolder marks permanent root folders. Structural, not a real
	// data type.
	TopLevelFolder

	Bookmarks
	Preferences
	Passwords
	AutofillProfiles
	Autofill
	Themes
	TypedURLs
	Extensions
	Nigori
	SearchEngines
	Sessions
	Apps

	modelTypeCount
)

const (
	// FirstRealType and LastRealType bound the range of types that carry
	// user data. Everything outside is structural.
	FirstRealType = Bookmarks
	LastRealType  = Apps

	// Count is the total number of enum values, structural types included.
	Count = int(modelTypeCount)
)

var typeNames = map[ModelType]string{
	Unspecified:      "Unspecified",
	TopLevelFolder:   "Top Level Folder",
	Bookmarks:        "Bookmarks",
	Preferences:      "Preferences",
	Passwords:        "Passwords",
	AutofillProfiles: "Autofill Profiles",
	Autofill:         "Autofill",
	Themes:           "Themes",
	TypedURLs:        "Typed URLs",
	Extensions:       "Extensions",
	Nigori:           "Encryption Keys",
	SearchEngines:    "Search Engines",
	Sessions:         "Sessions",
	Apps:             "Apps",
}

var namesToTypes = func() map[string]ModelType {
	m := make(map[string]ModelType, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// specificsMarkers name the payload variant each type occupies on the wire.
var specificsMarkers = map[ModelType]string{
	Bookmarks:        "bookmark",
	Preferences:      "preference",
	Passwords:        "password",
	AutofillProfiles: "autofill_profile",
	Autofill:         "autofill",
	Themes:           "theme",
	TypedURLs:        "typed_url",
	Extensions:       "extension",
	Nigori:           "nigori",
	SearchEngines:    "search_engine",
	Sessions:         "session",
	Apps:             "app",
}

var markersToTypes = func() map[string]ModelType {
	m := make(map[string]ModelType, len(specificsMarkers))
	for t, marker := range specificsMarkers {
		m[marker] = t
	}
	return m
}()

// notificationTopics map real types to the object id strings used by the
// invalidation channel.
var notificationTopics = map[ModelType]string{
	Bookmarks:        "BOOKMARK",
	Preferences:      "PREFERENCE",
	Passwords:        "PASSWORD",
	AutofillProfiles: "AUTOFILL_PROFILE",
	Autofill:         "AUTOFILL",
	Themes:           "THEME",
	TypedURLs:        "TYPED_URL",
	Extensions:       "EXTENSION",
	Nigori:           "NIGORI",
	SearchEngines:    "SEARCH_ENGINE",
	Sessions:         "SESSION",
	Apps:             "APP",
}

var topicsToTypes = func() map[string]ModelType {
	m := make(map[string]ModelType, len(notificationTopics))
	for t, topic := range notificationTopics {
		m[topic] = t
	}
	return m
}()

func (t ModelType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Invalid"
}

// FromInt converts a raw enum value, returning Unspecified when it falls
// outside the valid range.
func FromInt(i int) ModelType {
	if i < 0 || i >= Count {
		return Unspecified
	}
	return ModelType(i)
}

// FromString inverts String. Unknown names map to Unspecified.
func FromString(s string) ModelType {
	if t, ok := namesToTypes[s]; ok {
		return t
	}
	return Unspecified
}

// MarshalText lets ModelType serve as a JSON or YAML map key.
func (t ModelType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText rejects unknown names so malformed wire data surfaces as an
// error instead of an Unspecified key.
func (t *ModelType) UnmarshalText(b []byte) error {
	parsed := FromString(string(b))
	if parsed == Unspecified && string(b) != typeNames[Unspecified] {
		return fmt.Errorf("unknown model type %q", string(b))
	}
	*t = parsed
	return nil
}

// IsRealType reports whether t carries user data, excluding the two
// structural pseudo types.
func (t ModelType) IsRealType() bool {
	return t >= FirstRealType && t <= LastRealType
}

// ShouldMaintainPosition reports whether sibling order is tracked for t.
func (t ModelType) ShouldMaintainPosition() bool {
	return t == Bookmarks
}

// SpecificsMarker returns the wire payload key for t, or "" for structural
// types.
func (t ModelType) SpecificsMarker() string {
	return specificsMarkers[t]
}

// NotificationTopic returns the invalidation object id for a real type.
// Structural types have no topic and return "".
func (t ModelType) NotificationTopic() string {
	return notificationTopics[t]
}

// FromNotificationTopic inverts NotificationTopic. Unknown topics map to
// Unspecified.
func FromNotificationTopic(topic string) ModelType {
	if t, ok := topicsToTypes[topic]; ok {
		return t
	}
	return Unspecified
}

// EntitySpecifics is the wire payload container for one item: payload marker
// to opaque payload bytes. A well formed entity sets exactly one variant.
type EntitySpecifics map[string][]byte

// FromSpecifics infers the model type from which payload variant is present.
// When the input is malformed and carries several variants, the first match
// in enum order wins; an entity matching no known variant yields Unspecified.
func FromSpecifics(specifics EntitySpecifics) ModelType {
	for t := FirstRealType; t <= LastRealType; t++ {
		if _, ok := specifics[specificsMarkers[t]]; ok {
			return t
		}
	}
	return Unspecified
}
