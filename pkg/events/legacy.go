package events

// legacyTranslations maps a current event type to the pure transform that
// produces its deprecated equivalent. Event types without an entry have no
// legacy shape.
var legacyTranslations = map[Type]struct {
	to        Type
	translate func(Event) Event
}{
	TypeRealmLinkifiers: {to: TypeRealmFilters, translate: linkifiersToFilters},
}

// Legacy returns the legacy-shape equivalent of e, or false when e's type
// has none. The transform is pure: it reads only e.
func Legacy(e Event) (Event, bool) {
	t, ok := legacyTranslations[e.typ]
	if !ok {
		return Event{}, false
	}
	return t.translate(e), true
}

// LegacyType returns the deprecated type that shadows t, if any
func LegacyType(t Type) (Type, bool) {
	tr, ok := legacyTranslations[t]
	if !ok {
		return "", false
	}
	return tr.to, true
}

// IsLegacy reports whether t is the deprecated shape of some current type
func IsLegacy(t Type) bool {
	for _, tr := range legacyTranslations {
		if tr.to == t {
			return true
		}
	}
	return false
}

func linkifiersToFilters(e Event) Event {
	current := e.payload.(RealmLinkifiers)
	tuples := make([]FilterTuple, 0, len(current.Linkifiers))
	for _, l := range current.Linkifiers {
		tuples = append(tuples, FilterTuple{Pattern: l.Pattern, URLFormat: l.URLFormat, ID: l.ID})
	}
	return New(e.realmID, RealmFilters{Filters: tuples})
}
