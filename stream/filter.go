package stream

import "fmt"

// CustomMode controls whether custom:<name> events are allowed through a
// Filter, independently of the explicit allow-list.
type CustomMode string

const (
	CustomModeNone     CustomMode = "none"
	CustomModeAll      CustomMode = "all"
	CustomModeExplicit CustomMode = "explicit"
)

// configurableEventTypes are the event types a Filter may allow or deny.
// Mandatory types are never in this set: they are always allowed.
var configurableEventTypes = map[EventType]bool{
	EventToken:      true,
	EventStep:       true,
	EventProgress:   true,
	EventCheckpoint: true,
	EventHeartbeat:  true,
}

// Filter is a declarative policy deciding which event types are emitted for
// a run. The zero value denies every configurable and custom event type;
// use NewFilterFromPreset, NewFilterFromList or AllowAllFilter to build one.
type Filter struct {
	allowedConfigurable map[EventType]bool
	customMode          CustomMode
	allowedCustomNames   map[string]bool
}

// FilterPreset names a built-in Filter configuration.
type FilterPreset string

const (
	PresetMinimal FilterPreset = "minimal"
	PresetChat    FilterPreset = "chat"
	PresetDebug   FilterPreset = "debug"
	PresetAll     FilterPreset = "all"
)

// NewFilterFromPreset builds a Filter from one of the named presets.
//
//   - minimal: mandatory events only.
//   - chat: token, step, heartbeat (plus mandatory).
//   - debug, all: every configurable type and all custom events.
func NewFilterFromPreset(preset FilterPreset) (Filter, error) {
	switch preset {
	case PresetMinimal:
		return Filter{customMode: CustomModeNone}, nil
	case PresetChat:
		return Filter{
			allowedConfigurable: map[EventType]bool{
				EventToken:     true,
				EventStep:      true,
				EventHeartbeat: true,
			},
			customMode: CustomModeNone,
		}, nil
	case PresetDebug, PresetAll:
		allowed := make(map[EventType]bool, len(configurableEventTypes))
		for t := range configurableEventTypes {
			allowed[t] = true
		}
		return Filter{allowedConfigurable: allowed, customMode: CustomModeAll}, nil
	default:
		return Filter{}, fmt.Errorf("unknown filter preset %q", preset)
	}
}

// NewFilterFromList builds a Filter from an explicit list of allowed type
// strings. Entries "custom:<name>" enable only that named custom event; the
// bare entry "custom" enables all custom events. Mandatory type names are
// accepted as a no-op (they are always allowed regardless). Unknown,
// non-custom, non-configurable, non-mandatory entries are rejected.
func NewFilterFromList(entries []string) (Filter, error) {
	f := Filter{
		allowedConfigurable: map[EventType]bool{},
		allowedCustomNames:  map[string]bool{},
		customMode:          CustomModeNone,
	}
	for _, raw := range entries {
		t := EventType(raw)
		switch {
		case t.IsMandatory():
			// no-op: mandatory events are always allowed.
		case raw == "custom":
			f.customMode = CustomModeAll
		case t.IsCustom():
			if f.customMode != CustomModeAll {
				f.customMode = CustomModeExplicit
			}
			f.allowedCustomNames[t.CustomName()] = true
		case configurableEventTypes[t]:
			f.allowedConfigurable[t] = true
		default:
			return Filter{}, fmt.Errorf("unknown event type in filter list: %q", raw)
		}
	}
	return f, nil
}

// AllowAllFilter returns a Filter equivalent to "no filter configured": every
// mandatory, configurable, and custom event type is allowed.
func AllowAllFilter() Filter {
	f, _ := NewFilterFromPreset(PresetAll)
	return f
}

// IsAllowed reports whether an event of the given type may be emitted under
// this filter. Mandatory types are always allowed.
func (f Filter) IsAllowed(t EventType) bool {
	if t.IsMandatory() {
		return true
	}
	if t.IsCustom() {
		switch f.customMode {
		case CustomModeAll:
			return true
		case CustomModeExplicit:
			return f.allowedCustomNames[t.CustomName()]
		default:
			return false
		}
	}
	return f.allowedConfigurable[t]
}

// AllowedTypes returns the full set of type strings this filter allows,
// including the mandatory set, for introspection and testing.
func (f Filter) AllowedTypes() []EventType {
	out := []EventType{EventStarted, EventComplete, EventError, EventCancelled}
	for t := range f.allowedConfigurable {
		out = append(out, t)
	}
	if f.customMode == CustomModeAll {
		out = append(out, EventType(CustomPrefix+"*"))
	} else {
		for name := range f.allowedCustomNames {
			out = append(out, CustomType(name))
		}
	}
	return out
}
