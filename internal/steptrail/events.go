package steptrail

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Event is one capture event from the page observer. The concrete types
// below are the only implementations.
type Event interface {
	Kind() StepType
	Base() EventBase
}

type EventBase struct {
	Href      string
	Title     string
	At        time.Time
	Target    *Target
	Selectors map[string]any
	Modifiers Modifiers
}

func (b EventBase) Base() EventBase { return b }

type ClickEvent struct{ EventBase }

type KeyEvent struct {
	EventBase
	Key string
}

type InputEvent struct {
	EventBase
	Value     string
	InputType string
}

type SelectEvent struct {
	EventBase
	Value       string
	OptionValue string
	OptionText  string
}

type ToggleEvent struct {
	EventBase
	Checked *bool
	Value   string
}

type NavigateEvent struct {
	EventBase
	NavigationKind string
	FromHref       string
}

type ScrollEvent struct {
	EventBase
	ScrollX int
	ScrollY int
}

func (ClickEvent) Kind() StepType    { return StepClick }
func (KeyEvent) Kind() StepType      { return StepKey }
func (InputEvent) Kind() StepType    { return StepInput }
func (SelectEvent) Kind() StepType   { return StepSelect }
func (ToggleEvent) Kind() StepType   { return StepToggle }
func (NavigateEvent) Kind() StepType { return StepNavigate }
func (ScrollEvent) Kind() StepType   { return StepScroll }

// DecodeEvent parses an event payload. Fields of the wrong JSON type are
// dropped rather than rejected; only invalid JSON or an unknown kind fail.
func DecodeEvent(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: event must be a json object", ErrInvalidInput)
	}
	kind := StepType(strings.ToLower(strings.TrimSpace(rawString(fields, "kind"))))
	base := EventBase{
		Href:      rawString(fields, "href"),
		Title:     rawString(fields, "title"),
		At:        rawTime(fields, "ts"),
		Target:    rawTarget(fields["target"]),
		Selectors: rawObject(fields["selectors"]),
		Modifiers: rawModifiers(fields["modifiers"]),
	}
	switch kind {
	case StepClick:
		return ClickEvent{EventBase: base}, nil
	case StepKey:
		return KeyEvent{EventBase: base, Key: rawString(fields, "key")}, nil
	case StepInput:
		return InputEvent{EventBase: base, Value: rawString(fields, "value"), InputType: rawString(fields, "inputType")}, nil
	case StepSelect:
		return SelectEvent{
			EventBase:   base,
			Value:       rawString(fields, "value"),
			OptionValue: rawString(fields, "optionValue"),
			OptionText:  rawString(fields, "optionText"),
		}, nil
	case StepToggle:
		return ToggleEvent{EventBase: base, Checked: rawBool(fields, "checked"), Value: rawString(fields, "value")}, nil
	case StepNavigate:
		return NavigateEvent{EventBase: base, NavigationKind: rawString(fields, "navigationKind"), FromHref: rawString(fields, "fromHref")}, nil
	case StepScroll:
		x, _ := rawNumber(fields, "scrollX")
		y, _ := rawNumber(fields, "scrollY")
		return ScrollEvent{EventBase: base, ScrollX: int(math.Round(x)), ScrollY: int(math.Round(y))}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, string(kind))
	}
}

// newStep turns an event into an unsaved step; the session, index and id
// are assigned at commit.
func newStep(ev Event, now time.Time) Step {
	base := ev.Base()
	at := base.At
	if at.IsZero() {
		at = now
	}
	step := Step{
		Type:        ev.Kind(),
		At:          at.UTC(),
		URL:         base.Href,
		Title:       base.Title,
		Modifiers:   base.Modifiers,
		Target:      base.Target,
		Selectors:   base.Selectors,
		Annotations: []Annotation{},
	}
	switch ev := ev.(type) {
	case ClickEvent:
	case KeyEvent:
		step.Key = ev.Key
	case InputEvent:
		step.Value = ev.Value
		step.InputType = ev.InputType
	case SelectEvent:
		step.Value = ev.Value
		step.OptionValue = ev.OptionValue
		step.OptionText = ev.OptionText
	case ToggleEvent:
		if ev.Checked != nil {
			checked := *ev.Checked
			step.Checked = &checked
		}
		step.Value = ev.Value
	case NavigateEvent:
		step.NavigationKind = ev.NavigationKind
		step.FromURL = ev.FromHref
	case ScrollEvent:
		x, y := ev.ScrollX, ev.ScrollY
		step.ScrollX = &x
		step.ScrollY = &y
	}
	return step
}

func rawString(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out
}

func rawNumber(fields map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	var out float64
	if err := json.Unmarshal(raw, &out); err != nil || math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

func rawBool(fields map[string]json.RawMessage, key string) *bool {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}

// rawTime accepts epoch milliseconds or an RFC 3339 string.
func rawTime(fields map[string]json.RawMessage, key string) time.Time {
	if ms, ok := rawNumber(fields, key); ok && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	if text := rawString(fields, key); text != "" {
		if ts, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func rawTarget(raw json.RawMessage) *Target {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil || fields == nil {
		return nil
	}
	target := &Target{
		Tag:   strings.ToLower(rawString(fields, "tag")),
		ID:    rawString(fields, "id"),
		Name:  rawString(fields, "name"),
		Type:  rawString(fields, "type"),
		Role:  rawString(fields, "role"),
		Label: rawString(fields, "label"),
		Text:  rawString(fields, "text"),
	}
	if target.Tag == "" {
		target.Tag = strings.ToLower(rawString(fields, "tagName"))
	}
	if *target == (Target{}) {
		return nil
	}
	return target
}

func rawObject(raw json.RawMessage) map[string]any {
	var out map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &out) != nil || len(out) == 0 {
		return nil
	}
	return out
}

func rawModifiers(raw json.RawMessage) Modifiers {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return Modifiers{}
	}
	flag := func(short, long string) bool {
		if v := rawBool(fields, short); v != nil {
			return *v
		}
		if v := rawBool(fields, long); v != nil {
			return *v
		}
		return false
	}
	return Modifiers{
		Alt:   flag("alt", "altKey"),
		Ctrl:  flag("ctrl", "ctrlKey"),
		Meta:  flag("meta", "metaKey"),
		Shift: flag("shift", "shiftKey"),
	}
}
