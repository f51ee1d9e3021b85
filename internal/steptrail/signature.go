package steptrail

import (
	"strconv"
	"strings"
)

const signatureSeparator = "\x1f"

// Signature fingerprints the fields that make two steps the same action.
func Signature(step Step) string {
	var tag, id, name string
	if step.Target != nil {
		tag, id, name = step.Target.Tag, step.Target.ID, step.Target.Name
	}
	checked := ""
	if step.Checked != nil {
		checked = strconv.FormatBool(*step.Checked)
	}
	parts := []string{
		string(step.Type),
		step.URL,
		step.Title,
		tag,
		id,
		name,
		step.Key,
		step.Value,
		step.OptionValue,
		checked,
		optionalInt(step.ScrollX),
		optionalInt(step.ScrollY),
		step.NavigationKind,
		modifierFlags(step.Modifiers),
	}
	return strings.Join(parts, signatureSeparator)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func modifierFlags(m Modifiers) string {
	flags := []byte("----")
	if m.Alt {
		flags[0] = 'a'
	}
	if m.Ctrl {
		flags[1] = 'c'
	}
	if m.Meta {
		flags[2] = 'm'
	}
	if m.Shift {
		flags[3] = 's'
	}
	return string(flags)
}
