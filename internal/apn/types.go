// Package apn describes APN purposes and the carrier profiles that reach them.
package apn

import (
	"sort"
	"strings"
)

// Type is a bitmask of APN purposes.
type Type uint32

const (
	TypeDefault Type = 1 << iota
	TypeMMS
	TypeSUPL
	TypeDUN
	TypeHIPRI
	TypeFOTA
	TypeIMS
	TypeCBS
	TypeIA
	TypeEmergency
	TypeMCX
	TypeXCAP
	TypeEnterprise

	TypeNone Type = 0

	// TypeAll is the legacy wildcard. Enterprise is deliberately not part of it.
	TypeAll = TypeDefault | TypeMMS | TypeSUPL | TypeDUN | TypeHIPRI | TypeFOTA |
		TypeIMS | TypeCBS | TypeIA | TypeEmergency | TypeMCX | TypeXCAP
)

var typeNames = []struct {
	t    Type
	name string
}{
	{TypeDefault, "default"},
	{TypeMMS, "mms"},
	{TypeSUPL, "supl"},
	{TypeDUN, "dun"},
	{TypeHIPRI, "hipri"},
	{TypeFOTA, "fota"},
	{TypeIMS, "ims"},
	{TypeCBS, "cbs"},
	{TypeIA, "ia"},
	{TypeEmergency, "emergency"},
	{TypeMCX, "mcx"},
	{TypeXCAP, "xcap"},
	{TypeEnterprise, "enterprise"},
}

// Has reports whether every bit of other is set in t.
func (t Type) Has(other Type) bool { return other != 0 && t&other == other }

// Overlaps reports whether t and other share any bit.
func (t Type) Overlaps(other Type) bool { return t&other != 0 }

// Single reports whether exactly one purpose bit is set.
func (t Type) Single() bool { return t != 0 && t&(t-1) == 0 }

// Split returns the individual purposes in t, lowest bit first.
func (t Type) Split() []Type {
	var out []Type
	for _, tn := range typeNames {
		if t&tn.t != 0 {
			out = append(out, tn.t)
		}
	}
	return out
}

// String renders a single purpose by name and a mask as a comma list.
// TypeAll renders as "*".
func (t Type) String() string {
	if t == TypeAll {
		return "*"
	}
	if t == 0 {
		return ""
	}
	parts := make([]string, 0, 4)
	for _, tn := range typeNames {
		if t&tn.t != 0 {
			parts = append(parts, tn.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseType parses a single purpose name. Unknown names return TypeNone.
func ParseType(s string) Type {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "*" || s == "all" {
		return TypeAll
	}
	for _, tn := range typeNames {
		if tn.name == s {
			return tn.t
		}
	}
	return TypeNone
}

// ParseTypes parses a comma separated list such as "default,supl".
func ParseTypes(s string) Type {
	var out Type
	for _, part := range strings.Split(s, ",") {
		out |= ParseType(part)
	}
	return out
}

// Names returns the purpose names in t, sorted.
func (t Type) Names() []string {
	if t == 0 {
		return nil
	}
	names := make([]string, 0, 4)
	for _, tn := range t.Split() {
		names = append(names, tn.String())
	}
	sort.Strings(names)
	return names
}
