// Package attributes is the reference model for LwM2M observation
// attributes. It predicts which notifications a conforming device sends for
// a sequence of value changes.
package attributes

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var ErrInvalidAttribute = errors.New("invalid attribute")

// Attribute names as they appear in write-attributes queries.
const (
	NamePMin = "pmin"
	NamePMax = "pmax"
	NameGT   = "gt"
	NameLT   = "lt"
	NameStep = "st"
)

// Attributes is the set of notification attributes on one resource. Nil
// means unset. pmin and pmax are in time units.
type Attributes struct {
	PMin *int64
	PMax *int64
	GT   *float64
	LT   *float64
	Step *float64
}

// Update is a parsed write-attributes query: values to set plus names to
// unset ("pmax=" with an empty value).
type Update struct {
	Set   Attributes
	Clear []string
}

// ParseQuery parses write-attributes Uri-Query options such as "pmax=2".
func ParseQuery(queries []string) (Update, error) {
	var u Update
	for _, q := range queries {
		name, value, _ := strings.Cut(q, "=")
		if name == "step" {
			name = NameStep
		}
		if value == "" {
			switch name {
			case NamePMin, NamePMax, NameGT, NameLT, NameStep:
				u.Clear = append(u.Clear, name)
				continue
			}
		}
		switch name {
		case NamePMin, NamePMax:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return Update{}, fmt.Errorf("%w: %s must be a non-negative integer, got %q", ErrInvalidAttribute, name, value)
			}
			if name == NamePMin {
				u.Set.PMin = &n
			} else {
				u.Set.PMax = &n
			}
		case NameGT, NameLT, NameStep:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Update{}, fmt.Errorf("%w: %s must be numeric, got %q", ErrInvalidAttribute, name, value)
			}
			switch name {
			case NameGT:
				u.Set.GT = &f
			case NameLT:
				u.Set.LT = &f
			default:
				if f < 0 {
					return Update{}, fmt.Errorf("%w: st must not be negative", ErrInvalidAttribute)
				}
				u.Set.Step = &f
			}
		default:
			return Update{}, fmt.Errorf("%w: unknown attribute %q", ErrInvalidAttribute, name)
		}
	}
	return u, nil
}

// Merge applies u on top of a; attributes not mentioned keep their value.
func (a Attributes) Merge(u Update) Attributes {
	out := a
	for _, name := range u.Clear {
		switch name {
		case NamePMin:
			out.PMin = nil
		case NamePMax:
			out.PMax = nil
		case NameGT:
			out.GT = nil
		case NameLT:
			out.LT = nil
		case NameStep:
			out.Step = nil
		}
	}
	if u.Set.PMin != nil {
		out.PMin = u.Set.PMin
	}
	if u.Set.PMax != nil {
		out.PMax = u.Set.PMax
	}
	if u.Set.GT != nil {
		out.GT = u.Set.GT
	}
	if u.Set.LT != nil {
		out.LT = u.Set.LT
	}
	if u.Set.Step != nil {
		out.Step = u.Set.Step
	}
	return out
}

func (a Attributes) IsEmpty() bool {
	return a.PMin == nil && a.PMax == nil && !a.HasThresholds()
}

// HasThresholds reports whether any value-gating attribute is set.
func (a Attributes) HasThresholds() bool {
	return a.GT != nil || a.LT != nil || a.Step != nil
}

// Query renders the set attributes as Uri-Query options in a stable order.
func (a Attributes) Query() []string {
	var q []string
	if a.PMin != nil {
		q = append(q, NamePMin+"="+strconv.FormatInt(*a.PMin, 10))
	}
	if a.PMax != nil {
		q = append(q, NamePMax+"="+strconv.FormatInt(*a.PMax, 10))
	}
	if a.GT != nil {
		q = append(q, NameGT+"="+formatFloat(*a.GT))
	}
	if a.LT != nil {
		q = append(q, NameLT+"="+formatFloat(*a.LT))
	}
	if a.Step != nil {
		q = append(q, NameStep+"="+formatFloat(*a.Step))
	}
	return q
}

func (u Update) Query() []string {
	q := u.Set.Query()
	for _, name := range u.Clear {
		if !slices.Contains(q, name+"=") {
			q = append(q, name+"=")
		}
	}
	return q
}

func (a Attributes) String() string {
	if a.IsEmpty() {
		return "{}"
	}
	return "{" + strings.Join(a.Query(), " ") + "}"
}

func Int(v int64) *int64 { return &v }

func Float(v float64) *float64 { return &v }

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Numeric interprets a plain-text resource value as a number.
func Numeric(value []byte) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(value)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
