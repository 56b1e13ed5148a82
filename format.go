package fmi

import (
	"strconv"
	"strings"
)

// FormatVariable returns a one-line summary of a variable, e.g.
// "h [vr=0 Real output continuous]".
func FormatVariable(v *ScalarVariable) string {
	if v == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(v.Name)
	b.WriteString(" [vr=")
	b.WriteString(strconv.FormatUint(uint64(v.ValueReference), 10))
	b.WriteByte(' ')
	b.WriteString(v.Type.String())
	b.WriteByte(' ')
	b.WriteString(v.Causality.String())
	b.WriteByte(' ')
	b.WriteString(v.Variability.String())
	if init := v.EffectiveInitial(); init != InitialNone {
		b.WriteString(" initial=")
		b.WriteString(init.String())
	}
	b.WriteByte(']')
	return b.String()
}

// EffectiveUnit returns the unit of a Real variable, falling back to the unit
// of its declared type.
func (m *ModelDescription) EffectiveUnit(v *ScalarVariable) string {
	if v == nil || v.Real == nil {
		return ""
	}
	if v.Real.Unit != "" {
		return v.Real.Unit
	}
	if m != nil && v.Real.DeclaredType != "" {
		if t := m.TypeDefinition(v.Real.DeclaredType); t != nil {
			return t.Unit
		}
	}
	return ""
}

// Unit returns the unit definition with the given name, or nil.
func (m *ModelDescription) Unit(name string) *Unit {
	for i := range m.UnitDefinitions {
		if m.UnitDefinitions[i].Name == name {
			return &m.UnitDefinitions[i]
		}
	}
	return nil
}

// FormatReal formats a Real value with its unit. When the variable names a
// displayUnit defined in UnitDefinitions the value is converted to it.
// If m or v is nil, returns the plain number.
func FormatReal(m *ModelDescription, v *ScalarVariable, value float64) string {
	unit := m.EffectiveUnit(v)
	if m != nil && v != nil && v.Real != nil && v.Real.DisplayUnit != "" && unit != "" {
		if u := m.Unit(unit); u != nil {
			for _, du := range u.DisplayUnits {
				if du.Name == v.Real.DisplayUnit {
					value = du.Factor*value + du.Offset
					unit = du.Name
					break
				}
			}
		}
	}
	s := strconv.FormatFloat(value, 'g', -1, 64)
	if unit != "" {
		s += " " + unit
	}
	return s
}

// FormatInteger formats an Integer or Enumeration value. Enumeration values
// are shown as name(value) when the declared type has a matching item.
func FormatInteger(m *ModelDescription, v *ScalarVariable, value int32) string {
	s := strconv.FormatInt(int64(value), 10)
	if m == nil || v == nil || v.Enumeration == nil {
		return s
	}
	t := m.TypeDefinition(v.Enumeration.DeclaredType)
	if t == nil {
		return s
	}
	for _, item := range t.Items {
		if item.Value == value {
			return item.Name + "(" + s + ")"
		}
	}
	return s
}

// FormatValue formats any value read from an FMU based on the variable's
// type. Unsupported Go types format as "".
func FormatValue(m *ModelDescription, v *ScalarVariable, value any) string {
	switch x := value.(type) {
	case float64:
		return FormatReal(m, v, x)
	case int32:
		return FormatInteger(m, v, x)
	case int:
		return FormatInteger(m, v, int32(x))
	case bool:
		return strconv.FormatBool(x)
	case string:
		return strconv.Quote(x)
	default:
		return ""
	}
}
