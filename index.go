package fmi

import (
	"errors"
	"fmt"
)

// Common errors for variable lookups.
var (
	ErrVariableNotFound = errors.New("variable not found")
	ErrTypeMismatch     = errors.New("variable type mismatch")
)

func (m *ModelDescription) buildIndices() {
	m.nameIndex = make(map[string]int, len(m.Variables))
	m.vrIndex = make(map[vrKey][]int, len(m.Variables))
	for i := range m.Variables {
		v := &m.Variables[i]
		m.nameIndex[v.Name] = i
		key := vrKey{typ: v.Type.storageType(), vr: v.ValueReference}
		m.vrIndex[key] = append(m.vrIndex[key], i)
	}
	m.typeIndex = make(map[string]int, len(m.TypeDefinitions))
	for i := range m.TypeDefinitions {
		m.typeIndex[m.TypeDefinitions[i].Name] = i
	}
}

// VariableCount returns the number of scalar variables.
func (m *ModelDescription) VariableCount() int {
	return len(m.Variables)
}

// VariableByName returns the variable with the given name, or nil.
func (m *ModelDescription) VariableByName(name string) *ScalarVariable {
	if i, ok := m.nameIndex[name]; ok {
		return &m.Variables[i]
	}
	return nil
}

// VariableByIndex returns the variable at a 1-based ModelStructure index, or nil.
func (m *ModelDescription) VariableByIndex(index int) *ScalarVariable {
	if index < 1 || index > len(m.Variables) {
		return nil
	}
	return &m.Variables[index-1]
}

// VariableByValueReference returns the first variable of type t with the
// given value reference, or nil. Enumeration and Integer share a reference
// space.
func (m *ModelDescription) VariableByValueReference(t VariableType, vr ValueReference) *ScalarVariable {
	ids := m.vrIndex[vrKey{typ: t.storageType(), vr: vr}]
	if len(ids) == 0 {
		return nil
	}
	return &m.Variables[ids[0]]
}

// Aliases returns every variable sharing v's type and value reference,
// including v itself.
func (m *ModelDescription) Aliases(v *ScalarVariable) []*ScalarVariable {
	if v == nil {
		return nil
	}
	ids := m.vrIndex[vrKey{typ: v.Type.storageType(), vr: v.ValueReference}]
	out := make([]*ScalarVariable, len(ids))
	for i, id := range ids {
		out[i] = &m.Variables[id]
	}
	return out
}

// ValueReference returns the value reference of the named variable.
func (m *ModelDescription) ValueReference(name string) (ValueReference, error) {
	v := m.VariableByName(name)
	if v == nil {
		return 0, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
	}
	return v.ValueReference, nil
}

// ValueReferences resolves names to value references in order. All names
// must refer to variables of the same storage type.
func (m *ModelDescription) ValueReferences(names ...string) ([]ValueReference, error) {
	vrs := make([]ValueReference, len(names))
	var typ VariableType
	for i, name := range names {
		v := m.VariableByName(name)
		if v == nil {
			return nil, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
		}
		if i == 0 {
			typ = v.Type.storageType()
		} else if v.Type.storageType() != typ {
			return nil, fmt.Errorf("%w: %q is %s, expected %s", ErrTypeMismatch, name, v.Type, typ)
		}
		vrs[i] = v.ValueReference
	}
	return vrs, nil
}

// TypeDefinition returns the SimpleType with the given name, or nil.
func (m *ModelDescription) TypeDefinition(name string) *SimpleType {
	if i, ok := m.typeIndex[name]; ok {
		return &m.TypeDefinitions[i]
	}
	return nil
}

// Filter returns the variables for which keep returns true, in document order.
func (m *ModelDescription) Filter(keep func(*ScalarVariable) bool) []*ScalarVariable {
	var out []*ScalarVariable
	for i := range m.Variables {
		if keep(&m.Variables[i]) {
			out = append(out, &m.Variables[i])
		}
	}
	return out
}

// Inputs returns the variables with causality input.
func (m *ModelDescription) Inputs() []*ScalarVariable {
	return m.Filter(func(v *ScalarVariable) bool { return v.Causality == CausalityInput })
}

// Outputs returns the variables with causality output.
func (m *ModelDescription) Outputs() []*ScalarVariable {
	return m.Filter(func(v *ScalarVariable) bool { return v.Causality == CausalityOutput })
}

// Parameters returns the variables with causality parameter.
func (m *ModelDescription) Parameters() []*ScalarVariable {
	return m.Filter(func(v *ScalarVariable) bool { return v.Causality == CausalityParameter })
}

// CalculatedParameters returns the variables with causality
// calculatedParameter.
func (m *ModelDescription) CalculatedParameters() []*ScalarVariable {
	return m.Filter(func(v *ScalarVariable) bool { return v.Causality == CausalityCalculatedParameter })
}

// Locals returns the variables with causality local, derivatives included.
func (m *ModelDescription) Locals() []*ScalarVariable {
	return m.Filter(func(v *ScalarVariable) bool { return v.Causality == CausalityLocal })
}

// Derivatives returns the derivative variables listed in ModelStructure,
// in state order.
func (m *ModelDescription) Derivatives() []*ScalarVariable {
	out := make([]*ScalarVariable, 0, len(m.Structure.Derivatives))
	for _, u := range m.Structure.Derivatives {
		out = append(out, m.VariableByIndex(u.Index))
	}
	return out
}

// States returns the continuous state variables: for each derivative in
// ModelStructure, the variable its derivative attribute points at.
func (m *ModelDescription) States() []*ScalarVariable {
	out := make([]*ScalarVariable, 0, len(m.Structure.Derivatives))
	for _, d := range m.Derivatives() {
		out = append(out, m.VariableByIndex(d.Real.Derivative))
	}
	return out
}

// IndexOf returns the 1-based position of v in Variables, or 0 if v does not
// belong to this description.
func (m *ModelDescription) IndexOf(v *ScalarVariable) int {
	if v == nil {
		return 0
	}
	if i, ok := m.nameIndex[v.Name]; ok && &m.Variables[i] == v {
		return i + 1
	}
	return 0
}
