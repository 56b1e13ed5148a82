package fmi

import (
	"encoding/json"
	"fmt"
)

// modelDescriptionFields has the fields of ModelDescription without its
// methods, so encoding/json handles it field by field.
type modelDescriptionFields ModelDescription

type modelDescriptionJSON struct {
	*modelDescriptionFields
	CoSimulation  *CoSimulationAttributes  `json:",omitempty"`
	ModelExchange *ModelExchangeAttributes `json:",omitempty"`
}

// MarshalJSON encodes the description with its CoSimulation and
// ModelExchange attributes. Enumerated attributes are written by name, as
// in the XML.
func (m *ModelDescription) MarshalJSON() ([]byte, error) {
	return json.Marshal(modelDescriptionJSON{
		modelDescriptionFields: (*modelDescriptionFields)(m),
		CoSimulation:           m.coSimulation,
		ModelExchange:          m.modelExchange,
	})
}

// UnmarshalJSON decodes a description written by MarshalJSON and rebuilds
// its lookup indices.
func (m *ModelDescription) UnmarshalJSON(data []byte) error {
	var fields modelDescriptionFields
	aux := modelDescriptionJSON{modelDescriptionFields: &fields}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.CoSimulation == nil && aux.ModelExchange == nil {
		return fmt.Errorf("%w: neither CoSimulation nor ModelExchange is declared", ErrInvalidModelDescription)
	}
	*m = ModelDescription(fields)
	m.coSimulation = aux.CoSimulation
	m.modelExchange = aux.ModelExchange
	m.buildIndices()
	return nil
}

func (c Causality) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Causality) UnmarshalText(b []byte) (err error) {
	*c, err = parseCausality(string(b))
	return err
}

func (v Variability) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Variability) UnmarshalText(b []byte) (err error) {
	*v, err = parseVariability(string(b))
	return err
}

func (i Initial) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Initial) UnmarshalText(b []byte) (err error) {
	*i, err = parseInitial(string(b))
	return err
}

func (t VariableType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *VariableType) UnmarshalText(b []byte) error {
	for i, name := range variableTypeNames {
		if name == string(b) {
			*t = VariableType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown variable type %q", b)
}
