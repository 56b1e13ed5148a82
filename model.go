package fmi

// ModelDescription is the parsed modelDescription.xml of an FMU.
//
// The ModelDescription is read-only after parsing. All queries can be
// performed concurrently from multiple goroutines without locks.
type ModelDescription struct {
	FMIVersion               string
	ModelName                string
	GUID                     string
	Description              string
	Author                   string
	Version                  string
	Copyright                string
	License                  string
	GenerationTool           string
	GenerationDateAndTime    string
	VariableNamingConvention string // "flat" (default) or "structured"
	NumberOfEventIndicators  int

	UnitDefinitions   []Unit
	TypeDefinitions   []SimpleType
	LogCategories     []LogCategory
	DefaultExperiment *DefaultExperiment

	// Variables in document order. ModelStructure indices are 1-based
	// positions in this slice.
	Variables []ScalarVariable
	Structure ModelStructure

	coSimulation  *CoSimulationAttributes
	modelExchange *ModelExchangeAttributes

	// Lookup indices (built on parse)
	nameIndex map[string]int  // name -> position in Variables
	vrIndex   map[vrKey][]int // (storage type, vr) -> positions; aliases share a key
	typeIndex map[string]int  // SimpleType name -> position in TypeDefinitions
}

type vrKey struct {
	typ VariableType
	vr  ValueReference
}

// InterfaceAttributes are shared by the CoSimulation and ModelExchange
// elements.
type InterfaceAttributes struct {
	ModelIdentifier                     string
	NeedsExecutionTool                  bool
	CanBeInstantiatedOnlyOncePerProcess bool
	CanNotUseMemoryManagementFunctions  bool
	CanGetAndSetFMUState                bool
	CanSerializeFMUState                bool
	ProvidesDirectionalDerivative       bool
	SourceFiles                         []string
}

// CoSimulationAttributes holds the attributes of the CoSimulation element.
type CoSimulationAttributes struct {
	InterfaceAttributes
	CanHandleVariableCommunicationStepSize bool
	CanInterpolateInputs                   bool
	MaxOutputDerivativeOrder               int
	CanRunAsynchronuously                  bool
}

// ModelExchangeAttributes holds the attributes of the ModelExchange element.
type ModelExchangeAttributes struct {
	InterfaceAttributes
	CompletedIntegratorStepNotNeeded bool
}

// CoSimulationModelDescription is the co-simulation view of a
// ModelDescription.
type CoSimulationModelDescription struct {
	*ModelDescription
	CoSimulationAttributes
}

// ModelExchangeModelDescription is the model-exchange view of a
// ModelDescription.
type ModelExchangeModelDescription struct {
	*ModelDescription
	ModelExchangeAttributes
}

// ScalarVariable is one entry of ModelVariables. Exactly one of the typed
// attribute pointers is non-nil, matching Type.
type ScalarVariable struct {
	Name                               string
	ValueReference                     ValueReference
	Description                        string
	Causality                          Causality
	Variability                        Variability
	Initial                            Initial // as declared, InitialNone if absent
	CanHandleMultipleSetPerTimeInstant bool
	Type                               VariableType

	Real        *RealAttributes
	Integer     *IntegerAttributes
	Boolean     *BooleanAttributes
	String      *StringAttributes
	Enumeration *EnumerationAttributes
}

// RealAttributes are the attributes of a Real variable.
type RealAttributes struct {
	DeclaredType     string
	Quantity         string
	Unit             string
	DisplayUnit      string
	RelativeQuantity bool
	Unbounded        bool
	Reinit           bool
	Min              *float64
	Max              *float64
	Nominal          *float64
	Start            *float64
	Derivative       int // 1-based index of the state this is the derivative of, 0 = none
}

// IntegerAttributes are the attributes of an Integer variable.
type IntegerAttributes struct {
	DeclaredType string
	Quantity     string
	Min          *int32
	Max          *int32
	Start        *int32
}

// BooleanAttributes are the attributes of a Boolean variable.
type BooleanAttributes struct {
	DeclaredType string
	Start        *bool
}

// StringAttributes are the attributes of a String variable.
type StringAttributes struct {
	DeclaredType string
	Start        *string
}

// EnumerationAttributes are the attributes of an Enumeration variable.
type EnumerationAttributes struct {
	DeclaredType string
	Quantity     string
	Min          *int32
	Max          *int32
	Start        *int32
}

// SimpleType is an entry of TypeDefinitions.
type SimpleType struct {
	Name        string
	Description string
	Type        VariableType
	Quantity    string
	Unit        string
	DisplayUnit string
	Min         *float64
	Max         *float64
	Nominal     *float64
	Items       []EnumerationItem // Enumeration only
}

// EnumerationItem is a named value of an enumeration type.
type EnumerationItem struct {
	Name        string
	Value       int32
	Description string
}

// Unit is an entry of UnitDefinitions.
type Unit struct {
	Name         string
	BaseUnit     *BaseUnit
	DisplayUnits []DisplayUnit
}

// BaseUnit expresses a unit in SI base units: value = factor*base + offset.
type BaseUnit struct {
	Kg, M, S, A, K, Mol, Cd, Rad int
	Factor                       float64
	Offset                       float64
}

// DisplayUnit converts a unit into a display unit.
type DisplayUnit struct {
	Name   string
	Factor float64
	Offset float64
}

// LogCategory is a log category the FMU may report through the logger.
type LogCategory struct {
	Name        string
	Description string
}

// DefaultExperiment holds the optional experiment defaults. Nil fields were
// not given.
type DefaultExperiment struct {
	StartTime *float64
	StopTime  *float64
	Tolerance *float64
	StepSize  *float64
}

// ModelStructure lists outputs, derivatives and initial unknowns.
type ModelStructure struct {
	Outputs         []Unknown
	Derivatives     []Unknown
	InitialUnknowns []Unknown
}

// Unknown references a variable by 1-based index with its dependencies.
type Unknown struct {
	Index            int
	Dependencies     []int
	DependenciesKind []string
}

// === Variant accessors ===

// AsCoSimulation returns the co-simulation view of the description.
// The second result is false when the FMU does not support co-simulation;
// that is not an error.
func (m *ModelDescription) AsCoSimulation() (*CoSimulationModelDescription, bool) {
	if m == nil || m.coSimulation == nil {
		return nil, false
	}
	return &CoSimulationModelDescription{ModelDescription: m, CoSimulationAttributes: *m.coSimulation}, true
}

// AsModelExchange returns the model-exchange view of the description.
// The second result is false when the FMU does not support model exchange.
func (m *ModelDescription) AsModelExchange() (*ModelExchangeModelDescription, bool) {
	if m == nil || m.modelExchange == nil {
		return nil, false
	}
	return &ModelExchangeModelDescription{ModelDescription: m, ModelExchangeAttributes: *m.modelExchange}, true
}

// SupportsCoSimulation reports whether the FMU declares a CoSimulation element.
func (m *ModelDescription) SupportsCoSimulation() bool {
	return m != nil && m.coSimulation != nil
}

// SupportsModelExchange reports whether the FMU declares a ModelExchange element.
func (m *ModelDescription) SupportsModelExchange() bool {
	return m != nil && m.modelExchange != nil
}

// Identifier returns the model identifier for the given kind, or "" if
// the kind is not supported.
func (m *ModelDescription) Identifier(kind Kind) string {
	switch kind {
	case CoSimulation:
		if m.coSimulation != nil {
			return m.coSimulation.ModelIdentifier
		}
	case ModelExchange:
		if m.modelExchange != nil {
			return m.modelExchange.ModelIdentifier
		}
	}
	return ""
}

// Interface returns the attributes shared by both interface types for kind.
func (m *ModelDescription) Interface(kind Kind) (*InterfaceAttributes, bool) {
	switch kind {
	case CoSimulation:
		if m.coSimulation != nil {
			return &m.coSimulation.InterfaceAttributes, true
		}
	case ModelExchange:
		if m.modelExchange != nil {
			return &m.modelExchange.InterfaceAttributes, true
		}
	}
	return nil, false
}

// NumberOfContinuousStates returns the number of continuous states, which is
// the number of Derivatives in the model structure.
func (m *ModelDescription) NumberOfContinuousStates() int {
	return len(m.Structure.Derivatives)
}

// EffectiveInitial returns the declared initial attribute, or the default
// implied by causality and variability when it was omitted.
func (v *ScalarVariable) EffectiveInitial() Initial {
	if v.Initial != InitialNone {
		return v.Initial
	}
	switch v.Causality {
	case CausalityParameter:
		return InitialExact
	case CausalityCalculatedParameter:
		return InitialCalculated
	case CausalityInput, CausalityIndependent:
		return InitialNone
	default: // output, local
		if v.Variability == VariabilityConstant {
			return InitialExact
		}
		return InitialCalculated
	}
}

// HasStart reports whether a start value was declared.
func (v *ScalarVariable) HasStart() bool {
	switch v.Type {
	case TypeReal:
		return v.Real != nil && v.Real.Start != nil
	case TypeInteger:
		return v.Integer != nil && v.Integer.Start != nil
	case TypeBoolean:
		return v.Boolean != nil && v.Boolean.Start != nil
	case TypeString:
		return v.String != nil && v.String.Start != nil
	case TypeEnumeration:
		return v.Enumeration != nil && v.Enumeration.Start != nil
	}
	return false
}

// DeclaredType returns the declaredType attribute of whichever type element
// the variable carries.
func (v *ScalarVariable) DeclaredType() string {
	switch {
	case v.Real != nil:
		return v.Real.DeclaredType
	case v.Integer != nil:
		return v.Integer.DeclaredType
	case v.Boolean != nil:
		return v.Boolean.DeclaredType
	case v.String != nil:
		return v.String.DeclaredType
	case v.Enumeration != nil:
		return v.Enumeration.DeclaredType
	}
	return ""
}
