package fmi

import "fmt"

// Kind selects the FMI interface type of an instance. Values match fmi2Type.
type Kind int32

const (
	ModelExchange Kind = 0 // fmi2ModelExchange
	CoSimulation  Kind = 1 // fmi2CoSimulation
)

func (k Kind) String() string {
	switch k {
	case ModelExchange:
		return "model-exchange"
	case CoSimulation:
		return "co-simulation"
	default:
		return "unknown"
	}
}

// Status is the result of an FMI function call. Values match fmi2Status.
//
// The set is closed: any other code returned by an engine is reported as
// ErrUnknownStatus by the Binding.
type Status int32

const (
	StatusOK      Status = 0 // fmi2OK
	StatusWarning Status = 1 // fmi2Warning
	StatusDiscard Status = 2 // fmi2Discard
	StatusError   Status = 3 // fmi2Error
	StatusFatal   Status = 4 // fmi2Fatal
	StatusPending Status = 5 // fmi2Pending
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusDiscard:
		return "Discard"
	case StatusError:
		return "Error"
	case StatusFatal:
		return "Fatal"
	case StatusPending:
		return "Pending"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Valid reports whether s is one of the six fmi2Status values.
func (s Status) Valid() bool {
	return s >= StatusOK && s <= StatusPending
}

// Succeeded returns true for OK and Warning.
func (s Status) Succeeded() bool {
	return s == StatusOK || s == StatusWarning
}

// StatusKind selects the value queried by the co-simulation status functions.
// Values match fmi2StatusKind.
type StatusKind int32

const (
	DoStepStatus       StatusKind = 0 // fmi2DoStepStatus
	PendingStatus      StatusKind = 1 // fmi2PendingStatus
	LastSuccessfulTime StatusKind = 2 // fmi2LastSuccessfulTime
	Terminated         StatusKind = 3 // fmi2Terminated
)

func (k StatusKind) String() string {
	switch k {
	case DoStepStatus:
		return "doStepStatus"
	case PendingStatus:
		return "pendingStatus"
	case LastSuccessfulTime:
		return "lastSuccessfulTime"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Causality is the causality attribute of a ScalarVariable.
type Causality uint8

const (
	CausalityLocal               Causality = 0 // default
	CausalityParameter           Causality = 1
	CausalityCalculatedParameter Causality = 2
	CausalityInput               Causality = 3
	CausalityOutput              Causality = 4
	CausalityIndependent         Causality = 5
)

var causalityNames = []string{
	"local", "parameter", "calculatedParameter", "input", "output", "independent",
}

func (c Causality) String() string {
	if int(c) < len(causalityNames) {
		return causalityNames[c]
	}
	return "unknown"
}

// Variability is the variability attribute of a ScalarVariable.
type Variability uint8

const (
	VariabilityContinuous Variability = 0 // default
	VariabilityConstant   Variability = 1
	VariabilityFixed      Variability = 2
	VariabilityTunable    Variability = 3
	VariabilityDiscrete   Variability = 4
)

var variabilityNames = []string{
	"continuous", "constant", "fixed", "tunable", "discrete",
}

func (v Variability) String() string {
	if int(v) < len(variabilityNames) {
		return variabilityNames[v]
	}
	return "unknown"
}

// Initial is the initial attribute of a ScalarVariable.
type Initial uint8

const (
	InitialNone       Initial = 0 // attribute absent and not applicable
	InitialExact      Initial = 1
	InitialApprox     Initial = 2
	InitialCalculated Initial = 3
)

var initialNames = []string{"", "exact", "approx", "calculated"}

func (i Initial) String() string {
	if int(i) < len(initialNames) {
		return initialNames[i]
	}
	return "unknown"
}

// VariableType is the type element of a ScalarVariable.
type VariableType uint8

const (
	TypeReal        VariableType = 0
	TypeInteger     VariableType = 1
	TypeBoolean     VariableType = 2
	TypeString      VariableType = 3
	TypeEnumeration VariableType = 4
)

var variableTypeNames = []string{"Real", "Integer", "Boolean", "String", "Enumeration"}

func (t VariableType) String() string {
	if int(t) < len(variableTypeNames) {
		return variableTypeNames[t]
	}
	return "unknown"
}

// storageType maps a variable type onto the fmi2Get/Set function family used
// to access it. Enumerations are read and written as integers.
func (t VariableType) storageType() VariableType {
	if t == TypeEnumeration {
		return TypeInteger
	}
	return t
}

// ValueReference identifies a variable inside an FMU. References are unique
// per base type, not across types.
type ValueReference = uint32

// Component is the raw fmi2Component pointer returned by fmi2Instantiate.
// Zero is NULL.
type Component uintptr
