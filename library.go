package fmi

// FMUState is an opaque fmi2FMUstate pointer owned by the engine.
type FMUState uintptr

// EventInfo mirrors fmi2EventInfo, filled by fmi2NewDiscreteStates.
type EventInfo struct {
	NewDiscreteStatesNeeded           bool
	TerminateSimulation               bool
	NominalsOfContinuousStatesChanged bool
	ValuesOfContinuousStatesChanged   bool
	NextEventTimeDefined              bool
	NextEventTime                     float64
}

// Library is the raw FMI 2.0 call surface of one loaded FMU binary.
//
// Methods return the engine's status codes uninterpreted. A Library does not
// validate component pointers and is not safe for concurrent calls on the
// same component; use Binding for both.
//
// Calling a function the binary does not export is a programming error:
// check Has first. Implementations return StatusError for such calls.
type Library interface {
	// Has reports whether the binary exports the named fmi2 function.
	Has(symbol string) bool

	Version() string
	TypesPlatform() string

	Instantiate(name string, kind Kind, guid, resourceLocation string, visible, loggingOn bool) Component
	FreeInstance(c Component)
	SetDebugLogging(c Component, loggingOn bool, categories []string) int32

	SetupExperiment(c Component, toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) int32
	EnterInitializationMode(c Component) int32
	ExitInitializationMode(c Component) int32
	Terminate(c Component) int32
	Reset(c Component) int32

	GetReal(c Component, vrs []ValueReference, out []float64) int32
	GetInteger(c Component, vrs []ValueReference, out []int32) int32
	GetBoolean(c Component, vrs []ValueReference, out []bool) int32
	GetString(c Component, vrs []ValueReference, out []string) int32
	SetReal(c Component, vrs []ValueReference, values []float64) int32
	SetInteger(c Component, vrs []ValueReference, values []int32) int32
	SetBoolean(c Component, vrs []ValueReference, values []bool) int32
	SetString(c Component, vrs []ValueReference, values []string) int32

	GetFMUState(c Component) (FMUState, int32)
	SetFMUState(c Component, s FMUState) int32
	FreeFMUState(c Component, s FMUState) int32
	SerializeFMUState(c Component, s FMUState) ([]byte, int32)
	DeserializeFMUState(c Component, data []byte) (FMUState, int32)
	GetDirectionalDerivative(c Component, unknown, known []ValueReference, dvKnown, dvUnknown []float64) int32

	// Co-simulation.
	SetRealInputDerivatives(c Component, vrs []ValueReference, orders []int32, values []float64) int32
	GetRealOutputDerivatives(c Component, vrs []ValueReference, orders []int32, out []float64) int32
	DoStep(c Component, currentTime, stepSize float64, noSetFMUStatePriorToCurrentPoint bool) int32
	CancelStep(c Component) int32
	GetStatus(c Component, kind StatusKind) (Status, int32)
	GetRealStatus(c Component, kind StatusKind) (float64, int32)
	GetBooleanStatus(c Component, kind StatusKind) (bool, int32)

	// Model exchange.
	EnterEventMode(c Component) int32
	NewDiscreteStates(c Component) (EventInfo, int32)
	EnterContinuousTimeMode(c Component) int32
	CompletedIntegratorStep(c Component, noSetFMUStatePriorToCurrentPoint bool) (enterEventMode, terminateSimulation bool, status int32)
	SetTime(c Component, t float64) int32
	SetContinuousStates(c Component, x []float64) int32
	GetDerivatives(c Component, dx []float64) int32
	GetEventIndicators(c Component, z []float64) int32
	GetContinuousStates(c Component, x []float64) int32
	GetNominalsOfContinuousStates(c Component, nominals []float64) int32

	// Close unloads the binary. It is idempotent.
	Close() error
}

// Exported function names.
const (
	fnGetTypesPlatform              = "fmi2GetTypesPlatform"
	fnGetVersion                    = "fmi2GetVersion"
	fnSetDebugLogging               = "fmi2SetDebugLogging"
	fnInstantiate                   = "fmi2Instantiate"
	fnFreeInstance                  = "fmi2FreeInstance"
	fnSetupExperiment               = "fmi2SetupExperiment"
	fnEnterInitializationMode       = "fmi2EnterInitializationMode"
	fnExitInitializationMode        = "fmi2ExitInitializationMode"
	fnTerminate                     = "fmi2Terminate"
	fnReset                         = "fmi2Reset"
	fnGetReal                       = "fmi2GetReal"
	fnGetInteger                    = "fmi2GetInteger"
	fnGetBoolean                    = "fmi2GetBoolean"
	fnGetString                     = "fmi2GetString"
	fnSetReal                       = "fmi2SetReal"
	fnSetInteger                    = "fmi2SetInteger"
	fnSetBoolean                    = "fmi2SetBoolean"
	fnSetString                     = "fmi2SetString"
	fnGetFMUState                   = "fmi2GetFMUstate"
	fnSetFMUState                   = "fmi2SetFMUstate"
	fnFreeFMUState                  = "fmi2FreeFMUstate"
	fnSerializedFMUStateSize        = "fmi2SerializedFMUstateSize"
	fnSerializeFMUState             = "fmi2SerializeFMUstate"
	fnDeSerializeFMUState           = "fmi2DeSerializeFMUstate"
	fnGetDirectionalDerivative      = "fmi2GetDirectionalDerivative"
	fnSetRealInputDerivatives       = "fmi2SetRealInputDerivatives"
	fnGetRealOutputDerivatives      = "fmi2GetRealOutputDerivatives"
	fnDoStep                        = "fmi2DoStep"
	fnCancelStep                    = "fmi2CancelStep"
	fnGetStatus                     = "fmi2GetStatus"
	fnGetRealStatus                 = "fmi2GetRealStatus"
	fnGetBooleanStatus              = "fmi2GetBooleanStatus"
	fnEnterEventMode                = "fmi2EnterEventMode"
	fnNewDiscreteStates             = "fmi2NewDiscreteStates"
	fnEnterContinuousTimeMode       = "fmi2EnterContinuousTimeMode"
	fnCompletedIntegratorStep       = "fmi2CompletedIntegratorStep"
	fnSetTime                       = "fmi2SetTime"
	fnSetContinuousStates           = "fmi2SetContinuousStates"
	fnGetDerivatives                = "fmi2GetDerivatives"
	fnGetEventIndicators            = "fmi2GetEventIndicators"
	fnGetContinuousStates           = "fmi2GetContinuousStates"
	fnGetNominalsOfContinuousStates = "fmi2GetNominalsOfContinuousStates"
)

var commonExports = []string{
	fnGetTypesPlatform, fnGetVersion, fnSetDebugLogging,
	fnInstantiate, fnFreeInstance,
	fnSetupExperiment, fnEnterInitializationMode, fnExitInitializationMode,
	fnTerminate, fnReset,
	fnGetReal, fnGetInteger, fnGetBoolean, fnGetString,
	fnSetReal, fnSetInteger, fnSetBoolean, fnSetString,
}

var coSimulationExports = []string{fnDoStep}

var modelExchangeExports = []string{
	fnEnterEventMode, fnNewDiscreteStates, fnEnterContinuousTimeMode,
	fnCompletedIntegratorStep, fnSetTime, fnSetContinuousStates,
	fnGetDerivatives, fnGetEventIndicators, fnGetContinuousStates,
	fnGetNominalsOfContinuousStates,
}

var optionalExports = []string{
	fnGetFMUState, fnSetFMUState, fnFreeFMUState,
	fnSerializedFMUStateSize, fnSerializeFMUState, fnDeSerializeFMUState,
	fnGetDirectionalDerivative,
	fnSetRealInputDerivatives, fnGetRealOutputDerivatives,
	fnCancelStep, fnGetStatus, fnGetRealStatus, fnGetBooleanStatus,
}

// requiredExports returns the functions an FMU must export to be used as kind.
func requiredExports(kind Kind) []string {
	out := append([]string(nil), commonExports...)
	if kind == CoSimulation {
		return append(out, coSimulationExports...)
	}
	return append(out, modelExchangeExports...)
}

// missingExports returns the entries of names for which has is false.
func missingExports(names []string, has func(string) bool) []string {
	var missing []string
	for _, name := range names {
		if !has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
