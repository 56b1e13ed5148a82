// Package fmi loads and runs FMI 2.0 Functional Mock-up Units.
//
// An FMU is a zip archive holding a modelDescription.xml, compiled model
// binaries under binaries/<platform>/ and optional resources. This package
// parses the description, loads the binary for the running platform (or a
// wasm32 build through wazero) and drives co-simulation and model-exchange
// instances through their lifecycle.
//
// # Quick Start
//
//	fmu, err := fmi.Open("BouncingBall.fmu")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fmu.Close()
//
//	slave, err := fmi.NewCoSimulationSlave(fmu)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer slave.Close()
//
//	if err := slave.Setup(0, 10, 0); err != nil {
//	    log.Fatal(err)
//	}
//	for slave.SimulationTime() < 10 {
//	    if err := slave.DoStep(0.01); err != nil {
//	        log.Fatal(err)
//	    }
//	    h, _ := slave.ReadReal("h")
//	    fmt.Println(slave.SimulationTime(), h)
//	}
//
// # Layers
//
//   - [ParseModelDescription] and friends read modelDescription.xml into a
//     [ModelDescription] without loading any binary
//   - [Library] is the raw fmi2* call surface, implemented natively by
//     [LoadLibrary] and for wasm32 binaries by [LoadWasmLibrary]
//   - [Binding] hides fmi2Component pointers behind generation-checked
//     [Handle] values and returns engine results as [Status]
//   - [CoSimulationSlave] and [ModelExchangeSlave] add a state machine,
//     typed access by variable name and, for model exchange, a [Solver]
//   - [Driver] runs a whole experiment into a result.Sink
//
// # Status and Errors
//
// Engine results are [Status] values, a closed set of the six fmi2Status
// codes. The [Binding] only returns an error for misuse: an invalid handle, a
// function the FMU does not export, a length mismatch or a status code
// outside the set. The slaves convert Error and Fatal into [*CallError].
//
// An FMU that lacks a capability is not an error at the description level:
// [ModelDescription.AsCoSimulation] returns false.
//
// # Concurrency
//
// [ModelDescription] is read-only and safe for concurrent use. A [Binding]
// serializes calls on the same handle; distinct handles may be driven from
// different goroutines. Instances of a wasm FMU share one module and are
// serialized against each other.
//
// # Logging
//
// The package logs through a zap logger installed with [SetLogger]. FMU
// log messages reported through the fmi2CallbackLogger are forwarded to it
// with the instance name, status and category as fields.
package fmi
