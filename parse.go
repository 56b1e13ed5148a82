package fmi

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ModelDescriptionFile is the name of the manifest inside an FMU archive.
const ModelDescriptionFile = "modelDescription.xml"

// maxModelDescriptionSize bounds how much of a manifest is read.
var maxModelDescriptionSize int64 = 64 << 20

var (
	// ErrInvalidModelDescription is wrapped by every structural validation
	// failure reported in a ParseError.
	ErrInvalidModelDescription = errors.New("invalid model description")
	// ErrUnsupportedVersion is returned when fmiVersion is not 2.x.
	ErrUnsupportedVersion = errors.New("unsupported FMI version")
	// ErrNoModelDescription is returned when an FMU has no modelDescription.xml.
	ErrNoModelDescription = errors.New("modelDescription.xml not found")
	// ErrModelDescriptionTooLarge is returned for a manifest over the size limit.
	ErrModelDescriptionTooLarge = errors.New("modelDescription.xml exceeds size limit")
)

// ParseError reports a malformed or structurally invalid model description.
// A missing capability (no CoSimulation element, say) is not a ParseError.
type ParseError struct {
	Source string // file the XML came from, empty for in-memory input
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("parsing model description %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("parsing model description: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseModelDescription parses a model description from r.
func ParseModelDescription(r io.Reader) (*ModelDescription, error) {
	data, err := readManifest(r)
	if err != nil {
		return nil, fmt.Errorf("reading model description: %w", err)
	}
	return parseModelDescription(data, "")
}

// ParseModelDescriptionXML parses a model description held in a string.
func ParseModelDescriptionXML(xmlText string) (*ModelDescription, error) {
	return parseModelDescription([]byte(xmlText), "")
}

// ParseModelDescriptionFile parses the model description of an FMU.
//
// The path may name an .fmu archive, an extracted FMU directory, or a
// modelDescription.xml file.
func ParseModelDescriptionFile(fmuPath string) (*ModelDescription, error) {
	data, err := readModelDescription(fmuPath)
	if err != nil {
		return nil, err
	}
	return parseModelDescription(data, fmuPath)
}

// ExtractModelDescriptionXML returns the raw modelDescription.xml of an FMU.
func ExtractModelDescriptionXML(fmuPath string) (string, error) {
	data, err := readModelDescription(fmuPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readModelDescription(fmuPath string) ([]byte, error) {
	info, err := os.Stat(fmuPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", fmuPath, err)
	}
	if info.IsDir() {
		return readLimited(filepath.Join(fmuPath, ModelDescriptionFile))
	}
	if strings.EqualFold(filepath.Ext(fmuPath), ".xml") {
		return readLimited(fmuPath)
	}

	zr, err := zip.OpenReader(fmuPath)
	if err != nil {
		return nil, fmt.Errorf("opening FMU archive %s: %w", fmuPath, err)
	}
	defer func() { _ = zr.Close() }()

	return readModelDescriptionZip(&zr.Reader, fmuPath)
}

func readModelDescriptionZip(zr *zip.Reader, source string) ([]byte, error) {
	for _, f := range zr.File {
		if path.Clean(strings.TrimPrefix(f.Name, "./")) != ModelDescriptionFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s in %s: %w", f.Name, source, err)
		}
		defer func() { _ = rc.Close() }()
		data, err := readManifest(rc)
		if err != nil {
			return nil, fmt.Errorf("reading %s in %s: %w", f.Name, source, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", source, ErrNoModelDescription)
}

func readLimited(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNoModelDescription)
		}
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	data, err := readManifest(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// readManifest reads r whole, failing rather than truncating when it holds
// more than maxModelDescriptionSize bytes.
func readManifest(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxModelDescriptionSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxModelDescriptionSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrModelDescriptionTooLarge, maxModelDescriptionSize)
	}
	return data, nil
}

// parseModelDescription decodes and validates the manifest, then builds the
// lookup indices.
func parseModelDescription(data []byte, source string) (*ModelDescription, error) {
	var raw xmlModelDescription
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		// FMI mandates UTF-8; some exporters still label it differently.
		return input, nil
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}

	m, err := convertModelDescription(&raw)
	if err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}
	m.buildIndices()
	return m, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidModelDescription, fmt.Sprintf(format, args...))
}

func convertModelDescription(raw *xmlModelDescription) (*ModelDescription, error) {
	if raw.FMIVersion == "" {
		return nil, invalid("missing fmiVersion")
	}
	if !strings.HasPrefix(raw.FMIVersion, "2.") && raw.FMIVersion != "2" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, raw.FMIVersion)
	}
	if raw.ModelName == "" {
		return nil, invalid("missing modelName")
	}
	if raw.GUID == "" {
		return nil, invalid("missing guid")
	}
	if raw.CoSimulation == nil && raw.ModelExchange == nil {
		return nil, invalid("neither CoSimulation nor ModelExchange is declared")
	}
	switch raw.VariableNamingConvention {
	case "", "flat", "structured":
	default:
		return nil, invalid("variableNamingConvention %q", raw.VariableNamingConvention)
	}
	if raw.NumberOfEventIndicators < 0 {
		return nil, invalid("negative numberOfEventIndicators")
	}

	m := &ModelDescription{
		FMIVersion:               raw.FMIVersion,
		ModelName:                raw.ModelName,
		GUID:                     raw.GUID,
		Description:              raw.Description,
		Author:                   raw.Author,
		Version:                  raw.Version,
		Copyright:                raw.Copyright,
		License:                  raw.License,
		GenerationTool:           raw.GenerationTool,
		GenerationDateAndTime:    raw.GenerationDateAndTime,
		VariableNamingConvention: raw.VariableNamingConvention,
		NumberOfEventIndicators:  raw.NumberOfEventIndicators,
	}
	if m.VariableNamingConvention == "" {
		m.VariableNamingConvention = "flat"
	}

	if raw.CoSimulation != nil {
		iface, err := convertInterface(&raw.CoSimulation.xmlInterface, "CoSimulation")
		if err != nil {
			return nil, err
		}
		m.coSimulation = &CoSimulationAttributes{
			InterfaceAttributes:                    iface,
			CanHandleVariableCommunicationStepSize: raw.CoSimulation.CanHandleVariableCommunicationStepSize,
			CanInterpolateInputs:                   raw.CoSimulation.CanInterpolateInputs,
			MaxOutputDerivativeOrder:               raw.CoSimulation.MaxOutputDerivativeOrder,
			CanRunAsynchronuously:                  raw.CoSimulation.CanRunAsynchronuously,
		}
	}
	if raw.ModelExchange != nil {
		iface, err := convertInterface(&raw.ModelExchange.xmlInterface, "ModelExchange")
		if err != nil {
			return nil, err
		}
		m.modelExchange = &ModelExchangeAttributes{
			InterfaceAttributes:              iface,
			CompletedIntegratorStepNotNeeded: raw.ModelExchange.CompletedIntegratorStepNotNeeded,
		}
	}

	m.UnitDefinitions = convertUnits(raw.UnitDefinitions)

	types, err := convertTypes(raw.TypeDefinitions)
	if err != nil {
		return nil, fmt.Errorf("TypeDefinitions: %w", err)
	}
	m.TypeDefinitions = types

	for _, c := range raw.LogCategories {
		m.LogCategories = append(m.LogCategories, LogCategory(c))
	}

	if raw.DefaultExperiment != nil {
		de := DefaultExperiment(*raw.DefaultExperiment)
		m.DefaultExperiment = &de
	}

	vars, err := convertVariables(raw.ModelVariables)
	if err != nil {
		return nil, fmt.Errorf("ModelVariables: %w", err)
	}
	m.Variables = vars

	structure, err := convertStructure(&raw.ModelStructure, vars)
	if err != nil {
		return nil, fmt.Errorf("ModelStructure: %w", err)
	}
	m.Structure = structure

	return m, nil
}

func convertInterface(raw *xmlInterface, element string) (InterfaceAttributes, error) {
	if raw.ModelIdentifier == "" {
		return InterfaceAttributes{}, invalid("%s: missing modelIdentifier", element)
	}
	attrs := InterfaceAttributes{
		ModelIdentifier:                     raw.ModelIdentifier,
		NeedsExecutionTool:                  raw.NeedsExecutionTool,
		CanBeInstantiatedOnlyOncePerProcess: raw.CanBeInstantiatedOnlyOncePerProcess,
		CanNotUseMemoryManagementFunctions:  raw.CanNotUseMemoryManagementFunctions,
		CanGetAndSetFMUState:                raw.CanGetAndSetFMUstate,
		CanSerializeFMUState:                raw.CanSerializeFMUstate,
		ProvidesDirectionalDerivative:       raw.ProvidesDirectionalDerivative,
	}
	for _, f := range raw.SourceFiles {
		attrs.SourceFiles = append(attrs.SourceFiles, f.Name)
	}
	return attrs, nil
}

func convertUnits(raw []xmlUnit) []Unit {
	if len(raw) == 0 {
		return nil
	}
	units := make([]Unit, len(raw))
	for i, u := range raw {
		units[i].Name = u.Name
		if u.BaseUnit != nil {
			b := u.BaseUnit
			units[i].BaseUnit = &BaseUnit{
				Kg: b.Kg, M: b.M, S: b.S, A: b.A, K: b.K, Mol: b.Mol, Cd: b.Cd, Rad: b.Rad,
				Factor: floatOr(b.Factor, 1),
				Offset: b.Offset,
			}
		}
		for _, d := range u.DisplayUnits {
			units[i].DisplayUnits = append(units[i].DisplayUnits, DisplayUnit{
				Name:   d.Name,
				Factor: floatOr(d.Factor, 1),
				Offset: d.Offset,
			})
		}
	}
	return units
}

func convertTypes(raw []xmlSimpleType) ([]SimpleType, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	types := make([]SimpleType, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, st := range raw {
		if st.Name == "" {
			return nil, invalid("SimpleType %d: missing name", i+1)
		}
		if seen[st.Name] {
			return nil, invalid("duplicate SimpleType %q", st.Name)
		}
		seen[st.Name] = true

		t := SimpleType{Name: st.Name, Description: st.Description}
		count := 0
		if st.Real != nil {
			count++
			t.Type = TypeReal
			t.Quantity, t.Unit, t.DisplayUnit = st.Real.Quantity, st.Real.Unit, st.Real.DisplayUnit
			t.Min, t.Max, t.Nominal = st.Real.Min, st.Real.Max, st.Real.Nominal
		}
		if st.Integer != nil {
			count++
			t.Type = TypeInteger
			t.Quantity = st.Integer.Quantity
			t.Min, t.Max = intToFloat(st.Integer.Min), intToFloat(st.Integer.Max)
		}
		if st.Boolean != nil {
			count++
			t.Type = TypeBoolean
		}
		if st.String != nil {
			count++
			t.Type = TypeString
		}
		if st.Enumeration != nil {
			count++
			t.Type = TypeEnumeration
			t.Quantity = st.Enumeration.Quantity
			if len(st.Enumeration.Items) == 0 {
				return nil, invalid("SimpleType %q: enumeration without items", st.Name)
			}
			for _, item := range st.Enumeration.Items {
				t.Items = append(t.Items, EnumerationItem(item))
			}
		}
		if count != 1 {
			return nil, invalid("SimpleType %q: expected exactly one type element, found %d", st.Name, count)
		}
		types[i] = t
	}
	return types, nil
}

func convertVariables(raw []xmlScalarVariable) ([]ScalarVariable, error) {
	vars := make([]ScalarVariable, len(raw))
	seen := make(map[string]bool, len(raw))
	for i := range raw {
		rv := &raw[i]
		if rv.Name == "" {
			return nil, invalid("variable %d: missing name", i+1)
		}
		if seen[rv.Name] {
			return nil, invalid("duplicate variable name %q", rv.Name)
		}
		seen[rv.Name] = true
		if rv.ValueReference == nil {
			return nil, invalid("variable %q: missing valueReference", rv.Name)
		}

		v := ScalarVariable{
			Name:                               rv.Name,
			ValueReference:                     *rv.ValueReference,
			Description:                        rv.Description,
			CanHandleMultipleSetPerTimeInstant: rv.CanHandleMultipleSetPerTimeInstant,
		}

		var err error
		if v.Causality, err = parseCausality(rv.Causality); err != nil {
			return nil, invalid("variable %q: %v", rv.Name, err)
		}
		if v.Variability, err = parseVariability(rv.Variability); err != nil {
			return nil, invalid("variable %q: %v", rv.Name, err)
		}
		if v.Initial, err = parseInitial(rv.Initial); err != nil {
			return nil, invalid("variable %q: %v", rv.Name, err)
		}

		count := 0
		if r := rv.Real; r != nil {
			count++
			v.Type = TypeReal
			v.Real = &RealAttributes{
				DeclaredType:     r.DeclaredType,
				Quantity:         r.Quantity,
				Unit:             r.Unit,
				DisplayUnit:      r.DisplayUnit,
				RelativeQuantity: r.RelativeQuantity,
				Unbounded:        r.Unbounded,
				Reinit:           r.Reinit,
				Min:              r.Min,
				Max:              r.Max,
				Nominal:          r.Nominal,
				Start:            r.Start,
				Derivative:       r.Derivative,
			}
		}
		if r := rv.Integer; r != nil {
			count++
			v.Type = TypeInteger
			v.Integer = &IntegerAttributes{DeclaredType: r.DeclaredType, Quantity: r.Quantity, Min: r.Min, Max: r.Max, Start: r.Start}
		}
		if r := rv.Boolean; r != nil {
			count++
			v.Type = TypeBoolean
			v.Boolean = &BooleanAttributes{DeclaredType: r.DeclaredType, Start: r.Start}
		}
		if r := rv.String; r != nil {
			count++
			v.Type = TypeString
			v.String = &StringAttributes{DeclaredType: r.DeclaredType, Start: r.Start}
		}
		if r := rv.Enumeration; r != nil {
			count++
			v.Type = TypeEnumeration
			if r.DeclaredType == "" {
				return nil, invalid("variable %q: Enumeration requires declaredType", rv.Name)
			}
			v.Enumeration = &EnumerationAttributes{DeclaredType: r.DeclaredType, Quantity: r.Quantity, Min: r.Min, Max: r.Max, Start: r.Start}
		}
		if count != 1 {
			return nil, invalid("variable %q: expected exactly one type element, found %d", rv.Name, count)
		}
		if rv.Variability == "" && v.Type != TypeReal {
			// Only Real variables may be continuous.
			v.Variability = VariabilityDiscrete
		}
		vars[i] = v
	}

	for i := range vars {
		if vars[i].Real == nil || vars[i].Real.Derivative == 0 {
			continue
		}
		d := vars[i].Real.Derivative
		if d < 1 || d > len(vars) {
			return nil, invalid("variable %q: derivative index %d out of range", vars[i].Name, d)
		}
	}
	return vars, nil
}

func convertStructure(raw *xmlModelStructure, vars []ScalarVariable) (ModelStructure, error) {
	var s ModelStructure
	var err error
	if s.Outputs, err = convertUnknowns(raw.Outputs, "Outputs", len(vars)); err != nil {
		return s, err
	}
	if s.Derivatives, err = convertUnknowns(raw.Derivatives, "Derivatives", len(vars)); err != nil {
		return s, err
	}
	for _, u := range s.Derivatives {
		v := &vars[u.Index-1]
		if v.Real == nil || v.Real.Derivative == 0 {
			return s, invalid("Derivatives: variable %q has no derivative attribute", v.Name)
		}
	}
	if s.InitialUnknowns, err = convertUnknowns(raw.InitialUnknowns, "InitialUnknowns", len(vars)); err != nil {
		return s, err
	}
	return s, nil
}

func convertUnknowns(raw []xmlUnknown, section string, nvars int) ([]Unknown, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	unknowns := make([]Unknown, len(raw))
	for i, u := range raw {
		if u.Index < 1 || u.Index > nvars {
			return nil, invalid("%s: index %d out of range", section, u.Index)
		}
		deps, err := parseIndexList(u.Dependencies, nvars)
		if err != nil {
			return nil, invalid("%s: unknown %d: %v", section, u.Index, err)
		}
		var kinds []string
		if u.DependenciesKind != "" {
			kinds = strings.Fields(u.DependenciesKind)
			if len(kinds) != len(deps) {
				return nil, invalid("%s: unknown %d: %d dependencies but %d kinds", section, u.Index, len(deps), len(kinds))
			}
		}
		unknowns[i] = Unknown{Index: u.Index, Dependencies: deps, DependenciesKind: kinds}
	}
	return unknowns, nil
}

func parseIndexList(s string, limit int) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", f, err)
		}
		if n < 1 || n > limit {
			return nil, fmt.Errorf("dependency %d out of range", n)
		}
		out[i] = n
	}
	return out, nil
}

func parseCausality(s string) (Causality, error) {
	if s == "" {
		return CausalityLocal, nil
	}
	for i, name := range causalityNames {
		if name == s {
			return Causality(i), nil
		}
	}
	return 0, fmt.Errorf("unknown causality %q", s)
}

func parseVariability(s string) (Variability, error) {
	if s == "" {
		return VariabilityContinuous, nil
	}
	for i, name := range variabilityNames {
		if name == s {
			return Variability(i), nil
		}
	}
	return 0, fmt.Errorf("unknown variability %q", s)
}

func parseInitial(s string) (Initial, error) {
	if s == "" {
		return InitialNone, nil
	}
	for i, name := range initialNames {
		if i > 0 && name == s {
			return Initial(i), nil
		}
	}
	return 0, fmt.Errorf("unknown initial %q", s)
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func intToFloat(p *int32) *float64 {
	if p == nil {
		return nil
	}
	f := float64(*p)
	return &f
}

// === XML document shape ===

type xmlModelDescription struct {
	XMLName                  xml.Name              `xml:"fmiModelDescription"`
	FMIVersion               string                `xml:"fmiVersion,attr"`
	ModelName                string                `xml:"modelName,attr"`
	GUID                     string                `xml:"guid,attr"`
	Description              string                `xml:"description,attr"`
	Author                   string                `xml:"author,attr"`
	Version                  string                `xml:"version,attr"`
	Copyright                string                `xml:"copyright,attr"`
	License                  string                `xml:"license,attr"`
	GenerationTool           string                `xml:"generationTool,attr"`
	GenerationDateAndTime    string                `xml:"generationDateAndTime,attr"`
	VariableNamingConvention string                `xml:"variableNamingConvention,attr"`
	NumberOfEventIndicators  int                   `xml:"numberOfEventIndicators,attr"`
	ModelExchange            *xmlModelExchange     `xml:"ModelExchange"`
	CoSimulation             *xmlCoSimulation      `xml:"CoSimulation"`
	UnitDefinitions          []xmlUnit             `xml:"UnitDefinitions>Unit"`
	TypeDefinitions          []xmlSimpleType       `xml:"TypeDefinitions>SimpleType"`
	LogCategories            []xmlCategory         `xml:"LogCategories>Category"`
	DefaultExperiment        *xmlDefaultExperiment `xml:"DefaultExperiment"`
	ModelVariables           []xmlScalarVariable   `xml:"ModelVariables>ScalarVariable"`
	ModelStructure           xmlModelStructure     `xml:"ModelStructure"`
}

type xmlInterface struct {
	ModelIdentifier                     string          `xml:"modelIdentifier,attr"`
	NeedsExecutionTool                  bool            `xml:"needsExecutionTool,attr"`
	CanBeInstantiatedOnlyOncePerProcess bool            `xml:"canBeInstantiatedOnlyOncePerProcess,attr"`
	CanNotUseMemoryManagementFunctions  bool            `xml:"canNotUseMemoryManagementFunctions,attr"`
	CanGetAndSetFMUstate                bool            `xml:"canGetAndSetFMUstate,attr"`
	CanSerializeFMUstate                bool            `xml:"canSerializeFMUstate,attr"`
	ProvidesDirectionalDerivative       bool            `xml:"providesDirectionalDerivative,attr"`
	SourceFiles                         []xmlSourceFile `xml:"SourceFiles>File"`
}

type xmlCoSimulation struct {
	xmlInterface
	CanHandleVariableCommunicationStepSize bool `xml:"canHandleVariableCommunicationStepSize,attr"`
	CanInterpolateInputs                   bool `xml:"canInterpolateInputs,attr"`
	MaxOutputDerivativeOrder               int  `xml:"maxOutputDerivativeOrder,attr"`
	CanRunAsynchronuously                  bool `xml:"canRunAsynchronuously,attr"`
}

type xmlModelExchange struct {
	xmlInterface
	CompletedIntegratorStepNotNeeded bool `xml:"completedIntegratorStepNotNeeded,attr"`
}

type xmlSourceFile struct {
	Name string `xml:"name,attr"`
}

type xmlUnit struct {
	Name         string           `xml:"name,attr"`
	BaseUnit     *xmlBaseUnit     `xml:"BaseUnit"`
	DisplayUnits []xmlDisplayUnit `xml:"DisplayUnit"`
}

type xmlBaseUnit struct {
	Kg     int      `xml:"kg,attr"`
	M      int      `xml:"m,attr"`
	S      int      `xml:"s,attr"`
	A      int      `xml:"A,attr"`
	K      int      `xml:"K,attr"`
	Mol    int      `xml:"mol,attr"`
	Cd     int      `xml:"cd,attr"`
	Rad    int      `xml:"rad,attr"`
	Factor *float64 `xml:"factor,attr"`
	Offset float64  `xml:"offset,attr"`
}

type xmlDisplayUnit struct {
	Name   string   `xml:"name,attr"`
	Factor *float64 `xml:"factor,attr"`
	Offset float64  `xml:"offset,attr"`
}

type xmlSimpleType struct {
	Name        string `xml:"name,attr"`
	Description string `xml:"description,attr"`
	Real        *struct {
		Quantity    string   `xml:"quantity,attr"`
		Unit        string   `xml:"unit,attr"`
		DisplayUnit string   `xml:"displayUnit,attr"`
		Min         *float64 `xml:"min,attr"`
		Max         *float64 `xml:"max,attr"`
		Nominal     *float64 `xml:"nominal,attr"`
	} `xml:"Real"`
	Integer *struct {
		Quantity string `xml:"quantity,attr"`
		Min      *int32 `xml:"min,attr"`
		Max      *int32 `xml:"max,attr"`
	} `xml:"Integer"`
	Boolean     *struct{} `xml:"Boolean"`
	String      *struct{} `xml:"String"`
	Enumeration *struct {
		Quantity string    `xml:"quantity,attr"`
		Items    []xmlItem `xml:"Item"`
	} `xml:"Enumeration"`
}

type xmlItem struct {
	Name        string `xml:"name,attr"`
	Value       int32  `xml:"value,attr"`
	Description string `xml:"description,attr"`
}

type xmlCategory struct {
	Name        string `xml:"name,attr"`
	Description string `xml:"description,attr"`
}

type xmlDefaultExperiment struct {
	StartTime *float64 `xml:"startTime,attr"`
	StopTime  *float64 `xml:"stopTime,attr"`
	Tolerance *float64 `xml:"tolerance,attr"`
	StepSize  *float64 `xml:"stepSize,attr"`
}

type xmlScalarVariable struct {
	Name                               string          `xml:"name,attr"`
	ValueReference                     *uint32         `xml:"valueReference,attr"`
	Description                        string          `xml:"description,attr"`
	Causality                          string          `xml:"causality,attr"`
	Variability                        string          `xml:"variability,attr"`
	Initial                            string          `xml:"initial,attr"`
	CanHandleMultipleSetPerTimeInstant bool            `xml:"canHandleMultipleSetPerTimeInstant,attr"`
	Real                               *xmlReal        `xml:"Real"`
	Integer                            *xmlInteger     `xml:"Integer"`
	Boolean                            *xmlBoolean     `xml:"Boolean"`
	String                             *xmlString      `xml:"String"`
	Enumeration                        *xmlEnumeration `xml:"Enumeration"`
}

type xmlReal struct {
	DeclaredType     string   `xml:"declaredType,attr"`
	Quantity         string   `xml:"quantity,attr"`
	Unit             string   `xml:"unit,attr"`
	DisplayUnit      string   `xml:"displayUnit,attr"`
	RelativeQuantity bool     `xml:"relativeQuantity,attr"`
	Unbounded        bool     `xml:"unbounded,attr"`
	Reinit           bool     `xml:"reinit,attr"`
	Min              *float64 `xml:"min,attr"`
	Max              *float64 `xml:"max,attr"`
	Nominal          *float64 `xml:"nominal,attr"`
	Start            *float64 `xml:"start,attr"`
	Derivative       int      `xml:"derivative,attr"`
}

type xmlInteger struct {
	DeclaredType string `xml:"declaredType,attr"`
	Quantity     string `xml:"quantity,attr"`
	Min          *int32 `xml:"min,attr"`
	Max          *int32 `xml:"max,attr"`
	Start        *int32 `xml:"start,attr"`
}

type xmlBoolean struct {
	DeclaredType string `xml:"declaredType,attr"`
	Start        *bool  `xml:"start,attr"`
}

type xmlString struct {
	DeclaredType string  `xml:"declaredType,attr"`
	Start        *string `xml:"start,attr"`
}

type xmlEnumeration struct {
	DeclaredType string `xml:"declaredType,attr"`
	Quantity     string `xml:"quantity,attr"`
	Min          *int32 `xml:"min,attr"`
	Max          *int32 `xml:"max,attr"`
	Start        *int32 `xml:"start,attr"`
}

type xmlModelStructure struct {
	Outputs         []xmlUnknown `xml:"Outputs>Unknown"`
	Derivatives     []xmlUnknown `xml:"Derivatives>Unknown"`
	InitialUnknowns []xmlUnknown `xml:"InitialUnknowns>Unknown"`
}

type xmlUnknown struct {
	Index            int    `xml:"index,attr"`
	Dependencies     string `xml:"dependencies,attr"`
	DependenciesKind string `xml:"dependenciesKind,attr"`
}
