// Package codegen generates typed Go wrappers for FMUs. A wrapper embeds the
// slave of the FMU's interface and groups the model's variables by causality
// into Inputs, Outputs, Parameters, CalculatedParameters and Locals, each
// variable reached through a getter (and a setter where the variable may be
// written) keyed by its value reference.
package codegen

import (
	"bytes"
	"errors"
	"fmt"
	"go/format"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	fmi "github.com/lukeod/fmi-go"
)

// ImportPath is the import path of the fmi package referenced by generated
// code.
const ImportPath = "github.com/lukeod/fmi-go"

// Options control the generated file.
type Options struct {
	// Package is the package clause. Default is the lower-cased model name.
	Package string
	// Type is the wrapper type name. Default is the model name as an
	// exported identifier.
	Type string
	// Kind selects the interface to wrap. Default is co-simulation when the
	// FMU provides it, model exchange otherwise.
	Kind *fmi.Kind
}

// ErrNoInterface is returned when the model description declares neither
// interface.
var ErrNoInterface = errors.New("codegen: model has no CoSimulation or ModelExchange element")

type variable struct {
	Name     string // model name
	Ident    string // Go method name
	VR       fmi.ValueReference
	GoType   string
	Access   string // Reals, Integers, Booleans or Strings
	Doc      string
	Writable bool
}

type group struct {
	Name      string
	Doc       string
	Variables []variable
}

type file struct {
	Package   string
	Type      string
	ModelName string
	GUID      string
	Doc       string
	Import    string
	Slave     string
	NewSlave  string
	Groups    []group
}

// Generate returns gofmt'ed Go source for a wrapper around md.
func Generate(md *fmi.ModelDescription, opts Options) ([]byte, error) {
	kind, err := pickKind(md, opts.Kind)
	if err != nil {
		return nil, err
	}
	f := file{
		Package:   opts.Package,
		Type:      opts.Type,
		ModelName: md.ModelName,
		GUID:      md.GUID,
		Doc:       oneLine(md.Description),
		Import:    ImportPath,
	}
	if f.Package == "" {
		f.Package = PackageName(md.ModelName)
	}
	if f.Type == "" {
		f.Type = Identifier(md.ModelName)
	}
	if kind == fmi.CoSimulation {
		f.Slave, f.NewSlave = "CoSimulationSlave", "NewCoSimulationSlave"
	} else {
		f.Slave, f.NewSlave = "ModelExchangeSlave", "NewModelExchangeSlave"
	}

	f.Groups = []group{
		newGroup("Inputs", "input", md.Inputs(), true),
		newGroup("Outputs", "output", md.Outputs(), false),
		newGroup("Parameters", "parameter", md.Parameters(), true),
		newGroup("CalculatedParameters", "calculatedParameter", md.CalculatedParameters(), false),
		newGroup("Locals", "local", md.Locals(), false),
	}

	var buf bytes.Buffer
	if err := wrapperTemplate.Execute(&buf, f); err != nil {
		return nil, fmt.Errorf("codegen: executing template: %w", err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("codegen: formatting %s wrapper: %w", md.ModelName, err)
	}
	return src, nil
}

func pickKind(md *fmi.ModelDescription, want *fmi.Kind) (fmi.Kind, error) {
	has := func(k fmi.Kind) bool {
		if k == fmi.CoSimulation {
			return md.SupportsCoSimulation()
		}
		return md.SupportsModelExchange()
	}
	if want != nil {
		if !has(*want) {
			return 0, fmt.Errorf("codegen: %w: %s", fmi.ErrCapabilityMissing, *want)
		}
		return *want, nil
	}
	for _, k := range []fmi.Kind{fmi.CoSimulation, fmi.ModelExchange} {
		if has(k) {
			return k, nil
		}
	}
	return 0, ErrNoInterface
}

func newGroup(name, causality string, vars []*fmi.ScalarVariable, settable bool) group {
	g := group{Name: name, Doc: fmt.Sprintf("%s holds the variables with causality %s.", name, causality)}
	used := map[string]bool{}
	for _, v := range vars {
		writable := settable && v.Variability != fmi.VariabilityConstant
		base := Identifier(v.Name)
		ident := base
		for n := 2; used[ident] || (writable && used["Set"+ident]); n++ {
			ident = base + strconv.Itoa(n)
		}
		used[ident] = true
		if writable {
			used["Set"+ident] = true
		}
		goType, access := accessor(v.Type)
		g.Variables = append(g.Variables, variable{
			Name:     v.Name,
			Ident:    ident,
			VR:       v.ValueReference,
			GoType:   goType,
			Access:   access,
			Doc:      oneLine(v.Description),
			Writable: writable,
		})
	}
	return g
}

func accessor(t fmi.VariableType) (goType, access string) {
	switch t {
	case fmi.TypeReal:
		return "float64", "Reals"
	case fmi.TypeBoolean:
		return "bool", "Booleans"
	case fmi.TypeString:
		return "string", "Strings"
	}
	return "int32", "Integers"
}

// Identifier turns a variable or model name into an exported Go identifier:
// "der(h)" becomes "DerH" and "body.pos[1]" becomes "BodyPos1".
func Identifier(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if b.Len() == 0 && unicode.IsDigit(r) {
			b.WriteByte('V')
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "V"
	}
	return b.String()
}

// PackageName turns a model name into a package name.
func PackageName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || unicode.IsDigit(rune(s[0])) {
		s = "fmu" + s
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var wrapperTemplate = template.Must(template.New("wrapper").Funcs(template.FuncMap{
	"quote": strconv.Quote,
}).Parse(`// Code generated by fmu2go from {{.ModelName}}. DO NOT EDIT.

package {{.Package}}

import fmi {{quote .Import}}

// GUID is the guid of the model description the wrapper was generated from.
const GUID = {{quote .GUID}}

// {{.Type}} wraps a {{.ModelName}} slave.{{if .Doc}} {{.Doc}}{{end}}
type {{.Type}} struct {
	*fmi.{{.Slave}}
{{range .Groups}}
	{{.Name}} {{.Name}}{{end}}
}

// New instantiates {{.ModelName}} from fmu. It fails when fmu carries a
// different guid.
func New(fmu *fmi.FMU, opts ...fmi.SlaveOption) (*{{.Type}}, error) {
	if guid := fmu.ModelDescription().GUID; guid != GUID {
		return nil, &GUIDError{Got: guid}
	}
	s, err := fmi.{{.NewSlave}}(fmu, opts...)
	if err != nil {
		return nil, err
	}
	return &{{.Type}}{
		{{.Slave}}: s,{{range .Groups}}
		{{.Name}}: {{.Name}}{s},{{end}}
	}, nil
}

// GUIDError is returned by New for an FMU built from another model.
type GUIDError struct {
	Got string
}

func (e *GUIDError) Error() string {
	return "{{.Package}}: FMU guid " + e.Got + ", want " + GUID
}
{{range $g := .Groups}}
// {{$g.Doc}}
type {{$g.Name}} struct {
	s *fmi.{{$.Slave}}
}
{{range $g.Variables}}
// {{.Ident}} reads {{quote .Name}}.{{if .Doc}} {{.Doc}}{{end}}
func (g {{$g.Name}}) {{.Ident}}() ({{.GoType}}, error) {
	return read(g.s.Read{{.Access}}, {{.VR}})
}
{{if .Writable}}
// Set{{.Ident}} writes {{quote .Name}}.
func (g {{$g.Name}}) Set{{.Ident}}(value {{.GoType}}) error {
	return g.s.Write{{.Access}}([]fmi.ValueReference{ {{.VR}} }, []{{.GoType}}{value})
}
{{end}}{{end}}{{end}}
func read[T any](get func([]fmi.ValueReference) ([]T, error), vr fmi.ValueReference) (T, error) {
	out, err := get([]fmi.ValueReference{vr})
	if err != nil || len(out) == 0 {
		var zero T
		return zero, err
	}
	return out[0], nil
}
`))
