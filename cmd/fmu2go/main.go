// Command fmu2go generates a typed Go wrapper for each FMU it is given.
//
// Usage:
//
//	fmu2go [flags] model.fmu
//	fmu2go -dir gen a.fmu b.fmu
//	fmu2go -json model.fmu
//
// With -dir each wrapper is written to <dir>/<package>/<package>.go. With
// -json the model description is written as JSON instead of a wrapper.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	fmi "github.com/lukeod/fmi-go"
	"github.com/lukeod/fmi-go/internal/codegen"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fmu2go", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		pkg      = fs.String("pkg", "", "package name (default: lower-cased model name)")
		typeName = fs.String("type", "", "wrapper type name (default: model name)")
		me       = fs.Bool("me", false, "wrap the model-exchange interface")
		cs       = fs.Bool("cs", false, "wrap the co-simulation interface")
		out      = fs.String("o", "", "output file for a single FMU (default: stdout)")
		dir      = fs.String("dir", "", "output directory, one package per FMU")
		asJSON   = fs.Bool("json", false, "write the model description as JSON")
		logLevel = fs.String("log-level", "info", "log level: debug, info, warn, error")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "fmu2go: no FMU given")
		return 2
	}
	if *me && *cs {
		fmt.Fprintln(stderr, "fmu2go: -me and -cs are exclusive")
		return 2
	}
	if *asJSON && (*dir != "" || fs.NArg() > 1) {
		fmt.Fprintln(stderr, "fmu2go: -json takes a single FMU and no -dir")
		return 2
	}
	if fs.NArg() > 1 && *dir == "" {
		fmt.Fprintln(stderr, "fmu2go: several FMUs need -dir")
		return 2
	}
	if fs.NArg() > 1 && (*pkg != "" || *typeName != "") {
		fmt.Fprintln(stderr, "fmu2go: -pkg and -type apply to a single FMU")
		return 2
	}

	level, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "fmu2go: %v\n", err)
		return 2
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(stderr, "fmu2go: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if *asJSON {
		if err := writeJSON(fs.Arg(0), *out, stdout); err != nil {
			logger.Error("encoding model description", zap.String("fmu", fs.Arg(0)), zap.Error(err))
			return 1
		}
		return 0
	}

	opts := codegen.Options{Package: *pkg, Type: *typeName}
	if *me || *cs {
		kind := fmi.CoSimulation
		if *me {
			kind = fmi.ModelExchange
		}
		opts.Kind = &kind
	}

	for _, path := range fs.Args() {
		if err := generate(path, opts, *out, *dir, stdout, logger); err != nil {
			logger.Error("generating wrapper", zap.String("fmu", path), zap.Error(err))
			if errors.Is(err, fmi.ErrCapabilityMissing) || errors.Is(err, codegen.ErrNoInterface) {
				return 3
			}
			return 1
		}
	}
	return 0
}

func generate(path string, opts codegen.Options, out, dir string, stdout io.Writer, logger *zap.Logger) error {
	md, err := fmi.ParseModelDescriptionFile(path)
	if err != nil {
		return err
	}
	src, err := codegen.Generate(md, opts)
	if err != nil {
		return err
	}

	switch {
	case dir != "":
		pkg := opts.Package
		if pkg == "" {
			pkg = codegen.PackageName(md.ModelName)
		}
		out = filepath.Join(dir, pkg, pkg+".go")
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
	case out == "":
		_, err := stdout.Write(src)
		return err
	}
	if err := os.WriteFile(out, src, 0o644); err != nil {
		return err
	}
	logger.Info("wrote wrapper",
		zap.String("model", md.ModelName),
		zap.String("file", out),
		zap.Int("variables", md.VariableCount()))
	return nil
}

func writeJSON(path, out string, stdout io.Writer) error {
	md, err := fmi.ParseModelDescriptionFile(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if out == "" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}
