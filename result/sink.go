// Package result records simulation samples.
//
// A Sink receives the names of the recorded variables once, then one
// sample per communication point. Three sinks are provided:
//
//   - [CSVSink] writes a CSV table with a Time column
//   - [WireSink] writes length-delimited protobuf-wire frames
//   - [SQLiteSink] stores samples in a SQLite database
//
// [Memory] keeps samples in memory and is mostly useful in tests.
package result

import (
	"errors"
	"fmt"
	"io"
)

// ErrNotStarted is returned by Record before Begin.
var ErrNotStarted = errors.New("result: Record called before Begin")

// Sink receives simulation samples.
type Sink interface {
	// Begin is called once, before any sample, with the variable names in
	// the order their values are passed to Record.
	Begin(names []string) error
	// Record stores one sample. len(values) equals len(names).
	Record(t float64, values []float64) error
	// Close flushes and releases the sink.
	Close() error
}

// Sizer is implemented by sinks that know how many bytes they have
// produced.
type Sizer interface {
	Size() int64
}

// Sample is one recorded row.
type Sample struct {
	Time   float64
	Values []float64
}

// Memory is a Sink that keeps everything in memory.
type Memory struct {
	Names   []string
	Samples []Sample
	Closed  bool
}

func (m *Memory) Begin(names []string) error {
	m.Names = make([]string, len(names))
	copy(m.Names, names)
	return nil
}

func (m *Memory) Record(t float64, values []float64) error {
	if m.Names == nil {
		return ErrNotStarted
	}
	if len(values) != len(m.Names) {
		return fmt.Errorf("result: got %d values for %d names", len(values), len(m.Names))
	}
	m.Samples = append(m.Samples, Sample{Time: t, Values: append([]float64(nil), values...)})
	return nil
}

func (m *Memory) Close() error {
	m.Closed = true
	return nil
}

// Column returns the recorded values of name, or nil if name is unknown.
func (m *Memory) Column(name string) []float64 {
	idx := -1
	for i, n := range m.Names {
		if n == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]float64, len(m.Samples))
	for i, s := range m.Samples {
		out[i] = s.Values[idx]
	}
	return out
}

// Multi fans samples out to several sinks. Close closes all of them.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Begin(names []string) error {
	for _, s := range m {
		if err := s.Begin(names); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) Record(t float64, values []float64) error {
	for _, s := range m {
		if err := s.Record(t, values); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Size sums the sizes of the sinks that report one.
func (m multiSink) Size() int64 {
	var n int64
	for _, s := range m {
		if sz, ok := s.(Sizer); ok {
			n += sz.Size()
		}
	}
	return n
}

// countingWriter counts bytes passed to the underlying writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
