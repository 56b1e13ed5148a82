package result

import (
	"encoding/csv"
	"io"
	"strconv"
)

// CSVSink writes samples as CSV with the header Time,<names...>.
type CSVSink struct {
	cw      *countingWriter
	w       *csv.Writer
	closer  io.Closer
	row     []string
	started bool
}

// NewCSVSink writes to w. If w is an io.Closer it is closed by Close.
func NewCSVSink(w io.Writer) *CSVSink {
	cw := &countingWriter{w: w}
	s := &CSVSink{cw: cw, w: csv.NewWriter(cw)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *CSVSink) Begin(names []string) error {
	s.started = true
	s.row = make([]string, len(names)+1)
	header := append([]string{"Time"}, names...)
	return s.w.Write(header)
}

func (s *CSVSink) Record(t float64, values []float64) error {
	if !s.started {
		return ErrNotStarted
	}
	s.row = s.row[:0]
	s.row = append(s.row, formatFloat(t))
	for _, v := range values {
		s.row = append(s.row, formatFloat(v))
	}
	return s.w.Write(s.row)
}

// Size flushes the CSV buffer and returns the number of bytes written.
func (s *CSVSink) Size() int64 {
	s.w.Flush()
	return s.cw.n
}

func (s *CSVSink) Close() error {
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
