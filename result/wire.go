package result

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire frame fields. Every frame is a varint byte length followed by a
// protobuf-encoded message. The first frame carries the names, every later
// frame one sample.
const (
	fieldTime   protowire.Number = 1 // double
	fieldValues protowire.Number = 2 // packed repeated double
	fieldName   protowire.Number = 3 // repeated string, header frame only
)

var (
	// ErrTruncated is returned when wire data ends inside a frame.
	ErrTruncated = errors.New("result: truncated wire data")
	// ErrMalformedFrame is returned for frames that cannot be decoded.
	ErrMalformedFrame = errors.New("result: malformed wire frame")
)

// WireSink writes samples as length-delimited protobuf-wire frames.
type WireSink struct {
	cw      *countingWriter
	closer  io.Closer
	buf     []byte
	frame   []byte
	started bool
}

// NewWireSink writes to w. If w is an io.Closer it is closed by Close.
func NewWireSink(w io.Writer) *WireSink {
	s := &WireSink{cw: &countingWriter{w: w}}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *WireSink) Begin(names []string) error {
	s.started = true
	s.buf = s.buf[:0]
	for _, n := range names {
		s.buf = protowire.AppendTag(s.buf, fieldName, protowire.BytesType)
		s.buf = protowire.AppendString(s.buf, n)
	}
	return s.writeFrame()
}

func (s *WireSink) Record(t float64, values []float64) error {
	if !s.started {
		return ErrNotStarted
	}
	s.buf = s.buf[:0]
	s.buf = protowire.AppendTag(s.buf, fieldTime, protowire.Fixed64Type)
	s.buf = protowire.AppendFixed64(s.buf, math.Float64bits(t))
	if len(values) > 0 {
		s.buf = protowire.AppendTag(s.buf, fieldValues, protowire.BytesType)
		s.buf = protowire.AppendVarint(s.buf, uint64(8*len(values)))
		for _, v := range values {
			s.buf = protowire.AppendFixed64(s.buf, math.Float64bits(v))
		}
	}
	return s.writeFrame()
}

func (s *WireSink) writeFrame() error {
	s.frame = protowire.AppendVarint(s.frame[:0], uint64(len(s.buf)))
	s.frame = append(s.frame, s.buf...)
	_, err := s.cw.Write(s.frame)
	return err
}

func (s *WireSink) Size() int64 { return s.cw.n }

func (s *WireSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ReadWire decodes everything written by a WireSink.
func ReadWire(r io.Reader) (*Memory, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeWire(data)
}

// DecodeWire decodes a byte slice written by a WireSink.
func DecodeWire(data []byte) (*Memory, error) {
	m := &Memory{}
	first := true
	for len(data) > 0 {
		size, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: frame length: %v", ErrTruncated, protowire.ParseError(n))
		}
		data = data[n:]
		if uint64(len(data)) < size {
			return nil, fmt.Errorf("%w: frame of %d bytes, %d left", ErrTruncated, size, len(data))
		}
		frame := data[:size]
		data = data[size:]

		if first {
			names, err := decodeHeader(frame)
			if err != nil {
				return nil, err
			}
			m.Names = names
			first = false
			continue
		}
		sample, err := decodeSample(frame)
		if err != nil {
			return nil, err
		}
		if len(sample.Values) != len(m.Names) {
			return nil, fmt.Errorf("%w: %d values for %d names", ErrMalformedFrame, len(sample.Values), len(m.Names))
		}
		m.Samples = append(m.Samples, sample)
	}
	if first {
		return nil, fmt.Errorf("%w: missing header frame", ErrTruncated)
	}
	return m, nil
}

func decodeHeader(b []byte) ([]string, error) {
	names := []string{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldName && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: name: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			names = append(names, v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return names, nil
}

func decodeSample(b []byte) (Sample, error) {
	var s Sample
	s.Values = []float64{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return s, fmt.Errorf("%w: time: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			s.Time = math.Float64frombits(v)
			b = b[n:]
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 || len(packed)%8 != 0 {
				return s, fmt.Errorf("%w: values", ErrMalformedFrame)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				s.Values = append(s.Values, math.Float64frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return s, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}
