package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"cmipdiag/internal/types"
)

// Compressor ids understood by the chunk decoder.
const (
	CompressorZstd = "zstd"
	CompressorZlib = "zlib"
	CompressorGzip = "gzip"
)

// ZarrArrayMeta holds the .zarray metadata of one Zarr v2 array.
type ZarrArrayMeta struct {
	Chunks     []int           `json:"chunks"`
	Shape      []int           `json:"shape"`
	DType      string          `json:"dtype"`
	Compressor *CompressorMeta `json:"compressor"`
	FillValue  any             `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    []any           `json:"filters"`
	ZarrFormat int             `json:"zarr_format"`
	// DimensionSeparator is "." unless the store uses nested chunk keys.
	DimensionSeparator string `json:"dimension_separator,omitempty"`
}

// CompressorMeta is the compressor block of .zarray.
type CompressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// Fill returns the decoded fill value, or NaN when none is set.
func (m *ZarrArrayMeta) Fill() float64 {
	return attrFloat(m.FillValue)
}

// ChunkCount returns the number of chunks along each dimension.
func (m *ZarrArrayMeta) ChunkCount() []int {
	out := make([]int, len(m.Shape))
	for i := range m.Shape {
		out[i] = (m.Shape[i] + m.Chunks[i] - 1) / m.Chunks[i]
	}
	return out
}

// Validate checks the parts of the metadata the decoder depends on.
func (m *ZarrArrayMeta) Validate(name string) error {
	if m.ZarrFormat != 0 && m.ZarrFormat != 2 {
		return unsupported(name, fmt.Sprintf("zarr_format %d", m.ZarrFormat))
	}
	if len(m.Shape) != len(m.Chunks) {
		return types.NewAppError(types.ErrCodeInternalCorruptStore,
			fmt.Sprintf("%s: shape %v and chunks %v differ in rank", name, m.Shape, m.Chunks), nil)
	}
	for _, c := range m.Chunks {
		if c <= 0 {
			return types.NewAppError(types.ErrCodeInternalCorruptStore,
				fmt.Sprintf("%s: invalid chunk size %v", name, m.Chunks), nil)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return unsupported(name, "order "+m.Order)
	}
	if len(m.Filters) > 0 {
		return unsupported(name, "filters")
	}
	if _, err := parseDType(m.DType); err != nil {
		return unsupported(name, err.Error())
	}
	if m.Compressor != nil {
		switch m.Compressor.ID {
		case CompressorZstd, CompressorZlib, CompressorGzip:
		default:
			return unsupported(name, "compressor "+m.Compressor.ID)
		}
	}
	return nil
}

func unsupported(name, what string) error {
	return types.NewAppError(types.ErrCodeUnsupportedEncoding,
		fmt.Sprintf("%s: unsupported encoding: %s", name, what), nil)
}

// dtype is a parsed numpy type string such as "<f4".
type dtype struct {
	order binary.ByteOrder
	kind  byte
	size  int
}

func parseDType(s string) (dtype, error) {
	if len(s) < 3 {
		return dtype{}, fmt.Errorf("dtype %q", s)
	}
	var d dtype
	switch s[0] {
	case '<', '|':
		d.order = binary.LittleEndian
	case '>':
		d.order = binary.BigEndian
	default:
		return dtype{}, fmt.Errorf("dtype %q", s)
	}
	d.kind = s[1]
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return dtype{}, fmt.Errorf("dtype %q", s)
	}
	d.size = size
	switch {
	case d.kind == 'f' && (size == 4 || size == 8):
	case (d.kind == 'i' || d.kind == 'u') && (size == 1 || size == 2 || size == 4 || size == 8):
	default:
		return dtype{}, fmt.Errorf("dtype %q", s)
	}
	return d, nil
}

// decode converts raw chunk bytes into float64 values.
func (d dtype) decode(data []byte) ([]float64, error) {
	if len(data)%d.size != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of %d bytes", len(data), d.size)
	}
	count := len(data) / d.size
	out := make([]float64, count)
	for i := 0; i < count; i++ {
		b := data[i*d.size : (i+1)*d.size]
		switch {
		case d.kind == 'f' && d.size == 4:
			out[i] = float64(math.Float32frombits(d.order.Uint32(b)))
		case d.kind == 'f':
			out[i] = math.Float64frombits(d.order.Uint64(b))
		case d.size == 1 && d.kind == 'i':
			out[i] = float64(int8(b[0]))
		case d.size == 1:
			out[i] = float64(b[0])
		case d.size == 2 && d.kind == 'i':
			out[i] = float64(int16(d.order.Uint16(b)))
		case d.size == 2:
			out[i] = float64(d.order.Uint16(b))
		case d.size == 4 && d.kind == 'i':
			out[i] = float64(int32(d.order.Uint32(b)))
		case d.size == 4:
			out[i] = float64(d.order.Uint32(b))
		case d.kind == 'i':
			out[i] = float64(int64(d.order.Uint64(b)))
		default:
			out[i] = float64(d.order.Uint64(b))
		}
	}
	return out, nil
}

// Codec decompresses and decodes Zarr chunks. It is safe for concurrent use.
type Codec struct {
	// decoderPool provides reusable zstd decoders to avoid repeated allocations.
	decoderPool sync.Pool
}

// NewCodec creates a Codec.
func NewCodec() *Codec {
	return &Codec{
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// Decompress undoes the array compressor. A nil compressor returns data as is.
func (c *Codec) Decompress(comp *CompressorMeta, data []byte) ([]byte, error) {
	if comp == nil {
		return data, nil
	}
	switch comp.ID {
	case CompressorZstd:
		decoder := c.decoderPool.Get().(*zstd.Decoder)
		defer c.decoderPool.Put(decoder)
		out, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
		return out, nil
	case CompressorZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib decompression failed: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressorGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompression failed: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported compressor %q", comp.ID)
	}
}

// DecodeChunk decompresses one chunk and converts it to float64 values with
// fill values replaced by NaN. The chunk must hold exactly prod(meta.Chunks)
// elements.
func (c *Codec) DecodeChunk(meta *ZarrArrayMeta, data []byte) ([]float64, error) {
	raw, err := c.Decompress(meta.Compressor, data)
	if err != nil {
		return nil, err
	}
	dt, err := parseDType(meta.DType)
	if err != nil {
		return nil, err
	}
	values, err := dt.decode(raw)
	if err != nil {
		return nil, err
	}
	want := 1
	for _, n := range meta.Chunks {
		want *= n
	}
	if len(values) != want {
		return nil, fmt.Errorf("chunk holds %d values, want %d", len(values), want)
	}
	fill := meta.Fill()
	if dt.kind == 'f' && dt.size == 4 {
		fill = float64(float32(fill))
	}
	if !math.IsNaN(fill) {
		for i, v := range values {
			if v == fill {
				values[i] = math.NaN()
			}
		}
	}
	return values, nil
}

// Packing holds the CF attributes that map stored values onto physical ones.
type Packing struct {
	Missing []float64
	Scale   float64
	Offset  float64
}

// PackingFromAttrs reads _FillValue, missing_value, scale_factor and
// add_offset.
func PackingFromAttrs(attrs map[string]any) Packing {
	p := Packing{Scale: 1}
	for _, k := range []string{"_FillValue", "missing_value"} {
		if v, ok := attrs[k]; ok {
			if f := attrFloat(v); !math.IsNaN(f) {
				p.Missing = append(p.Missing, f)
			}
		}
	}
	if v, ok := attrs["scale_factor"]; ok {
		if f := attrFloat(v); !math.IsNaN(f) {
			p.Scale = f
		}
	}
	if v, ok := attrs["add_offset"]; ok {
		if f := attrFloat(v); !math.IsNaN(f) {
			p.Offset = f
		}
	}
	return p
}

// Apply masks missing values and unpacks the rest in place.
func (p Packing) Apply(values []float64) {
	for i, v := range values {
		for _, m := range p.Missing {
			// float32 variables carry float64 attributes
			if v == m || v == float64(float32(m)) {
				v = math.NaN()
				break
			}
		}
		values[i] = v*p.Scale + p.Offset
	}
}

// attrFloat converts a decoded JSON or NetCDF attribute into a float64. Zarr
// writes non-finite fill values as the strings "NaN", "Infinity" and
// "-Infinity". Anything else yields NaN.
func attrFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		switch x {
		case "Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case []any:
		if len(x) == 1 {
			return attrFloat(x[0])
		}
	case []float64:
		if len(x) == 1 {
			return x[0]
		}
	case []float32:
		if len(x) == 1 {
			return float64(x[0])
		}
	case []int16:
		if len(x) == 1 {
			return float64(x[0])
		}
	case []int32:
		if len(x) == 1 {
			return float64(x[0])
		}
	}
	return math.NaN()
}

// attrString converts an attribute to a string, or "" when it is not one.
func attrString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case []string:
		if len(x) == 1 {
			return x[0]
		}
	}
	return ""
}
