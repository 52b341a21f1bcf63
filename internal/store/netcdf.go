package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"cmipdiag/internal/cftime"
	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// NetCDFOpener opens single NetCDF files. The reader needs a local path, so
// files held in object stores are downloaded into a scratch directory that
// lives until Close.
type NetCDFOpener struct {
	resolver *Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	scratch string
}

// NewNetCDFOpener creates a NetCDFOpener.
func NewNetCDFOpener(resolver *Resolver, logger *slog.Logger) *NetCDFOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetCDFOpener{resolver: resolver, logger: logger}
}

// Open opens the file named by the record's location and returns its data
// variable as a lazy series.
func (n *NetCDFOpener) Open(ctx context.Context, rec types.DatasetRecord) (*dataset.LazySeries, error) {
	loc, err := ParseLocation(rec.Location)
	if err != nil {
		return nil, err
	}
	local, err := n.localPath(ctx, loc)
	if err != nil {
		return nil, err
	}

	nc, err := netcdf.Open(local)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NotFound(loc.String(), err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
			fmt.Sprintf("failed to open netcdf file %s: %v", loc, err), err)
	}
	defer nc.Close()

	vg, err := nc.GetVarGetter(rec.VariableID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeMissingVariable,
			fmt.Sprintf("%s: variable %s not in %s", rec, rec.VariableID, loc), err)
	}
	attrs := attributeMap(vg.Attributes())
	raw := dataset.RawSeries{
		Record:   rec,
		Variable: rec.VariableID,
		Dims:     append([]string(nil), vg.Dimensions()...),
		Coords:   make(map[string][]float64),
		Units:    attrString(attrs["units"]),
		Attrs:    attrs,
	}
	if raw.Shape, err = variableShape(nc, vg); err != nil {
		return nil, fmt.Errorf("%s: %w", rec, err)
	}
	if raw.Units == "" {
		return nil, types.NewAppError(types.ErrCodeMissingUnits,
			fmt.Sprintf("%s: variable %s declares no units", rec, rec.VariableID), nil)
	}

	for i, dim := range raw.Dims {
		cg, err := nc.GetVarGetter(dim)
		if err != nil {
			continue
		}
		values, cattrs, err := readVariable(cg)
		if err != nil {
			return nil, fmt.Errorf("%s: reading coordinate %s: %w", rec, dim, err)
		}
		if isTimeCoordinate(dim, cattrs) {
			dates, cal, err := cftime.DecodeAll(values, attrString(cattrs["units"]), attrString(cattrs["calendar"]))
			if err != nil {
				return nil, fmt.Errorf("%s: decoding time coordinate: %w", rec, err)
			}
			raw.Dims[i] = dataset.DimTime
			raw.Time, raw.Calendar = dates, cal
			continue
		}
		raw.Coords[dim] = values
	}

	n.logger.DebugContext(ctx, "opened netcdf file", "dataset", rec.String(), "path", local, "shape", raw.Shape)

	return dataset.NewLazySeries(raw, func(ctx context.Context) ([]float64, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nc, err := netcdf.Open(local)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
				fmt.Sprintf("failed to reopen netcdf file %s: %v", local, err), err)
		}
		defer nc.Close()
		vg, err := nc.GetVarGetter(rec.VariableID)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeMissingVariable,
				fmt.Sprintf("%s: variable %s vanished from %s", rec, rec.VariableID, local), err)
		}
		values, _, err := readVariable(vg)
		return values, err
	}), nil
}

// Close removes downloaded files.
func (n *NetCDFOpener) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.scratch == "" {
		return nil
	}
	err := os.RemoveAll(n.scratch)
	n.scratch = ""
	return err
}

// localPath returns a filesystem path holding the file at loc, downloading
// it first when it lives in a bucket.
func (n *NetCDFOpener) localPath(ctx context.Context, loc Location) (string, error) {
	if loc.Scheme == SchemeFile {
		return filepath.FromSlash(loc.Prefix), nil
	}
	s, err := n.resolver.Resolve(loc)
	if err != nil {
		return "", err
	}
	body, err := s.Get(ctx, loc.Prefix)
	if err != nil {
		return "", err
	}
	defer body.Close()

	dir, err := n.scratchDir()
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "*-"+path.Base(loc.Prefix))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create scratch file", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", types.NewAppError(types.ErrCodeUpstreamStore,
			fmt.Sprintf("failed to download %s: %v", loc, err), err)
	}
	if err := f.Close(); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to close scratch file", err)
	}
	return f.Name(), nil
}

func (n *NetCDFOpener) scratchDir() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.scratch != "" {
		return n.scratch, nil
	}
	dir, err := os.MkdirTemp("", "cmipdiag-nc-")
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create scratch directory", err)
	}
	n.scratch = dir
	return dir, nil
}

// variableShape sizes each dimension of vg from the file. The record
// dimension of a classic file reports zero and is derived from the
// variable's total length.
func variableShape(nc api.Group, vg api.VarGetter) ([]int, error) {
	dims := vg.Dimensions()
	shape := make([]int, len(dims))
	unlimited := -1
	rest := int64(1)
	for i, d := range dims {
		sz, ok := nc.GetDimension(d)
		if !ok {
			return nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
				fmt.Sprintf("dimension %s is not declared", d), nil)
		}
		if sz == 0 && i == 0 {
			unlimited = i
			continue
		}
		shape[i] = int(sz)
		rest *= int64(sz)
	}
	if unlimited >= 0 && rest > 0 {
		shape[unlimited] = int(vg.Len() / rest)
	}
	return shape, nil
}

// readVariable reads every value of a variable as float64 with CF packing
// applied.
func readVariable(vg api.VarGetter) ([]float64, map[string]any, error) {
	attrs := attributeMap(vg.Attributes())
	raw, err := vg.Values()
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
			fmt.Sprintf("failed to read values: %v", err), err)
	}
	values, err := flatten(raw)
	if err != nil {
		return nil, nil, err
	}
	PackingFromAttrs(attrs).Apply(values)
	return values, attrs, nil
}

func attributeMap(am api.AttributeMap) map[string]any {
	out := make(map[string]any)
	if am == nil {
		return out
	}
	for _, k := range am.Keys() {
		if v, ok := am.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// flatten converts the nested typed slices returned by the NetCDF reader
// into a row-major []float64.
func flatten(v any) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return append([]float64(nil), x...), nil
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, nil
	}

	var out []float64
	var walk func(rv reflect.Value) error
	walk = func(rv reflect.Value) error {
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if err := walk(rv.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Float32, reflect.Float64:
			out = append(out, rv.Float())
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
			out = append(out, float64(rv.Int()))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
			out = append(out, float64(rv.Uint()))
		default:
			return types.NewAppError(types.ErrCodeUnsupportedEncoding,
				fmt.Sprintf("non-numeric netcdf values of kind %s", rv.Kind()), nil)
		}
		return nil
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}
