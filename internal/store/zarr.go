package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"cmipdiag/internal/cftime"
	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

const (
	zmetadataKey = ".zmetadata"
	zarrayName   = ".zarray"
	zattrsName   = ".zattrs"

	// dimensionsAttr is the xarray convention for naming Zarr dimensions.
	dimensionsAttr = "_ARRAY_DIMENSIONS"

	// DefaultChunkFetches bounds concurrent chunk reads for one array.
	DefaultChunkFetches = 8
)

// consolidated is the layout of a .zmetadata object.
type consolidated struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	Format   int                        `json:"zarr_consolidated_format"`
}

// zarrGroup is an opened Zarr v2 group. Consolidated metadata is used when
// present; otherwise per-array metadata objects are fetched on demand.
type zarrGroup struct {
	store   ObjectStore
	loc     Location
	codec   *Codec
	fetches int
	meta    map[string]json.RawMessage
}

func openZarrGroup(ctx context.Context, s ObjectStore, loc Location, codec *Codec, fetches int) (*zarrGroup, error) {
	g := &zarrGroup{store: s, loc: loc, codec: codec, fetches: fetches}
	data, err := ReadAll(ctx, s, loc.Key(zmetadataKey))
	if IsNotFound(err) {
		return g, nil
	}
	if err != nil {
		return nil, err
	}
	var c consolidated
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
			fmt.Sprintf("failed to parse %s: %v", loc.Key(zmetadataKey), err), err)
	}
	g.meta = c.Metadata
	return g, nil
}

// metadataObject returns one metadata document, either from the consolidated
// map or from the store.
func (g *zarrGroup) metadataObject(ctx context.Context, name string) ([]byte, error) {
	if g.meta != nil {
		raw, ok := g.meta[name]
		if !ok {
			return nil, NotFound(g.loc.Key(name), nil)
		}
		return raw, nil
	}
	return ReadAll(ctx, g.store, g.loc.Key(name))
}

// array loads the metadata and attributes of one array. A missing .zarray
// is reported as not found; a missing .zattrs yields empty attributes.
func (g *zarrGroup) array(ctx context.Context, name string) (*ZarrArrayMeta, map[string]any, error) {
	data, err := g.metadataObject(ctx, path.Join(name, zarrayName))
	if err != nil {
		return nil, nil, err
	}
	var meta ZarrArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
			fmt.Sprintf("failed to parse %s/.zarray metadata: %v", name, err), err)
	}
	if err := meta.Validate(name); err != nil {
		return nil, nil, err
	}

	attrs := map[string]any{}
	data, err = g.metadataObject(ctx, path.Join(name, zattrsName))
	switch {
	case IsNotFound(err):
	case err != nil:
		return nil, nil, err
	default:
		if err := json.Unmarshal(data, &attrs); err != nil {
			return nil, nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
				fmt.Sprintf("failed to parse %s/.zattrs: %v", name, err), err)
		}
	}
	return &meta, attrs, nil
}

// chunkKey builds the store key of the chunk at grid position idx.
func (g *zarrGroup) chunkKey(name string, meta *ZarrArrayMeta, idx []int) string {
	sep := meta.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	if len(idx) == 0 {
		return g.loc.Key(name, "0")
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return g.loc.Key(name, strings.Join(parts, sep))
}

// read materializes a whole array in C order. Chunks absent from the store
// are treated as entirely fill.
func (g *zarrGroup) read(ctx context.Context, name string, meta *ZarrArrayMeta) ([]float64, error) {
	size := 1
	for _, n := range meta.Shape {
		size *= n
	}
	out := make([]float64, size)
	if size == 0 {
		return out, nil
	}

	grid := meta.ChunkCount()
	var positions [][]int
	forEachIndex(grid, func(idx []int) {
		positions = append(positions, append([]int(nil), idx...))
	})

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.fetches)
	for _, pos := range positions {
		eg.Go(func() error {
			chunk, err := g.readChunk(ctx, name, meta, pos)
			if err != nil {
				return err
			}
			origin := make([]int, len(pos))
			for i := range pos {
				origin[i] = pos[i] * meta.Chunks[i]
			}
			// chunks cover disjoint regions of out
			scatter(out, meta.Shape, meta.Chunks, origin, chunk)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *zarrGroup) readChunk(ctx context.Context, name string, meta *ZarrArrayMeta, pos []int) ([]float64, error) {
	key := g.chunkKey(name, meta, pos)
	data, err := ReadAll(ctx, g.store, key)
	if IsNotFound(err) {
		n := 1
		for _, c := range meta.Chunks {
			n *= c
		}
		chunk := make([]float64, n)
		for i := range chunk {
			chunk[i] = math.NaN()
		}
		return chunk, nil
	}
	if err != nil {
		return nil, err
	}
	values, err := g.codec.DecodeChunk(meta, data)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCorruptStore,
			fmt.Sprintf("failed to decode chunk %s: %v", key, err), err)
	}
	return values, nil
}

// forEachIndex calls fn with every multi-index below extent in C order. The
// slice passed to fn is reused between calls.
func forEachIndex(extent []int, fn func(idx []int)) {
	for _, e := range extent {
		if e <= 0 {
			return
		}
	}
	idx := make([]int, len(extent))
	for {
		fn(idx)
		k := len(extent) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < extent[k] {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return
		}
	}
}

// scatter copies a full-size chunk whose first element sits at origin into
// out, clipping the parts that overhang the array edge.
func scatter(out []float64, shape, chunkShape, origin []int, chunk []float64) {
	nd := len(shape)
	if nd == 0 {
		out[0] = chunk[0]
		return
	}
	outStride := make([]int, nd)
	chunkStride := make([]int, nd)
	outStride[nd-1], chunkStride[nd-1] = 1, 1
	for i := nd - 2; i >= 0; i-- {
		outStride[i] = outStride[i+1] * shape[i+1]
		chunkStride[i] = chunkStride[i+1] * chunkShape[i+1]
	}
	ext := make([]int, nd)
	for i := range ext {
		ext[i] = min(chunkShape[i], shape[i]-origin[i])
	}
	run := ext[nd-1]
	forEachIndex(ext[:nd-1], func(idx []int) {
		src, dst := 0, origin[nd-1]
		for i, v := range idx {
			src += v * chunkStride[i]
			dst += (origin[i] + v) * outStride[i]
		}
		copy(out[dst:dst+run], chunk[src:src+run])
	})
}

// ZarrOpener opens Zarr v2 groups. Metadata and coordinate arrays are read
// at open time; the data variable is read when the series is loaded.
type ZarrOpener struct {
	resolver *Resolver
	codec    *Codec
	fetches  int
	logger   *slog.Logger
}

// NewZarrOpener creates a ZarrOpener.
func NewZarrOpener(resolver *Resolver, codec *Codec, logger *slog.Logger) *ZarrOpener {
	if codec == nil {
		codec = NewCodec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZarrOpener{resolver: resolver, codec: codec, fetches: DefaultChunkFetches, logger: logger}
}

// Open opens the group named by the record's location and returns its data
// variable as a lazy series.
func (z *ZarrOpener) Open(ctx context.Context, rec types.DatasetRecord) (*dataset.LazySeries, error) {
	s, loc, err := z.resolver.Open(rec.Location)
	if err != nil {
		return nil, err
	}
	g, err := openZarrGroup(ctx, s, loc, z.codec, z.fetches)
	if err != nil {
		return nil, err
	}

	meta, attrs, err := g.array(ctx, rec.VariableID)
	if IsNotFound(err) {
		return nil, types.NewAppError(types.ErrCodeMissingVariable,
			fmt.Sprintf("%s: variable %s not in store %s", rec, rec.VariableID, loc), err)
	}
	if err != nil {
		return nil, err
	}

	raw := dataset.RawSeries{
		Record:   rec,
		Variable: rec.VariableID,
		Dims:     dimensionNames(attrs, len(meta.Shape)),
		Shape:    meta.Shape,
		Coords:   make(map[string][]float64),
		Units:    attrString(attrs["units"]),
		Attrs:    attrs,
	}
	if raw.Units == "" {
		return nil, types.NewAppError(types.ErrCodeMissingUnits,
			fmt.Sprintf("%s: variable %s declares no units", rec, rec.VariableID), nil)
	}

	for i, dim := range raw.Dims {
		cmeta, cattrs, err := g.array(ctx, dim)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		values, err := g.read(ctx, dim, cmeta)
		if err != nil {
			return nil, err
		}
		PackingFromAttrs(cattrs).Apply(values)

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

	z.logger.DebugContext(ctx, "opened zarr store",
		"dataset", rec.String(),
		"location", loc.String(),
		"shape", meta.Shape,
		"consolidated", g.meta != nil,
	)

	packing := PackingFromAttrs(attrs)
	return dataset.NewLazySeries(raw, func(ctx context.Context) ([]float64, error) {
		values, err := g.read(ctx, rec.VariableID, meta)
		if err != nil {
			return nil, err
		}
		packing.Apply(values)
		return values, nil
	}), nil
}

func dimensionNames(attrs map[string]any, rank int) []string {
	dims := make([]string, rank)
	if list, ok := attrs[dimensionsAttr].([]any); ok && len(list) == rank {
		for i, v := range list {
			dims[i] = attrString(v)
		}
	}
	for i, d := range dims {
		if d == "" {
			dims[i] = "dim_" + strconv.Itoa(i)
		}
	}
	return dims
}

func isTimeCoordinate(name string, attrs map[string]any) bool {
	if name == dataset.DimTime {
		return true
	}
	if axis := attrString(attrs["axis"]); axis == "T" {
		return true
	}
	return strings.Contains(attrString(attrs["units"]), " since ")
}
