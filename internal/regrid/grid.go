// Package regrid interpolates model-native rectilinear fields onto a common
// latitude/longitude grid. Interpolation operators are precomputed per
// source grid and reused across models that share it.
package regrid

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/reduce"
	"cmipdiag/internal/types"
)

// LongitudeNames are the coordinate names recognized as longitude.
var LongitudeNames = []string{"lon", "longitude", "nav_lon", "x"}

// Grid is a rectilinear grid described by its cell-center coordinates in
// degrees.
type Grid struct {
	Lat []float64 `json:"lat"`
	Lon []float64 `json:"lon"`
}

// Regular builds a global grid with cell centers offset half a cell from the
// poles and the prime meridian.
func Regular(dLat, dLon float64) (Grid, error) {
	nLat, okLat := cells(180, dLat)
	nLon, okLon := cells(360, dLon)
	if !okLat || !okLon {
		return Grid{}, types.NewAppError(types.ErrCodeValidationInvalidGrid,
			fmt.Sprintf("resolution %gx%g does not tile the globe", dLat, dLon), nil)
	}
	g := Grid{Lat: make([]float64, nLat), Lon: make([]float64, nLon)}
	for i := range g.Lat {
		g.Lat[i] = -90 + dLat*(float64(i)+0.5)
	}
	for j := range g.Lon {
		g.Lon[j] = dLon * (float64(j) + 0.5)
	}
	return g, nil
}

func cells(extent, step float64) (int, bool) {
	if step <= 0 || step > extent {
		return 0, false
	}
	n := math.Round(extent / step)
	return int(n), math.Abs(n*step-extent) < 1e-9
}

// Size returns the number of cells.
func (g Grid) Size() int { return len(g.Lat) * len(g.Lon) }

// Shape returns (nlat, nlon).
func (g Grid) Shape() [2]int { return [2]int{len(g.Lat), len(g.Lon)} }

// Fingerprint identifies the grid's coordinates.
func (g Grid) Fingerprint() string {
	h := fnv.New64a()
	var buf [8]byte
	for _, axis := range [][]float64{g.Lat, {math.Inf(1)}, g.Lon} {
		for _, v := range axis {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return fmt.Sprintf("%dx%d-%016x", len(g.Lat), len(g.Lon), h.Sum64())
}

// CellWeights returns cos(lat) area weights for every cell in row-major
// (lat, lon) order.
func (g Grid) CellWeights() []float64 {
	w := make([]float64, 0, g.Size())
	for _, lat := range g.Lat {
		c := math.Cos(lat * math.Pi / 180)
		for range g.Lon {
			w = append(w, c)
		}
	}
	return w
}

// Field is a 2-D (lat, lon) field belonging to one model.
type Field struct {
	ModelID string
	Units   string
	Grid    Grid
	// Values are row-major over (lat, lon).
	Values []float64
}

// FieldFromSeries extracts a (lat, lon) field from a series with no other
// non-singleton dimensions. A (lon, lat) layout is transposed.
func FieldFromSeries(modelID string, raw *dataset.RawSeries) (*Field, error) {
	latName, lat, err := reduce.FindLatitude(raw)
	if err != nil {
		return nil, err
	}
	lonName, lon := "", []float64(nil)
	for _, name := range LongitudeNames {
		if raw.DimIndex(name) >= 0 {
			if c, ok := raw.Coords[name]; ok {
				lonName, lon = name, c
				break
			}
		}
	}
	if lonName == "" {
		return nil, types.NewAppError(types.ErrCodeMissingCoordinate,
			fmt.Sprintf("%s: no longitude coordinate (looked for %v)", raw.Record, LongitudeNames), nil)
	}
	for i, d := range raw.Dims {
		if d != latName && d != lonName && raw.Shape[i] != 1 {
			return nil, types.NewAppError(types.ErrCodeInterpolationFailure,
				fmt.Sprintf("%s: field has extra dimension %s of size %d", raw.Record, d, raw.Shape[i]), nil)
		}
	}
	if len(raw.Values) != len(lat)*len(lon) {
		return nil, types.NewAppError(types.ErrCodeInterpolationFailure,
			fmt.Sprintf("%s: %d values do not match %dx%d grid", raw.Record, len(raw.Values), len(lat), len(lon)), nil)
	}

	values := raw.Values
	if raw.DimIndex(lonName) < raw.DimIndex(latName) {
		values = make([]float64, len(raw.Values))
		for j := range lon {
			for i := range lat {
				values[i*len(lon)+j] = raw.Values[j*len(lat)+i]
			}
		}
	}
	return &Field{
		ModelID: modelID,
		Units:   raw.Units,
		Grid:    Grid{Lat: lat, Lon: lon},
		Values:  values,
	}, nil
}
