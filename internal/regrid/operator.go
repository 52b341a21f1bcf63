package regrid

import (
	"fmt"
	"math"
	"sort"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// Method selects the interpolation scheme.
type Method string

const (
	MethodBilinear Method = "bilinear"
	MethodNearest  Method = "nearest"
)

// ParseMethod validates a method name. An empty name means bilinear.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodBilinear:
		return MethodBilinear, nil
	case MethodNearest:
		return MethodNearest, nil
	}
	return "", types.NewAppError(types.ErrCodeValidationInvalidGrid,
		fmt.Sprintf("unknown regrid method %q", s), nil)
}

// stencil holds up to four source cells and their weights for one target
// cell. Unused slots have zero weight.
type stencil struct {
	idx [4]int
	w   [4]float64
}

// Operator maps fields on one source grid onto one target grid. It is
// immutable once built and safe for concurrent use.
type Operator struct {
	Method   Method
	Source   [2]int
	Target   Grid
	stencils []stencil
}

// BuildOperator precomputes interpolation stencils from src to dst. Target
// latitudes beyond the source range take the edge row. Longitude is periodic.
func BuildOperator(src, dst Grid, method Method) (*Operator, error) {
	latAsc, latRow, err := ascending(src.Lat, false)
	if err != nil {
		return nil, err
	}
	lonAsc, lonCol, err := ascending(src.Lon, true)
	if err != nil {
		return nil, err
	}
	if len(dst.Lat) == 0 || len(dst.Lon) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidGrid, "target grid is empty", nil)
	}

	nlon := len(src.Lon)
	op := &Operator{
		Method:   method,
		Source:   src.Shape(),
		Target:   dst,
		stencils: make([]stencil, 0, dst.Size()),
	}
	for _, y := range dst.Lat {
		i0, i1, fy := bracketLat(latAsc, y)
		for _, x := range dst.Lon {
			j0, j1, fx := bracketLon(lonAsc, normalizeLon(x))
			r0, r1 := latRow[i0], latRow[i1]
			c0, c1 := lonCol[j0], lonCol[j1]

			var s stencil
			switch method {
			case MethodNearest:
				r, c := r0, c0
				if fy >= 0.5 {
					r = r1
				}
				if fx >= 0.5 {
					c = c1
				}
				s.idx[0], s.w[0] = r*nlon+c, 1
			default:
				s.idx = [4]int{r0*nlon + c0, r0*nlon + c1, r1*nlon + c0, r1*nlon + c1}
				s.w = [4]float64{(1 - fy) * (1 - fx), (1 - fy) * fx, fy * (1 - fx), fy * fx}
			}
			op.stencils = append(op.stencils, s)
		}
	}
	return op, nil
}

// Apply interpolates source values (row-major over the source grid). Missing
// corners are dropped and the remaining weights renormalized; a target cell
// with no valid corner is missing.
func (op *Operator) Apply(values []float64) ([]float64, error) {
	if want := op.Source[0] * op.Source[1]; len(values) != want {
		return nil, types.NewAppError(types.ErrCodeInterpolationFailure,
			fmt.Sprintf("field has %d values, operator expects %dx%d", len(values), op.Source[0], op.Source[1]), nil)
	}
	out := make([]float64, len(op.stencils))
	for k, s := range op.stencils {
		var sum, wsum float64
		for n := 0; n < 4; n++ {
			if s.w[n] == 0 {
				continue
			}
			v := values[s.idx[n]]
			if dataset.IsMissing(v) {
				continue
			}
			sum += s.w[n] * v
			wsum += s.w[n]
		}
		if wsum == 0 {
			out[k] = dataset.Missing()
			continue
		}
		out[k] = sum / wsum
	}
	return out, nil
}

// ascending returns the coordinate sorted ascending together with the
// original position of each sorted entry. Longitudes are first folded into
// [0, 360). Duplicate, non-finite or too few coordinates make the grid
// degenerate.
func ascending(coord []float64, periodic bool) ([]float64, []int, error) {
	if len(coord) < 2 {
		return nil, nil, degenerate("coordinate has %d points, need at least 2", len(coord))
	}
	vals := make([]float64, len(coord))
	pos := make([]int, len(coord))
	for i, v := range coord {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, degenerate("coordinate %d is %v", i, v)
		}
		if periodic {
			v = normalizeLon(v)
		}
		vals[i], pos[i] = v, i
	}
	sort.Sort(byValue{vals, pos})
	for i := 1; i < len(vals); i++ {
		if vals[i] == vals[i-1] {
			return nil, nil, degenerate("duplicate coordinate %g", vals[i])
		}
	}
	return vals, pos, nil
}

type byValue struct {
	v []float64
	p []int
}

func (b byValue) Len() int           { return len(b.v) }
func (b byValue) Less(i, j int) bool { return b.v[i] < b.v[j] }
func (b byValue) Swap(i, j int) {
	b.v[i], b.v[j] = b.v[j], b.v[i]
	b.p[i], b.p[j] = b.p[j], b.p[i]
}

func bracketLat(asc []float64, y float64) (int, int, float64) {
	n := len(asc)
	if y <= asc[0] {
		return 0, 0, 0
	}
	if y >= asc[n-1] {
		return n - 1, n - 1, 0
	}
	k := sort.SearchFloat64s(asc, y)
	return k - 1, k, (y - asc[k-1]) / (asc[k] - asc[k-1])
}

func bracketLon(asc []float64, x float64) (int, int, float64) {
	n := len(asc)
	k := sort.SearchFloat64s(asc, x)
	if k == 0 || k == n {
		gap := asc[0] + 360 - asc[n-1]
		d := x - asc[n-1]
		if d < 0 {
			d += 360
		}
		return n - 1, 0, d / gap
	}
	return k - 1, k, (x - asc[k-1]) / (asc[k] - asc[k-1])
}

func normalizeLon(x float64) float64 {
	x = math.Mod(x, 360)
	if x < 0 {
		x += 360
	}
	return x
}

func degenerate(format string, args ...any) error {
	return types.NewAppError(types.ErrCodeInterpolationFailure,
		"degenerate source grid: "+fmt.Sprintf(format, args...), nil)
}
