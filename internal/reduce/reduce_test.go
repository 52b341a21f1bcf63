package reduce

import (
	"errors"
	"math"
	"testing"

	"cmipdiag/internal/cftime"
	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

func monthly(startYear, n int) []cftime.Date {
	out := make([]cftime.Date, n)
	for i := range out {
		out[i] = cftime.Date{Year: startYear + i/12, Month: i%12 + 1, Day: 16}
	}
	return out
}

// field builds a (time, lat, lon) series where every cell at step t equals fn(t, lat, lon).
func field(nt int, lat, lon []float64, fn func(t int, lat, lon float64) float64) *dataset.RawSeries {
	values := make([]float64, 0, nt*len(lat)*len(lon))
	for t := 0; t < nt; t++ {
		for _, la := range lat {
			for _, lo := range lon {
				values = append(values, fn(t, la, lo))
			}
		}
	}
	return &dataset.RawSeries{
		Record:   types.DatasetRecord{SourceID: "MODEL", ExperimentID: "piControl"},
		Variable: "tas",
		Dims:     []string{"time", "lat", "lon"},
		Shape:    []int{nt, len(lat), len(lon)},
		Coords:   map[string][]float64{"lat": lat, "lon": lon},
		Time:     monthly(1850, nt),
		Calendar: cftime.NoLeap,
		Units:    "K",
		Values:   values,
	}
}

func TestLatitudeWeights_MeanIsOne(t *testing.T) {
	grids := [][]float64{
		{-89.5, -45, 0, 45, 89.5},
		{10, 20, 30},
		{0},
		{-60, -30, 0, 30, 60, 75, 80, 85},
	}
	for _, lat := range grids {
		w := LatitudeWeights(lat)
		var sum float64
		for _, v := range w {
			sum += v
		}
		mean := sum / float64(len(w))
		if math.Abs(mean-1) > 1e-9 {
			t.Errorf("lat %v: weight mean = %v, want 1", lat, mean)
		}
	}
}

func TestReduce_KeepsTimeLength(t *testing.T) {
	lat := []float64{-60, -20, 20, 60}
	lon := []float64{0, 90, 180, 270}
	for _, nt := range []int{1, 12, 37} {
		raw := field(nt, lat, lon, func(t int, la, lo float64) float64 { return float64(t) + la/100 })
		got, err := Reduce(raw)
		if err != nil {
			t.Fatalf("Reduce: %v", err)
		}
		if got.Len() != nt {
			t.Errorf("nt=%d: reduced length = %d", nt, got.Len())
		}
		if len(got.Time) != nt {
			t.Errorf("nt=%d: time length = %d", nt, len(got.Time))
		}
		if got.SourceID != "MODEL" || got.ExperimentID != "piControl" {
			t.Errorf("provenance lost: %+v", got)
		}
	}
}

func TestReduce_WeightedMean(t *testing.T) {
	lat := []float64{0, 60}
	lon := []float64{0, 180}
	// 1 at the equator, 0 at 60N: mean = cos0 / (cos0 + cos60) = 2/3.
	raw := field(2, lat, lon, func(t int, la, lo float64) float64 {
		if la == 0 {
			return 1
		}
		return 0
	})
	got, err := Reduce(raw)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.Values {
		if math.Abs(v-2.0/3.0) > 1e-12 {
			t.Errorf("step %d = %v, want 2/3", i, v)
		}
	}
}

func TestReduce_UniformFieldIsInvariant(t *testing.T) {
	raw := field(3, []float64{-80, -10, 33, 71}, []float64{0, 120, 240}, func(int, float64, float64) float64 { return 287.5 })
	got, err := Reduce(raw)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range got.Values {
		if math.Abs(v-287.5) > 1e-9 {
			t.Errorf("uniform field reduced to %v", v)
		}
	}
}

func TestReduce_SkipsMissingCells(t *testing.T) {
	raw := field(2, []float64{0, 0}, []float64{0}, func(t int, la, lo float64) float64 { return 4 })
	raw.Values[1] = dataset.Missing()
	raw.Values[2] = dataset.Missing()
	raw.Values[3] = dataset.Missing()

	got, err := Reduce(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Values[0] != 4 {
		t.Errorf("step 0 = %v, want 4", got.Values[0])
	}
	if !dataset.IsMissing(got.Values[1]) {
		t.Errorf("all-missing step = %v, want missing", got.Values[1])
	}
}

func TestReduce_MissingCellKeepsNormalizedWeights(t *testing.T) {
	lat := []float64{0, 60}
	lon := []float64{0, 180}
	raw := field(1, lat, lon, func(t int, la, lo float64) float64 {
		if la == 0 {
			return 2
		}
		return 10
	})
	raw.Values[0] = dataset.Missing()

	got, err := Reduce(raw)
	if err != nil {
		t.Fatal(err)
	}
	// weights 4/3 and 2/3; (4/3*2 + 2/3*10 + 2/3*10) / 3 valid cells
	want := 16.0 / 3.0
	if math.Abs(got.Values[0]-want) > 1e-9 {
		t.Errorf("reduced = %v, want %v", got.Values[0], want)
	}
}

func TestReduce_AlternateLatitudeName(t *testing.T) {
	raw := field(2, []float64{-30, 30}, []float64{0}, func(int, float64, float64) float64 { return 1 })
	raw.Dims = []string{"time", "latitude", "lon"}
	raw.Coords = map[string][]float64{"latitude": {-30, 30}, "lon": {0}}
	if _, err := Reduce(raw); err != nil {
		t.Fatalf("Reduce with latitude dim: %v", err)
	}
}

func TestReduce_MissingCoordinate(t *testing.T) {
	raw := field(2, []float64{0}, []float64{0}, func(int, float64, float64) float64 { return 1 })
	raw.Dims = []string{"time", "j", "i"}
	raw.Coords = map[string][]float64{}

	_, err := Reduce(raw)
	if !errors.Is(err, &types.AppError{Code: types.ErrCodeMissingCoordinate}) {
		t.Fatalf("expected missing_coordinate, got %v", err)
	}
}

func TestTimeMean(t *testing.T) {
	raw := field(3, []float64{0, 10}, []float64{0}, func(t int, la, lo float64) float64 { return float64(t) + la })
	raw.Values[0] = dataset.Missing()

	got, err := TimeMean(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Shape) != 2 || got.Shape[0] != 2 || got.Shape[1] != 1 {
		t.Fatalf("shape = %v", got.Shape)
	}
	// lat=0: steps 1,2 -> 1.5; lat=10: 10,11,12 -> 11
	if got.Values[0] != 1.5 || got.Values[1] != 11 {
		t.Errorf("values = %v", got.Values)
	}
	if got.DimIndex("time") != -1 {
		t.Error("time dimension should be gone")
	}
}

func reduced(values []float64) *dataset.ReducedSeries {
	return &dataset.ReducedSeries{
		SourceID:     "MODEL",
		ExperimentID: "abrupt-4xCO2",
		Variable:     "tas",
		Units:        "K",
		Calendar:     cftime.NoLeap,
		Time:         monthly(1850, len(values)),
		Values:       values,
	}
}

func TestRebaseAndResample_FullBlocks(t *testing.T) {
	values := make([]float64, 24)
	for i := range values {
		values[i] = float64(i)
	}
	got, err := RebaseAndResample(reduced(values), FrequencyAnnual)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 2 {
		t.Fatalf("got %d points, want 2", got.Len())
	}
	if got.Values[0] != 5.5 || got.Values[1] != 17.5 {
		t.Errorf("values = %v, want [5.5 17.5]", got.Values)
	}
	if got.Years[0] != 0 || got.Years[1] != 1 {
		t.Errorf("years = %v, want [0 1]", got.Years)
	}
}

func TestRebaseAndResample_DropsPartialBlock(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = 1
	}
	values[24] = 1000

	got, err := RebaseAndResample(reduced(values), FrequencyAnnual)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 2 {
		t.Fatalf("got %d points, want 2", got.Len())
	}
	for _, v := range got.Values {
		if v != 1 {
			t.Errorf("trailing month leaked into mean: %v", got.Values)
		}
	}
}

func TestRebaseAndResample_ShortSeries(t *testing.T) {
	got, err := RebaseAndResample(reduced([]float64{1, 2, 3}), FrequencyAnnual)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 0 {
		t.Errorf("got %d points from 3 months", got.Len())
	}
}

func TestResample_CalendarBase(t *testing.T) {
	s := reduced(make([]float64, 36))
	s.Time = monthly(2015, 36)

	got, err := Resample(s, Options{Frequency: FrequencyAnnual, Base: BaseCalendar})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{2015, 2016, 2017}
	for i, y := range got.Years {
		if y != want[i] {
			t.Errorf("years = %v, want %v", got.Years, want)
			break
		}
	}
}

func TestResample_UnknownFrequency(t *testing.T) {
	_, err := Resample(reduced(make([]float64, 12)), Options{Frequency: "weekly"})
	if !errors.Is(err, &types.AppError{Code: types.ErrCodeValidationFrequency}) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
