package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmipdiag/internal/cftime"
	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// --- Mock object store ---

// memStore implements ObjectStore in memory and records every Get.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// failKeys causes Get to return an error for these keys.
	failKeys map[string]error
	gets     []string
}

func newMemStore() *memStore {
	return &memStore{
		objects:  make(map[string][]byte),
		failKeys: make(map[string]error),
	}
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, key)
	if err, ok := m.failKeys[key]; ok {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, NotFound(key, nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Put(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) fetched(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.gets {
		if strings.Contains(k, substr) {
			n++
		}
	}
	return n
}

// --- Test helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func compressZstd(data []byte) []byte {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	defer w.Close()
	return w.EncodeAll(data, nil)
}

func compressZlib(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func encodeF4(values []float64) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return buf
}

func encodeF8(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// zarrFixture writes a Zarr v2 group into a memStore.
type zarrFixture struct {
	store  *memStore
	prefix string
}

func (f *zarrFixture) array(name string, meta ZarrArrayMeta, attrs map[string]any) {
	meta.ZarrFormat = 2
	if meta.Order == "" {
		meta.Order = "C"
	}
	data, _ := json.Marshal(meta)
	f.store.objects[f.prefix+"/"+name+"/.zarray"] = data
	if attrs != nil {
		data, _ = json.Marshal(attrs)
		f.store.objects[f.prefix+"/"+name+"/.zattrs"] = data
	}
}

func (f *zarrFixture) chunk(name, key string, data []byte) {
	f.store.objects[f.prefix+"/"+name+"/"+key] = data
}

// cellValue is the synthetic value of tas at (t, j, i).
func cellValue(t, j, i int) float64 {
	return float64(t*100 + j*10 + i)
}

const fillValue = 1e20

// buildTasGroup writes a (time=4, lat=2, lon=3) tas array chunked (3, 2, 2),
// leaving chunk 1.0.1 absent.
func buildTasGroup(f *zarrFixture) {
	f.array("time", ZarrArrayMeta{Shape: []int{4}, Chunks: []int{4}, DType: "<f8"},
		map[string]any{"_ARRAY_DIMENSIONS": []string{"time"}, "units": "days since 1850-01-01", "calendar": "noleap"})
	f.chunk("time", "0", encodeF8([]float64{15, 45, 74, 105}))

	f.array("lat", ZarrArrayMeta{Shape: []int{2}, Chunks: []int{2}, DType: "<f4"},
		map[string]any{"_ARRAY_DIMENSIONS": []string{"lat"}, "units": "degrees_north"})
	f.chunk("lat", "0", encodeF4([]float64{-45, 45}))

	f.array("lon", ZarrArrayMeta{Shape: []int{3}, Chunks: []int{3}, DType: "<f4", Compressor: &CompressorMeta{ID: CompressorZlib}},
		map[string]any{"_ARRAY_DIMENSIONS": []string{"lon"}, "units": "degrees_east"})
	f.chunk("lon", "0", compressZlib(encodeF4([]float64{0, 120, 240})))

	f.array("tas", ZarrArrayMeta{
		Shape:      []int{4, 2, 3},
		Chunks:     []int{3, 2, 2},
		DType:      "<f4",
		Compressor: &CompressorMeta{ID: CompressorZstd, Level: 3},
		FillValue:  fillValue,
	}, map[string]any{"_ARRAY_DIMENSIONS": []string{"time", "lat", "lon"}, "units": "K"})

	for _, tc := range []int{0, 1} {
		for _, ic := range []int{0, 1} {
			if tc == 1 && ic == 1 {
				continue
			}
			vals := make([]float64, 0, 12)
			for t := tc * 3; t < tc*3+3; t++ {
				for j := 0; j < 2; j++ {
					for i := ic * 2; i < ic*2+2; i++ {
						if t >= 4 || i >= 3 {
							vals = append(vals, fillValue)
							continue
						}
						vals = append(vals, cellValue(t, j, i))
					}
				}
			}
			f.chunk("tas", string(rune('0'+tc))+".0."+string(rune('0'+ic)), compressZstd(encodeF4(vals)))
		}
	}
}

func newTestResolver(m *memStore) *Resolver {
	r := NewResolver()
	r.Register(SchemeS3, func(string) (ObjectStore, error) { return m, nil })
	return r
}

func tasRecord() types.DatasetRecord {
	return types.DatasetRecord{
		SourceID:     "MODEL-A",
		ExperimentID: "piControl",
		MemberID:     "r1i1p1f1",
		TableID:      "Amon",
		VariableID:   "tas",
		GridLabel:    "gn",
		Location:     "s3://cmip6/CMIP6/MODEL-A/piControl/tas",
	}
}

// --- Location / Resolver ---

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{in: "s3://bucket/a/b/", want: Location{Scheme: SchemeS3, Bucket: "bucket", Prefix: "a/b"}},
		{in: "gs://cmip6/CMIP6/x", want: Location{Scheme: SchemeGCS, Bucket: "cmip6", Prefix: "CMIP6/x"}},
		{in: "file:///data/tas.nc", want: Location{Scheme: SchemeFile, Prefix: "/data/tas.nc"}},
		{in: "s3:///nobucket", wantErr: true},
		{in: "ftp://host/x", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			if tt.wantErr {
				assert.Equal(t, types.ErrCodeValidationInvalidLocation, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	loc, err := ParseLocation("relative/dir")
	require.NoError(t, err)
	assert.Equal(t, SchemeFile, loc.Scheme)
	assert.True(t, strings.HasPrefix(loc.Prefix, "/"))

	assert.True(t, Location{Prefix: "x/tas.NC"}.IsNetCDF())
	assert.False(t, Location{Prefix: "x/tas.zarr"}.IsNetCDF())
}

func TestResolver_CachesStoresPerBucket(t *testing.T) {
	r := NewResolver()
	built := 0
	r.Register(SchemeS3, func(bucket string) (ObjectStore, error) {
		built++
		return newMemStore(), nil
	})

	a1, _, err := r.Open("s3://a/x")
	require.NoError(t, err)
	a2, _, err := r.Open("s3://a/y")
	require.NoError(t, err)
	_, _, err = r.Open("s3://b/x")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, 2, built)

	_, _, err = r.Open("gs://a/x")
	assert.Equal(t, types.ErrCodeValidationInvalidLocation, types.CodeOf(err))
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "out/ecs.csv", strings.NewReader("a,b\n")))
	data, err := ReadAll(ctx, fs, "out/ecs.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "out", "ecs.csv"))
	assert.NoError(t, err)

	_, err = fs.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

// --- S3 ---

type mockS3API struct {
	objects map[string][]byte
	puts    map[string][]byte
	err     error
}

func (m *mockS3API) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3API) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.puts[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	api := &mockS3API{objects: map[string][]byte{"b/k": []byte("v")}, puts: map[string][]byte{}}
	s := NewS3Store(api, "b")
	ctx := context.Background()

	data, err := ReadAll(ctx, s, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))

	_, err = s.Get(ctx, "nope")
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Put(ctx, "out", strings.NewReader("x")))
	assert.Equal(t, []byte("x"), api.puts["b/out"])

	api.err = errors.New("connection reset")
	_, err = s.Get(ctx, "k")
	assert.Equal(t, types.ErrCodeUpstreamStore, types.CodeOf(err))
}

// --- Breaker ---

func TestBreakerStore_TripsOnUpstreamFailures(t *testing.T) {
	m := newMemStore()
	m.failKeys["k"] = types.NewAppError(types.ErrCodeUpstreamStore, "boom", nil)
	b := NewBreakerStore(m, BreakerSettings("test"))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := b.Get(ctx, "k")
		assert.Equal(t, types.ErrCodeUpstreamStore, types.CodeOf(err))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Get(ctx, "k")
	assert.Equal(t, types.ErrCodeUpstreamCircuitOpen, types.CodeOf(err))
	assert.Len(t, m.gets, 6, "open breaker must not reach the store")
}

func TestBreakerStore_NotFoundDoesNotTrip(t *testing.T) {
	b := NewBreakerStore(newMemStore(), BreakerSettings("test"))
	for i := 0; i < 20; i++ {
		_, err := b.Get(context.Background(), "absent")
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

// --- Chunk cache ---

func TestChunkCache_ServesRepeatReads(t *testing.T) {
	cache, err := OpenChunkCache(CacheConfig{}, testLogger())
	require.NoError(t, err)
	defer cache.Close()

	m := newMemStore()
	m.objects["a/0.0"] = []byte("chunk")
	s := cache.Wrap("s3://a", m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, err := ReadAll(ctx, s, "a/0.0")
		require.NoError(t, err)
		assert.Equal(t, "chunk", string(data))
	}
	assert.Equal(t, 1, m.fetched("a/0.0"))
	hits, misses := cache.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)

	_, err = s.Get(ctx, "a/absent")
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Put(ctx, "a/0.0", strings.NewReader("new")))
	data, err := ReadAll(ctx, s, "a/0.0")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

// --- Codec ---

func TestParseDTypeAndDecode(t *testing.T) {
	be := make([]byte, 4)
	binary.BigEndian.PutUint16(be[0:], uint16(0xFFFE)) // -2
	binary.BigEndian.PutUint16(be[2:], 300)
	dt, err := parseDType(">i2")
	require.NoError(t, err)
	got, err := dt.decode(be)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, 300}, got)

	dt, err = parseDType("|u1")
	require.NoError(t, err)
	got, err = dt.decode([]byte{0, 255})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 255}, got)

	for _, bad := range []string{"<c8", "<U4", "f4", "<f2"} {
		_, err := parseDType(bad)
		assert.Error(t, err, bad)
	}

	dt, _ = parseDType("<f8")
	_, err = dt.decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestZarrArrayMeta_Validate(t *testing.T) {
	base := func() ZarrArrayMeta {
		return ZarrArrayMeta{Shape: []int{2}, Chunks: []int{2}, DType: "<f4", Order: "C", ZarrFormat: 2}
	}
	ok := base()
	assert.NoError(t, ok.Validate("x"))

	fOrder := base()
	fOrder.Order = "F"
	blosc := base()
	blosc.Compressor = &CompressorMeta{ID: "blosc"}
	filtered := base()
	filtered.Filters = []any{map[string]any{"id": "delta"}}
	for _, m := range []ZarrArrayMeta{fOrder, blosc, filtered} {
		assert.Equal(t, types.ErrCodeUnsupportedEncoding, types.CodeOf(m.Validate("x")))
	}

	rank := base()
	rank.Chunks = []int{1, 1}
	assert.Equal(t, types.ErrCodeInternalCorruptStore, types.CodeOf(rank.Validate("x")))
}

func TestPacking(t *testing.T) {
	p := PackingFromAttrs(map[string]any{
		"_FillValue":   -999.0,
		"scale_factor": 0.5,
		"add_offset":   10.0,
	})
	values := []float64{2, -999, 4}
	p.Apply(values)
	assert.Equal(t, 11.0, values[0])
	assert.True(t, math.IsNaN(values[1]))
	assert.Equal(t, 12.0, values[2])

	assert.True(t, math.IsNaN(attrFloat("NaN")))
	assert.True(t, math.IsInf(attrFloat("-Infinity"), -1))
	assert.Equal(t, 3.0, attrFloat([]any{3.0}))
}

func TestScatter_ClipsEdgeChunks(t *testing.T) {
	out := make([]float64, 3*3)
	// a 2x2 chunk at (2, 2) of a 3x3 array keeps only its top-left element
	scatter(out, []int{3, 3}, []int{2, 2}, []int{2, 2}, []float64{7, 8, 9, 10})
	assert.Equal(t, 7.0, out[8])
	assert.Equal(t, 0.0, out[7])
}

// --- Zarr opener ---

func TestZarrOpener_OpensLazily(t *testing.T) {
	m := newMemStore()
	fx := &zarrFixture{store: m, prefix: "CMIP6/MODEL-A/piControl/tas"}
	buildTasGroup(fx)

	opener := NewZarrOpener(newTestResolver(m), NewCodec(), testLogger())
	lazy, err := opener.Open(context.Background(), tasRecord())
	require.NoError(t, err)

	assert.Equal(t, 0, m.fetched("tas/0."), "data chunks must not be read at open")
	assert.Equal(t, []string{"time", "lat", "lon"}, lazy.Dims)
	assert.Equal(t, []int{4, 2, 3}, lazy.Shape)
	assert.Equal(t, "K", lazy.Units)
	assert.Equal(t, []float64{-45, 45}, lazy.Coords["lat"])
	assert.Equal(t, []float64{0, 120, 240}, lazy.Coords["lon"])
	assert.Equal(t, cftime.NoLeap, lazy.Calendar)
	require.Len(t, lazy.Time, 4)
	assert.Equal(t, 1850, lazy.Time[0].Year)
	assert.Equal(t, 1, lazy.Time[0].Month)
	assert.Equal(t, 4, lazy.Time[3].Month)

	raw, err := lazy.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, raw.Values, 24)
	for tt := 0; tt < 4; tt++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 3; i++ {
				v := raw.Values[tt*6+j*3+i]
				if tt == 3 && i == 2 {
					assert.True(t, math.IsNaN(v), "absent chunk cell (%d,%d,%d)", tt, j, i)
					continue
				}
				assert.Equal(t, cellValue(tt, j, i), v, "cell (%d,%d,%d)", tt, j, i)
			}
		}
	}
}

func TestZarrOpener_ConsolidatedMetadata(t *testing.T) {
	src := newMemStore()
	fx := &zarrFixture{store: src, prefix: "g"}
	buildTasGroup(fx)

	// fold every metadata object into .zmetadata and remove the originals
	meta := map[string]json.RawMessage{}
	for k, v := range src.objects {
		name := strings.TrimPrefix(k, "g/")
		if strings.HasSuffix(k, "/.zarray") || strings.HasSuffix(k, "/.zattrs") {
			meta[name] = v
			delete(src.objects, k)
		}
	}
	data, err := json.Marshal(consolidated{Metadata: meta, Format: 1})
	require.NoError(t, err)
	src.objects["g/.zmetadata"] = data

	rec := tasRecord()
	rec.Location = "s3://cmip6/g"
	lazy, err := NewZarrOpener(newTestResolver(src), nil, testLogger()).Open(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 0, src.fetched(".zarray"))

	raw, err := lazy.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cellValue(2, 1, 1), raw.Values[2*6+1*3+1])
}

func TestZarrOpener_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *zarrFixture)
		want   types.ErrorCode
	}{
		{
			name: "missing variable",
			mutate: func(f *zarrFixture) {
				delete(f.store.objects, f.prefix+"/tas/.zarray")
			},
			want: types.ErrCodeMissingVariable,
		},
		{
			name: "missing units",
			mutate: func(f *zarrFixture) {
				f.store.objects[f.prefix+"/tas/.zattrs"] = []byte(`{"_ARRAY_DIMENSIONS":["time","lat","lon"]}`)
			},
			want: types.ErrCodeMissingUnits,
		},
		{
			name: "fortran order",
			mutate: func(f *zarrFixture) {
				f.array("tas", ZarrArrayMeta{Shape: []int{4, 2, 3}, Chunks: []int{4, 2, 3}, DType: "<f4", Order: "F"},
					map[string]any{"_ARRAY_DIMENSIONS": []string{"time", "lat", "lon"}, "units": "K"})
			},
			want: types.ErrCodeUnsupportedEncoding,
		},
		{
			name: "unknown calendar",
			mutate: func(f *zarrFixture) {
				f.store.objects[f.prefix+"/time/.zattrs"] = []byte(`{"_ARRAY_DIMENSIONS":["time"],"units":"days since 1850-01-01","calendar":"martian"}`)
			},
			want: types.ErrCodeUnsupportedCalendar,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemStore()
			fx := &zarrFixture{store: m, prefix: "CMIP6/MODEL-A/piControl/tas"}
			buildTasGroup(fx)
			tt.mutate(fx)

			_, err := NewZarrOpener(newTestResolver(m), nil, testLogger()).Open(context.Background(), tasRecord())
			assert.Equal(t, tt.want, types.CodeOf(err))
		})
	}
}

func TestZarrOpener_CorruptChunkFailsLoad(t *testing.T) {
	m := newMemStore()
	fx := &zarrFixture{store: m, prefix: "CMIP6/MODEL-A/piControl/tas"}
	buildTasGroup(fx)
	fx.chunk("tas", "0.0.0", []byte("not zstd"))

	lazy, err := NewZarrOpener(newTestResolver(m), nil, testLogger()).Open(context.Background(), tasRecord())
	require.NoError(t, err)
	_, err = lazy.Load(context.Background())
	assert.Equal(t, types.ErrCodeInternalCorruptStore, types.CodeOf(err))
}

// writeNetCDF writes a classic NetCDF file holding a noleap monthly time
// axis named t, a 2x3 grid and a tas field whose value encodes its indices.
func writeNetCDF(t *testing.T, path string, dataUnits string) {
	t.Helper()
	cw, err := cdf.OpenWriter(path)
	require.NoError(t, err)

	attrs := func(kv ...string) *util.OrderedMap {
		keys := make([]string, 0, len(kv)/2)
		vals := make(map[string]interface{}, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			keys = append(keys, kv[i])
			vals[kv[i]] = kv[i+1]
		}
		om, err := util.NewOrderedMap(keys, vals)
		require.NoError(t, err)
		return om
	}

	tas := make([][][]float32, 4)
	for tt := range tas {
		tas[tt] = make([][]float32, 2)
		for j := range tas[tt] {
			tas[tt][j] = make([]float32, 3)
			for i := range tas[tt][j] {
				tas[tt][j][i] = float32(cellValue(tt, j, i))
			}
		}
	}
	var tasAttrs []string
	if dataUnits != "" {
		tasAttrs = []string{"units", dataUnits}
	}

	require.NoError(t, cw.AddVar("t", api.Variable{
		Values:     []float64{0, 31, 59, 90},
		Dimensions: []string{"t"},
		Attributes: attrs("units", "days since 1850-01-01", "calendar", "noleap"),
	}))
	require.NoError(t, cw.AddVar("lat", api.Variable{
		Values:     []float64{-45, 45},
		Dimensions: []string{"lat"},
		Attributes: attrs("units", "degrees_north"),
	}))
	require.NoError(t, cw.AddVar("lon", api.Variable{
		Values:     []float64{0, 120, 240},
		Dimensions: []string{"lon"},
		Attributes: attrs("units", "degrees_east"),
	}))
	require.NoError(t, cw.AddVar("tas", api.Variable{
		Values:     tas,
		Dimensions: []string{"t", "lat", "lon"},
		Attributes: attrs(tasAttrs...),
	}))
	require.NoError(t, cw.Close())
}

func TestOpener_OpensNetCDFFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tas_Amon_MODEL-A_piControl.nc")
	writeNetCDF(t, path, "K")

	o := NewOpener(NewResolver(), testLogger())
	defer o.Close()
	rec := tasRecord()
	rec.Location = path

	lazy, err := o.Open(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{dataset.DimTime, "lat", "lon"}, lazy.Dims)
	assert.Equal(t, []int{4, 2, 3}, lazy.Shape)
	assert.Equal(t, "K", lazy.Units)
	assert.Equal(t, []float64{-45, 45}, lazy.Coords["lat"])
	assert.Equal(t, []float64{0, 120, 240}, lazy.Coords["lon"])
	assert.Equal(t, cftime.NoLeap, lazy.Calendar)
	require.Len(t, lazy.Time, 4)
	assert.Equal(t, 1850, lazy.Time[0].Year)
	assert.Equal(t, 2, lazy.Time[1].Month)
	assert.Equal(t, 4, lazy.Time[3].Month)

	raw, err := lazy.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, raw.Values, 24)
	for tt := 0; tt < 4; tt++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 3; i++ {
				assert.InDelta(t, cellValue(tt, j, i), raw.Values[tt*6+j*3+i], 1e-4, "cell (%d,%d,%d)", tt, j, i)
			}
		}
	}
}

func TestOpener_NetCDFErrors(t *testing.T) {
	dir := t.TempDir()
	noUnits := filepath.Join(dir, "no_units.nc")
	writeNetCDF(t, noUnits, "")

	tests := []struct {
		name     string
		location string
		variable string
		want     types.ErrorCode
	}{
		{"missing file", filepath.Join(dir, "absent.nc"), "tas", types.ErrCodeNotFoundObject},
		{"missing units", noUnits, "tas", types.ErrCodeMissingUnits},
		{"missing variable", noUnits, "pr", types.ErrCodeMissingVariable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOpener(NewResolver(), testLogger())
			defer o.Close()
			rec := tasRecord()
			rec.Location = tt.location
			rec.VariableID = tt.variable

			_, err := o.Open(context.Background(), rec)
			assert.Equal(t, tt.want, types.CodeOf(err))
		})
	}
}

func TestFlatten(t *testing.T) {
	got, err := flatten([][]int16{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, got)

	got, err = flatten([][][]float32{{{0.5}}, {{1.5}}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5}, got)

	_, err = flatten([]string{"a"})
	assert.Equal(t, types.ErrCodeUnsupportedEncoding, types.CodeOf(err))
}
