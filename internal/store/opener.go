package store

import (
	"context"
	"log/slog"

	"cloud.google.com/go/storage"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// Opener routes records to the Zarr or NetCDF reader by location.
type Opener struct {
	zarr   *ZarrOpener
	netcdf *NetCDFOpener
}

// NewOpener creates an Opener over resolver.
func NewOpener(resolver *Resolver, logger *slog.Logger) *Opener {
	return &Opener{
		zarr:   NewZarrOpener(resolver, NewCodec(), logger),
		netcdf: NewNetCDFOpener(resolver, logger),
	}
}

// Open opens one record lazily. Only metadata and coordinates are read.
func (o *Opener) Open(ctx context.Context, rec types.DatasetRecord) (*dataset.LazySeries, error) {
	loc, err := ParseLocation(rec.Location)
	if err != nil {
		return nil, err
	}
	if loc.IsNetCDF() {
		return o.netcdf.Open(ctx, rec)
	}
	return o.zarr.Open(ctx, rec)
}

// Close releases scratch files held for NetCDF reads.
func (o *Opener) Close() error {
	return o.netcdf.Close()
}

// remote wraps a bucket store with a circuit breaker and, when configured,
// the chunk cache. The cache sits outside the breaker so hits never count
// against the bucket.
func remote(scheme, bucket string, inner ObjectStore, cache *ChunkCache) ObjectStore {
	var s ObjectStore = NewBreakerStore(inner, BreakerSettings(scheme+"://"+bucket))
	if cache != nil {
		s = cache.Wrap(scheme+"://"+bucket, s)
	}
	return s
}

// S3Factory serves s3:// locations from client.
func S3Factory(client S3API, cache *ChunkCache) Factory {
	return func(bucket string) (ObjectStore, error) {
		return remote(SchemeS3, bucket, NewS3Store(client, bucket), cache), nil
	}
}

// GCSFactory serves gs:// locations from client.
func GCSFactory(client *storage.Client, cache *ChunkCache) Factory {
	return func(bucket string) (ObjectStore, error) {
		return remote(SchemeGCS, bucket, NewGCSStore(client, bucket), cache), nil
	}
}
