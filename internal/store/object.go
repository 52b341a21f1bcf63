// Package store opens the chunked array stores behind catalog records. It
// resolves opaque location handles to object stores (S3, GCS or the local
// filesystem), decodes Zarr v2 groups and NetCDF files, and returns lazily
// loaded series.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cmipdiag/internal/types"
)

// ObjectStore abstracts a flat key/value blob store for testability.
type ObjectStore interface {
	// Get returns the object body. Missing objects yield an AppError with
	// code not_found_object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put stores an object, replacing any previous content.
	Put(ctx context.Context, key string, body io.Reader) error
}

// Scheme names of supported locations.
const (
	SchemeS3   = "s3"
	SchemeGCS  = "gs"
	SchemeFile = "file"
)

// Location is a parsed store handle.
type Location struct {
	Scheme string
	Bucket string
	// Prefix is the key prefix inside the bucket, without leading or trailing
	// slashes. For file locations it is the absolute directory or file path.
	Prefix string
}

// String renders the location back as a URL.
func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return "file://" + l.Prefix
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Prefix)
}

// Key joins elements onto the location prefix.
func (l Location) Key(elem ...string) string {
	return path.Join(append([]string{l.Prefix}, elem...)...)
}

// IsNetCDF reports whether the location names a NetCDF file rather than a
// Zarr group.
func (l Location) IsNetCDF() bool {
	p := strings.ToLower(l.Prefix)
	return strings.HasSuffix(p, ".nc") || strings.HasSuffix(p, ".nc4")
}

// ParseLocation parses s3://bucket/prefix, gs://bucket/prefix,
// file:///abs/path or a bare filesystem path.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, invalidLocation(s, "empty location")
	}
	if !strings.Contains(s, "://") {
		abs, err := filepath.Abs(s)
		if err != nil {
			return Location{}, invalidLocation(s, err.Error())
		}
		return Location{Scheme: SchemeFile, Prefix: filepath.ToSlash(abs)}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return Location{}, invalidLocation(s, err.Error())
	}
	switch u.Scheme {
	case SchemeS3, SchemeGCS:
		if u.Host == "" {
			return Location{}, invalidLocation(s, "missing bucket")
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case SchemeFile:
		return Location{Scheme: SchemeFile, Prefix: path.Clean("/" + strings.TrimPrefix(u.Host+u.Path, "/"))}, nil
	default:
		return Location{}, invalidLocation(s, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
}

func invalidLocation(s, reason string) error {
	return types.NewAppError(types.ErrCodeValidationInvalidLocation,
		fmt.Sprintf("invalid location %q: %s", s, reason), nil)
}

// NotFound builds the error returned for absent objects.
func NotFound(key string, err error) error {
	return types.NewAppError(types.ErrCodeNotFoundObject, fmt.Sprintf("object %s not found", key), err)
}

// IsNotFound reports whether err marks an absent object.
func IsNotFound(err error) bool {
	return errors.Is(err, &types.AppError{Code: types.ErrCodeNotFoundObject})
}

// Factory builds an ObjectStore for one bucket of a scheme. File stores
// receive an empty bucket.
type Factory func(bucket string) (ObjectStore, error)

// Resolver maps locations onto object stores. Stores are built on first use
// and shared afterwards.
type Resolver struct {
	mu        sync.Mutex
	factories map[string]Factory
	stores    map[string]ObjectStore
}

// NewResolver creates a Resolver that serves file locations from the local
// filesystem. Other schemes must be registered.
func NewResolver() *Resolver {
	r := &Resolver{
		factories: make(map[string]Factory),
		stores:    make(map[string]ObjectStore),
	}
	r.Register(SchemeFile, func(string) (ObjectStore, error) { return NewFileStore("/"), nil })
	return r
}

// Register installs the factory for a scheme, replacing any previous one.
func (r *Resolver) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
	for k := range r.stores {
		if strings.HasPrefix(k, scheme+"://") {
			delete(r.stores, k)
		}
	}
}

// Resolve returns the object store that serves loc. For file locations keys
// are absolute paths, so callers use loc.Key as for buckets.
func (r *Resolver) Resolve(loc Location) (ObjectStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := loc.Scheme + "://" + loc.Bucket
	if s, ok := r.stores[id]; ok {
		return s, nil
	}
	f, ok := r.factories[loc.Scheme]
	if !ok {
		return nil, invalidLocation(loc.String(), "no store registered for scheme "+loc.Scheme)
	}
	s, err := f(loc.Bucket)
	if err != nil {
		return nil, err
	}
	r.stores[id] = s
	return s, nil
}

// Open parses a location string and returns its store and parsed form.
func (r *Resolver) Open(location string) (ObjectStore, Location, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, Location{}, err
	}
	s, err := r.Resolve(loc)
	if err != nil {
		return nil, Location{}, err
	}
	return s, loc, nil
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, s ObjectStore, key string) ([]byte, error) {
	body, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStore,
			fmt.Sprintf("failed to read object body %s: %v", key, err), err)
	}
	return data, nil
}
