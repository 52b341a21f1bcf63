// Package catalog implements the model-run registry: a facet-searchable
// table of dataset records, each pointing at one array store.
package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"cmipdiag/internal/store"
	"cmipdiag/internal/types"
)

// Query maps facet names to accepted values. A record matches when, for
// every facet in the query, its value is one of the accepted values.
type Query map[string][]string

// Validate rejects unknown facets and empty value lists.
func (q Query) Validate() error {
	for facet, values := range q {
		if _, ok := types.KnownFacets[facet]; !ok {
			return types.NewAppError(types.ErrCodeValidationInvalidFacet,
				fmt.Sprintf("unknown facet %q", facet), nil)
		}
		if len(values) == 0 {
			return types.NewAppError(types.ErrCodeValidationInvalidFacet,
				fmt.Sprintf("facet %q has no accepted values", facet), nil)
		}
	}
	return nil
}

// Matches reports whether rec satisfies the query.
func (q Query) Matches(rec types.DatasetRecord) bool {
	for facet, values := range q {
		v := rec.Facet(facet)
		found := false
		for _, want := range values {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry searches dataset records.
type Registry interface {
	Search(ctx context.Context, q Query) ([]types.DatasetRecord, error)
}

// locationColumn is the column holding the store handle in pangeo catalogs.
const locationColumn = "zstore"

// requiredColumns must be present in every catalog CSV.
var requiredColumns = []string{
	types.FacetSourceID,
	types.FacetExperimentID,
	types.FacetMemberID,
	types.FacetTableID,
	types.FacetVariableID,
	types.FacetGridLabel,
	locationColumn,
}

// Catalog is an in-memory registry. It is immutable after loading.
type Catalog struct {
	records []types.DatasetRecord
}

// New builds a Catalog from records. When two records share a facet tuple
// the later one replaces the earlier one, keeping its position.
func New(records []types.DatasetRecord) *Catalog {
	index := make(map[types.FacetKey]int, len(records))
	out := make([]types.DatasetRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := index[rec.Key()]; ok {
			out[i] = rec
			continue
		}
		index[rec.Key()] = len(out)
		out = append(out, rec)
	}
	return &Catalog{records: out}
}

// Len returns the number of distinct records.
func (c *Catalog) Len() int { return len(c.records) }

// Search implements Registry. Results keep catalog order.
func (c *Catalog) Search(ctx context.Context, q Query) ([]types.DatasetRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var out []types.DatasetRecord
	for i, rec := range c.records {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Parse reads a pangeo-style catalog CSV. Columns are located by header
// name; extra columns are ignored.
func Parse(r io.Reader) ([]types.DatasetRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "catalog is empty", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRequest,
			fmt.Sprintf("failed to read catalog header: %v", err), err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField,
				fmt.Sprintf("catalog has no %q column", name), nil)
		}
	}
	get := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []types.DatasetRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidRequest,
				fmt.Sprintf("catalog line %d: %v", line, err), err)
		}
		rec := types.DatasetRecord{
			ActivityID:    get(row, types.FacetActivityID),
			InstitutionID: get(row, types.FacetInstitutionID),
			SourceID:      get(row, types.FacetSourceID),
			ExperimentID:  get(row, types.FacetExperimentID),
			MemberID:      get(row, types.FacetMemberID),
			TableID:       get(row, types.FacetTableID),
			VariableID:    get(row, types.FacetVariableID),
			GridLabel:     get(row, types.FacetGridLabel),
			Version:       get(row, types.FacetVersion),
			Location:      get(row, locationColumn),
		}
		if rec.SourceID == "" || rec.Location == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField,
				fmt.Sprintf("catalog line %d: source_id and zstore are required", line), nil)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Load reads a catalog CSV from any store location.
func Load(ctx context.Context, resolver *store.Resolver, location string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, loc, err := resolver.Open(location)
	if err != nil {
		return nil, err
	}
	body, err := s.Get(ctx, loc.Key())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	records, err := Parse(body)
	if err != nil {
		return nil, err
	}
	c := New(records)
	logger.InfoContext(ctx, "catalog loaded",
		"location", loc.String(),
		"rows", len(records),
		"records", c.Len(),
		"duplicates", len(records)-c.Len(),
	)
	return c, nil
}

// Dropped explains why a key group was removed by RequireAll.
type Dropped struct {
	Key     string   `json:"key"`
	Missing []string `json:"missing"`
}

// RequireAll groups records by keyFacet and keeps only the groups that hold
// every one of values for facet. Groups are returned in first-appearance
// order; dropped groups are reported with the values they lacked.
func RequireAll(records []types.DatasetRecord, keyFacet, facet string, values []string) ([]types.DatasetRecord, []Dropped) {
	var order []string
	groups := make(map[string][]types.DatasetRecord)
	for _, rec := range records {
		k := rec.Facet(keyFacet)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec)
	}

	var kept []types.DatasetRecord
	var dropped []Dropped
	for _, k := range order {
		have := make(map[string]bool)
		for _, rec := range groups[k] {
			have[rec.Facet(facet)] = true
		}
		var missing []string
		for _, v := range values {
			if !have[v] {
				missing = append(missing, v)
			}
		}
		if len(missing) > 0 {
			dropped = append(dropped, Dropped{Key: k, Missing: missing})
			continue
		}
		kept = append(kept, groups[k]...)
	}
	return kept, dropped
}

// Models returns the distinct source ids of records in first-appearance
// order.
func Models(records []types.DatasetRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range records {
		if !seen[rec.SourceID] {
			seen[rec.SourceID] = true
			out = append(out, rec.SourceID)
		}
	}
	return out
}

// Facets returns the distinct values of one facet, sorted.
func Facets(records []types.DatasetRecord, facet string) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		seen[rec.Facet(facet)] = true
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
