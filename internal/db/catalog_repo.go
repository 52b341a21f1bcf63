package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cmipdiag/internal/catalog"
	"cmipdiag/internal/types"
)

// CatalogRepository serves the model-run registry from the dataset_records
// table. Facet names double as column names.
type CatalogRepository struct {
	db DBTX
}

// NewCatalogRepository creates a CatalogRepository.
func NewCatalogRepository(db DBTX) *CatalogRepository {
	return &CatalogRepository{db: db}
}

var _ catalog.Registry = (*CatalogRepository)(nil)

const selectRecords = `SELECT activity_id, institution_id, source_id, experiment_id,
	member_id, table_id, variable_id, grid_label, version, location
	FROM dataset_records`

// searchSQL renders the query as a WHERE clause with one ANY($n) per facet.
// Facets are emitted in sorted order so the statement text is stable.
func searchSQL(q catalog.Query) (string, []any) {
	facets := make([]string, 0, len(q))
	for f := range q {
		facets = append(facets, f)
	}
	sort.Strings(facets)

	var sb strings.Builder
	sb.WriteString(selectRecords)
	args := make([]any, 0, len(facets))
	for i, f := range facets {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		args = append(args, q[f])
		fmt.Fprintf(&sb, "%s = ANY($%d)", f, len(args))
	}
	sb.WriteString(" ORDER BY position")
	return sb.String(), args
}

// Search implements catalog.Registry. Rows come back in insertion order.
// Duplicate facet tuples are collapsed the same way an in-memory catalog
// collapses them.
func (r *CatalogRepository) Search(ctx context.Context, q catalog.Query) ([]types.DatasetRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sql, args := searchSQL(q)
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to search dataset records", err)
	}
	defer rows.Close()

	var out []types.DatasetRecord
	for rows.Next() {
		var rec types.DatasetRecord
		if err := rows.Scan(
			&rec.ActivityID, &rec.InstitutionID, &rec.SourceID, &rec.ExperimentID,
			&rec.MemberID, &rec.TableID, &rec.VariableID, &rec.GridLabel, &rec.Version, &rec.Location,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dataset record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating dataset records", err)
	}
	return dedupe(out), nil
}

// Import upserts records into dataset_records, keyed by facet tuple.
func (r *CatalogRepository) Import(ctx context.Context, records []types.DatasetRecord) (int, error) {
	n := 0
	for _, rec := range records {
		_, err := r.db.Exec(ctx,
			`INSERT INTO dataset_records (activity_id, institution_id, source_id, experiment_id,
				member_id, table_id, variable_id, grid_label, version, location)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (source_id, experiment_id, member_id, table_id, variable_id, grid_label)
			 DO UPDATE SET version = EXCLUDED.version, location = EXCLUDED.location`,
			rec.ActivityID, rec.InstitutionID, rec.SourceID, rec.ExperimentID,
			rec.MemberID, rec.TableID, rec.VariableID, rec.GridLabel, rec.Version, rec.Location,
		)
		if err != nil {
			return n, types.NewAppError(types.ErrCodeInternalDB,
				fmt.Sprintf("failed to import dataset record %s", rec), err)
		}
		n++
	}
	return n, nil
}

func dedupe(records []types.DatasetRecord) []types.DatasetRecord {
	if len(records) < 2 {
		return records
	}
	index := make(map[types.FacetKey]int, len(records))
	out := records[:0]
	for _, rec := range records {
		if i, ok := index[rec.Key()]; ok {
			out[i] = rec
			continue
		}
		index[rec.Key()] = len(out)
		out = append(out, rec)
	}
	return out
}
