package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/narrativelab/threadscope/pkg/models"
)

// Registry reads never pull the raw vector back; similarity work happens in
// SQL through match_phenomena_v768.
const phenomenonColumns = `id, canonical_name, description, status,
	occurrence_count, minted_by_case_id, created_at`

func scanPhenomenon(r rowScanner) (*models.Phenomenon, error) {
	var (
		ph     models.Phenomenon
		status string
	)
	err := r.Scan(&ph.ID, &ph.CanonicalName, &ph.Description, &status,
		&ph.OccurrenceCnt, &ph.MintedByCaseID, &ph.CreatedAt)
	if err != nil {
		return nil, err
	}
	var known bool
	if ph.Status, known = models.ParsePhenomenonStatus(status); !known {
		slog.Warn("Unknown phenomenon status in store, coerced", "phenomenon_id", ph.ID, "value", status)
	}
	return &ph, nil
}

// UpsertPhenomenon writes a registry row. Existing name, description, and
// status are preserved unless the incoming row carries replacements; the
// embedding is only set when the row has none, keeping stored identities
// stable.
func (c *Client) UpsertPhenomenon(ctx context.Context, ph *models.Phenomenon) error {
	var vec any
	if ph.Embedding != nil {
		vec = *ph.Embedding
	}
	return c.exec(ctx, "upsert_phenomenon", `
		INSERT INTO narrative_phenomena (id, canonical_name, description, status, embedding_v768, minted_by_case_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET canonical_name = COALESCE(narrative_phenomena.canonical_name, EXCLUDED.canonical_name),
		    description = COALESCE(narrative_phenomena.description, EXCLUDED.description),
		    embedding_v768 = COALESCE(narrative_phenomena.embedding_v768, EXCLUDED.embedding_v768),
		    minted_by_case_id = COALESCE(narrative_phenomena.minted_by_case_id, EXCLUDED.minted_by_case_id)`,
		ph.ID, ph.CanonicalName, ph.Description, string(ph.Status), vec, ph.MintedByCaseID)
}

// GetPhenomenon fetches one registry row.
func (c *Client) GetPhenomenon(ctx context.Context, id string) (*models.Phenomenon, error) {
	var ph *models.Phenomenon
	err := c.queryRow(ctx, "get_phenomenon",
		`SELECT `+phenomenonColumns+` FROM narrative_phenomena WHERE id = $1`,
		func(row *sql.Row) error {
			var scanErr error
			ph, scanErr = scanPhenomenon(row)
			return scanErr
		}, id)
	return ph, err
}

// ListPhenomena returns registry rows filtered by status and name/description
// substring, newest first.
func (c *Client) ListPhenomena(ctx context.Context, status, q string, limit int) ([]*models.Phenomenon, error) {
	query := `SELECT ` + phenomenonColumns + ` FROM narrative_phenomena WHERE 1=1`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if q != "" {
		args = append(args, "%"+q+"%")
		query += fmt.Sprintf(" AND (canonical_name ILIKE $%d OR description ILIKE $%d)", len(args), len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var phenomena []*models.Phenomenon
	err := c.query(ctx, "list_phenomena", query,
		func(rows *sql.Rows) error {
			for rows.Next() {
				ph, scanErr := scanPhenomenon(rows)
				if scanErr != nil {
					return scanErr
				}
				phenomena = append(phenomena, ph)
			}
			return nil
		}, args...)
	return phenomena, err
}

// PromotePhenomenon moves provisional → active. Any other current status is a
// state conflict; the registry lifecycle never moves backward.
func (c *Client) PromotePhenomenon(ctx context.Context, id string) (*models.Phenomenon, error) {
	ph, err := c.GetPhenomenon(ctx, id)
	if err != nil {
		return nil, err
	}
	if ph.Status != models.PhenomenonProvisional {
		return nil, fmt.Errorf("%w: phenomenon %s is %s, only provisional can be promoted", ErrConflict, id, ph.Status)
	}
	err = c.exec(ctx, "promote_phenomenon",
		`UPDATE narrative_phenomena SET status = 'active' WHERE id = $1 AND status = 'provisional'`, id)
	if err != nil {
		return nil, err
	}
	ph.Status = models.PhenomenonActive
	return ph, nil
}

// SetPhenomenonStatus writes a forward status transition directly; used by
// the match-or-mint upsert which validates transitions itself.
func (c *Client) SetPhenomenonStatus(ctx context.Context, id string, status models.PhenomenonStatus) error {
	return c.exec(ctx, "set_phenomenon_status",
		`UPDATE narrative_phenomena SET status = $2 WHERE id = $1`, id, string(status))
}

// CountPhenomena returns registry row count, used by the sync report.
func (c *Client) CountPhenomena(ctx context.Context) (int, error) {
	var count int
	err := c.queryRow(ctx, "count_phenomena",
		`SELECT count(*) FROM narrative_phenomena`,
		func(row *sql.Row) error {
			return row.Scan(&count)
		})
	return count, err
}
