// Package infrastructure provides the PostgreSQL implementation of the
// case repository. Status changes and amendments run in a single
// transaction: the case row is updated with a version compare, the
// history entry is appended with the next per-case sequence, and a
// version mismatch rolls back both.
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/surgicase/platform/internal/casebook/domain"
	"github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/types"
)

// PostgresRepository implements domain.Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create saves a new case
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Case) error {
	setsJSON, err := json.Marshal(c.SurgerySets)
	if err != nil {
		return errors.Wrap(err, "failed to marshal surgery sets")
	}
	boxesJSON, err := json.Marshal(c.ImplantBoxes)
	if err != nil {
		return errors.Wrap(err, "failed to marshal implant boxes")
	}

	query := `
		INSERT INTO cases.cases (
			id, ref_number, status, country, hospital, department,
			patient_ref, surgeon_name, surgery_type, surgery_date,
			surgery_sets, implant_boxes, notes,
			version, created_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)`

	_, err = r.pool.Exec(ctx, query,
		c.ID, c.RefNumber, c.Status, c.Country, c.Hospital, c.Department,
		c.PatientRef, c.SurgeonName, c.SurgeryType, c.SurgeryDate,
		setsJSON, boxesJSON, c.Notes,
		c.Version, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("case with this reference number already exists")
		}
		return errors.Wrap(err, "failed to save case")
	}
	return nil
}

const caseColumns = `id, ref_number, status, country, hospital, department,
	patient_ref, surgeon_name, surgery_type, surgery_date,
	surgery_sets, implant_boxes, notes,
	version, created_by, created_at, updated_at, closed_at`

func scanCase(row pgx.Row) (*domain.Case, error) {
	c := &domain.Case{}
	var setsJSON, boxesJSON []byte

	err := row.Scan(
		&c.ID, &c.RefNumber, &c.Status, &c.Country, &c.Hospital, &c.Department,
		&c.PatientRef, &c.SurgeonName, &c.SurgeryType, &c.SurgeryDate,
		&setsJSON, &boxesJSON, &c.Notes,
		&c.Version, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(setsJSON) > 0 {
		if err := json.Unmarshal(setsJSON, &c.SurgerySets); err != nil {
			return nil, errors.Wrap(err, "failed to parse surgery sets")
		}
	}
	if len(boxesJSON) > 0 {
		if err := json.Unmarshal(boxesJSON, &c.ImplantBoxes); err != nil {
			return nil, errors.Wrap(err, "failed to parse implant boxes")
		}
	}
	return c, nil
}

// FindByID finds a case by ID
func (r *PostgresRepository) FindByID(ctx context.Context, id types.ID) (*domain.Case, error) {
	query := fmt.Sprintf(`SELECT %s FROM cases.cases WHERE id = $1`, caseColumns)

	c, err := scanCase(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("case", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find case")
	}
	return c, nil
}

// FindByRefNumber finds a case by its reference number
func (r *PostgresRepository) FindByRefNumber(ctx context.Context, refNumber string) (*domain.Case, error) {
	query := fmt.Sprintf(`SELECT %s FROM cases.cases WHERE ref_number = $1`, caseColumns)

	c, err := scanCase(r.pool.QueryRow(ctx, query, refNumber))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("case", refNumber)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find case by reference number")
	}
	return c, nil
}

// List lists cases matching the filter
func (r *PostgresRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Case, int, error) {
	var conditions []string
	var args []any
	argN := 1

	addArg := func(condition string, value any) {
		conditions = append(conditions, fmt.Sprintf(condition, argN))
		args = append(args, value)
		argN++
	}

	if filter.Status != nil {
		addArg("status = $%d", *filter.Status)
	}
	if filter.Hospital != "" {
		addArg("hospital = $%d", filter.Hospital)
	}
	if filter.Search != "" {
		addArg("(ref_number ILIKE $%d OR surgeon_name ILIKE $%[1]d OR surgery_type ILIKE $%[1]d)", "%"+filter.Search+"%")
	}
	if len(filter.Countries) > 0 {
		addArg("country = ANY($%d)", filter.Countries)
	}
	if filter.DepartmentScoped {
		if len(filter.Departments) > 0 {
			addArg("(department = '' OR department = ANY($%d))", filter.Departments)
		} else {
			conditions = append(conditions, "department = ''")
		}
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM cases.cases %s`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count cases")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM cases.cases %s ORDER BY surgery_date DESC LIMIT %d OFFSET %d`,
		caseColumns, where, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list cases")
	}
	defer rows.Close()

	var cases []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan case")
		}
		cases = append(cases, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read cases")
	}
	return cases, total, nil
}

// UpdateStatus persists a status change and its history entry in one
// transaction. The UPDATE compares the version the caller read; zero
// rows affected means another writer got there first.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, c *domain.Case, expectedVersion int64, entry *domain.StatusHistoryEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE cases.cases
		SET status = $1, updated_at = $2, closed_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		c.Status, c.UpdatedAt, c.ClosedAt, c.ID, expectedVersion)
	if err != nil {
		return errors.Wrap(err, "failed to update case status")
	}
	if tag.RowsAffected() == 0 {
		return errors.StaleState("case", c.ID.String())
	}

	if err := r.appendStatusEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit status change")
	}
	c.Version = expectedVersion + 1
	return nil
}

// Amend persists amended descriptive fields and the amendment entry in
// one transaction, with the same version compare as UpdateStatus.
func (r *PostgresRepository) Amend(ctx context.Context, c *domain.Case, expectedVersion int64, entry *domain.AmendmentHistoryEntry) error {
	setsJSON, err := json.Marshal(c.SurgerySets)
	if err != nil {
		return errors.Wrap(err, "failed to marshal surgery sets")
	}
	boxesJSON, err := json.Marshal(c.ImplantBoxes)
	if err != nil {
		return errors.Wrap(err, "failed to marshal implant boxes")
	}
	changesJSON, err := json.Marshal(entry.Changes)
	if err != nil {
		return errors.Wrap(err, "failed to marshal amendment changes")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE cases.cases
		SET surgeon_name = $1, surgery_type = $2, surgery_date = $3,
		    surgery_sets = $4, implant_boxes = $5, notes = $6,
		    updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		c.SurgeonName, c.SurgeryType, c.SurgeryDate,
		setsJSON, boxesJSON, c.Notes,
		c.UpdatedAt, c.ID, expectedVersion)
	if err != nil {
		return errors.Wrap(err, "failed to amend case")
	}
	if tag.RowsAffected() == 0 {
		return errors.StaleState("case", c.ID.String())
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM cases.amendments WHERE case_id = $1`,
		entry.CaseID).Scan(&seq)
	if err != nil {
		return errors.Wrap(err, "failed to assign amendment sequence")
	}
	entry.Seq = seq

	_, err = tx.Exec(ctx, `
		INSERT INTO cases.amendments (id, case_id, seq, changes, changed_by, actor_role, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.CaseID, entry.Seq, changesJSON, entry.ChangedBy, entry.ActorRole, entry.Reason, entry.ChangedAt)
	if err != nil {
		return errors.Wrap(err, "failed to append amendment entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit amendment")
	}
	c.Version = expectedVersion + 1
	return nil
}

func (r *PostgresRepository) appendStatusEntry(ctx context.Context, tx pgx.Tx, entry *domain.StatusHistoryEntry) error {
	// The row lock taken by the version-compared UPDATE serializes
	// concurrent appends, so MAX(seq)+1 cannot race within a case.
	var seq int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM cases.status_history WHERE case_id = $1`,
		entry.CaseID).Scan(&seq)
	if err != nil {
		return errors.Wrap(err, "failed to assign history sequence")
	}
	entry.Seq = seq

	_, err = tx.Exec(ctx, `
		INSERT INTO cases.status_history (id, case_id, seq, from_status, to_status, changed_by, actor_role, note, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.CaseID, entry.Seq, entry.FromStatus, entry.ToStatus,
		entry.ChangedBy, entry.ActorRole, entry.Note, entry.ChangedAt)
	if err != nil {
		return errors.Wrap(err, "failed to append history entry")
	}
	return nil
}

// ListStatusHistory returns a case's status ledger ordered by sequence
func (r *PostgresRepository) ListStatusHistory(ctx context.Context, caseID types.ID) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, seq, from_status, to_status, changed_by, actor_role, note, changed_at
		FROM cases.status_history
		WHERE case_id = $1
		ORDER BY seq`, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list status history")
	}
	defer rows.Close()

	var entries []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Seq, &e.FromStatus, &e.ToStatus,
			&e.ChangedBy, &e.ActorRole, &e.Note, &e.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan history entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListAmendments returns a case's amendment ledger ordered by sequence
func (r *PostgresRepository) ListAmendments(ctx context.Context, caseID types.ID) ([]domain.AmendmentHistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, seq, changes, changed_by, actor_role, reason, changed_at
		FROM cases.amendments
		WHERE case_id = $1
		ORDER BY seq`, caseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list amendments")
	}
	defer rows.Close()

	var entries []domain.AmendmentHistoryEntry
	for rows.Next() {
		var e domain.AmendmentHistoryEntry
		var changesJSON []byte
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Seq, &changesJSON,
			&e.ChangedBy, &e.ActorRole, &e.Reason, &e.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan amendment entry")
		}
		if err := json.Unmarshal(changesJSON, &e.Changes); err != nil {
			return nil, errors.Wrap(err, "failed to parse amendment changes")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NextRefNumber reserves the next sequence value for a country and
// year, so numbering restarts at 1 each year. The upsert takes a row
// lock, so concurrent reservations cannot collide.
func (r *PostgresRepository) NextRefNumber(ctx context.Context, country string, year int) (int64, error) {
	var value int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO cases.ref_sequences (country, year, next_value)
		VALUES ($1, $2, 2)
		ON CONFLICT (country, year)
		DO UPDATE SET next_value = cases.ref_sequences.next_value + 1
		RETURNING next_value - 1`, country, year).Scan(&value)
	if err != nil {
		return 0, errors.StoreUnavailable(fmt.Errorf("reserve reference number: %w", err))
	}
	return value, nil
}
