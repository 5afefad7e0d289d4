package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/db"
	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

type unitRepoPG struct {
	pool *pgxpool.Pool
}

func NewUnitRepo(pool *pgxpool.Pool) UnitRepository {
	return &unitRepoPG{pool: pool}
}

func (r *unitRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *unitRepoPG) Create(ctx context.Context, u *Unit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO scope_node (id, name, quantity, access_level, unit_type, parent_id, ancestor_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		u.ID, u.Name, u.Quantity, u.AccessLevel, u.UnitType, u.ParentID, u.AncestorIDs,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, u.ID)
	}
	return err
}

func (r *unitRepoPG) Upsert(ctx context.Context, u *Unit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO scope_node (id, name, quantity, access_level, unit_type, parent_id, ancestor_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, quantity = EXCLUDED.quantity,
			access_level = EXCLUDED.access_level, unit_type = EXCLUDED.unit_type,
			updated_at = NOW()
		WHERE scope_node.parent_id IS NOT DISTINCT FROM EXCLUDED.parent_id
		RETURNING created_at, updated_at`,
		u.ID, u.Name, u.Quantity, u.AccessLevel, u.UnitType, u.ParentID, u.AncestorIDs,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", scopetree.ErrLineageConflict, u.ID)
	}
	return err
}

func (r *unitRepoPG) GetByID(ctx context.Context, id string) (*Unit, error) {
	u, err := scanUnit(r.conn(ctx).QueryRow(ctx, `SELECT `+unitColumns+` FROM scope_node u WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (r *unitRepoPG) GetByIDs(ctx context.Context, ids []string) ([]*Unit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+unitColumns+` FROM scope_node u WHERE u.id = ANY($1) ORDER BY u.name, u.id`, ids)
}

func (r *unitRepoPG) ListChildren(ctx context.Context, parentID string) ([]*Unit, error) {
	if parentID == "" {
		return r.list(ctx, `SELECT `+unitColumns+` FROM scope_node u WHERE u.parent_id IS NULL ORDER BY u.name, u.id`)
	}
	return r.list(ctx, `SELECT `+unitColumns+` FROM scope_node u WHERE u.parent_id = $1 ORDER BY u.name, u.id`, parentID)
}

func (r *unitRepoPG) Search(ctx context.Context, params SearchParams) ([]*Unit, int, error) {
	query := `SELECT ` + unitColumns + ` FROM scope_node u WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM scope_node u WHERE 1=1`
	var args []interface{}
	idx := 1

	if q := strings.TrimSpace(params.Query); q != "" {
		clause := fmt.Sprintf(` AND (u.name ILIKE $%d OR u.id = $%d)`, idx, idx+1)
		query += clause
		countQuery += clause
		args = append(args, "%"+escapeLike(q)+"%", q)
		idx += 2
	}
	if params.AccessLevel != "" {
		clause := fmt.Sprintf(` AND u.access_level = $%d`, idx)
		query += clause
		countQuery += clause
		args = append(args, params.AccessLevel)
		idx++
	}
	if params.UnitType != "" {
		clause := fmt.Sprintf(` AND u.unit_type = $%d`, idx)
		query += clause
		countQuery += clause
		args = append(args, params.UnitType)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY u.name, u.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, params.Limit, params.Offset)

	units, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return units, total, nil
}

func (r *unitRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Unit, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// Direct children and the "ROOT/.../NAME" path are derived on read, so a
// unit never stores data that an insert elsewhere could make stale.
const unitColumns = `u.id, u.name, u.quantity, u.access_level, u.unit_type, u.parent_id, u.ancestor_ids,
	COALESCE((SELECT array_agg(c.id ORDER BY c.name, c.id) FROM scope_node c WHERE c.parent_id = u.id), '{}') AS descendant_ids,
	COALESCE((SELECT string_agg(a.name, '/' ORDER BY array_position(u.ancestor_ids, a.id) DESC)
		FROM scope_node a WHERE a.id = ANY(u.ancestor_ids)) || '/', '') || u.name AS full_path,
	u.created_at, u.updated_at`

func scanUnit(row pgx.Row) (*Unit, error) {
	var u Unit
	err := row.Scan(
		&u.ID, &u.Name, &u.Quantity, &u.AccessLevel, &u.UnitType, &u.ParentID, &u.AncestorIDs,
		&u.DescendantIDs, &u.FullPath, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// queryable abstracts pgxpool.Pool, pgxpool.Conn and pgx.Tx for tenant-scoped queries.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
