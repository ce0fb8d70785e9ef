package fleet

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/fleetops/internal/shared"
)

// Repository defines persistence operations for the fleet module.
type Repository interface {
	ListVehicles(ctx context.Context, page, perPage int) ([]Vehicle, shared.Pagination, error)
	GetVehicle(ctx context.Context, id int64) (Vehicle, error)
	CreateVehicle(ctx context.Context, v Vehicle) (Vehicle, error)
	UpdateVehicle(ctx context.Context, v Vehicle) (Vehicle, error)
	DeleteVehicle(ctx context.Context, id int64) error

	ListInterventions(ctx context.Context, filter InterventionFilter) ([]Intervention, error)
	GetIntervention(ctx context.Context, id int64) (Intervention, error)
	CreateIntervention(ctx context.Context, iv Intervention) (Intervention, error)
	UpdateIntervention(ctx context.Context, iv Intervention) (Intervention, error)
}

// InterventionFilter narrows intervention listings.
type InterventionFilter struct {
	VehicleID  int64
	AssigneeID int64
	Status     string
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) ListVehicles(ctx context.Context, page, perPage int) ([]Vehicle, shared.Pagination, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vehicles`).Scan(&total); err != nil {
		return nil, shared.Pagination{}, err
	}
	p := shared.NewPagination(page, perPage, total)

	rows, err := r.pool.Query(ctx,
		`SELECT id, registration, make, model, year, status, mileage, created_at, updated_at
		 FROM vehicles
		 ORDER BY registration
		 LIMIT $1 OFFSET $2`, p.PerPage, (p.Page-1)*p.PerPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	defer rows.Close()

	var list []Vehicle
	for rows.Next() {
		var v Vehicle
		if err := rows.Scan(&v.ID, &v.Registration, &v.Make, &v.Model, &v.Year,
			&v.Status, &v.Mileage, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, shared.Pagination{}, err
		}
		list = append(list, v)
	}
	return list, p, rows.Err()
}

func (r *PGRepository) GetVehicle(ctx context.Context, id int64) (Vehicle, error) {
	var v Vehicle
	err := r.pool.QueryRow(ctx,
		`SELECT id, registration, make, model, year, status, mileage, created_at, updated_at
		 FROM vehicles WHERE id = $1`, id).
		Scan(&v.ID, &v.Registration, &v.Make, &v.Model, &v.Year,
			&v.Status, &v.Mileage, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vehicle{}, shared.ErrNotFound
		}
		return Vehicle{}, err
	}
	return v, nil
}

func (r *PGRepository) CreateVehicle(ctx context.Context, v Vehicle) (Vehicle, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO vehicles (registration, make, model, year, status, mileage, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		v.Registration, v.Make, v.Model, v.Year, v.Status, v.Mileage).
		Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Vehicle{}, ErrDuplicateRegistration
		}
		return Vehicle{}, err
	}
	return v, nil
}

func (r *PGRepository) UpdateVehicle(ctx context.Context, v Vehicle) (Vehicle, error) {
	err := r.pool.QueryRow(ctx,
		`UPDATE vehicles
		 SET registration = $2, make = $3, model = $4, year = $5, status = $6, mileage = $7, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		v.ID, v.Registration, v.Make, v.Model, v.Year, v.Status, v.Mileage).
		Scan(&v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vehicle{}, shared.ErrNotFound
		}
		if isUniqueViolation(err) {
			return Vehicle{}, ErrDuplicateRegistration
		}
		return Vehicle{}, err
	}
	return v, nil
}

func (r *PGRepository) DeleteVehicle(ctx context.Context, id int64) error {
	var open int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM interventions WHERE vehicle_id = $1 AND status <> 'closed'`, id).
		Scan(&open); err != nil {
		return err
	}
	if open > 0 {
		return ErrVehicleInUse
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM vehicles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

const interventionColumns = `id, vehicle_id, title, description, status, priority,
	assignee_id, reported_by_id, opened_at, closed_at, created_at, updated_at`

func (r *PGRepository) ListInterventions(ctx context.Context, filter InterventionFilter) ([]Intervention, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+interventionColumns+`
		 FROM interventions
		 WHERE ($1 = 0 OR vehicle_id = $1)
		   AND ($2 = 0 OR assignee_id = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY opened_at DESC`,
		filter.VehicleID, filter.AssigneeID, filter.Status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, iv)
	}
	return list, rows.Err()
}

func (r *PGRepository) GetIntervention(ctx context.Context, id int64) (Intervention, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+interventionColumns+` FROM interventions WHERE id = $1`, id)
	iv, err := scanIntervention(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Intervention{}, shared.ErrNotFound
		}
		return Intervention{}, err
	}
	return iv, nil
}

func (r *PGRepository) CreateIntervention(ctx context.Context, iv Intervention) (Intervention, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO interventions
		   (vehicle_id, title, description, status, priority, assignee_id, reported_by_id, opened_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), NOW())
		 RETURNING id, opened_at, created_at, updated_at`,
		iv.VehicleID, iv.Title, iv.Description, iv.Status, iv.Priority, iv.AssigneeID, iv.ReportedByID).
		Scan(&iv.ID, &iv.OpenedAt, &iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return Intervention{}, err
	}
	return iv, nil
}

func (r *PGRepository) UpdateIntervention(ctx context.Context, iv Intervention) (Intervention, error) {
	err := r.pool.QueryRow(ctx,
		`UPDATE interventions
		 SET title = $2, description = $3, status = $4, priority = $5,
		     assignee_id = $6, closed_at = $7, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		iv.ID, iv.Title, iv.Description, iv.Status, iv.Priority, iv.AssigneeID, iv.ClosedAt).
		Scan(&iv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Intervention{}, shared.ErrNotFound
		}
		return Intervention{}, err
	}
	return iv, nil
}

func scanIntervention(row pgx.Row) (Intervention, error) {
	var iv Intervention
	err := row.Scan(&iv.ID, &iv.VehicleID, &iv.Title, &iv.Description, &iv.Status, &iv.Priority,
		&iv.AssigneeID, &iv.ReportedByID, &iv.OpenedAt, &iv.ClosedAt, &iv.CreatedAt, &iv.UpdatedAt)
	return iv, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Repository = (*PGRepository)(nil)
