package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/assinado/assinado-backend/internal/apperr"
)

type Repository interface {
	CreateTenant(ctx context.Context, tenant *Tenant) error
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) CreateTenant(ctx context.Context, tenant *Tenant) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (:id, :name, :created_at)`, tenant)
	return err
}

func (r *postgresRepository) CreateUser(ctx context.Context, user *User) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO users (id, tenant_id, name, email, password_hash, role, created_at)
		VALUES (:id, :tenant_id, :name, :email, :password_hash, :role, :created_at)`, user)
	return err
}

func (r *postgresRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &user, err
}

func (r *postgresRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &user, err
}

// DeleteUser refuses to delete a user who still owns live documents; the
// audit trail references them by id.
func (r *postgresRepository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	var live int
	err := r.db.GetContext(ctx, &live,
		`SELECT COUNT(*) FROM documents WHERE owner_id = $1 AND status NOT IN ('CANCELLED', 'EXPIRED')`, id)
	if err != nil {
		return err
	}
	if live > 0 {
		return fmt.Errorf("%w: user owns %d live documents", apperr.ErrValidation, live)
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}
