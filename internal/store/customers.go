package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
)

// Customers is the minimal customer directory the engine needs: lookup by id
// and recording the identifier discovered by findUid.
type Customers struct {
	db    *sql.DB
	clock clock.Clock
}

func NewCustomers(db *sql.DB, clk clock.Clock) *Customers { return &Customers{db: db, clock: clk} }

func (r *Customers) Create(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	if c.ID == "" {
		c.ID = "cus_" + uuid.NewString()
	}
	now := Millis(r.clock.Now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO customers (id,name,phone,uid,account_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Phone, sql.NullString{String: c.UID, Valid: c.UID != ""}, c.AccountID, now, now)
	if err != nil {
		return domain.Customer{}, err
	}
	c.CreatedAt, c.UpdatedAt = Time(now), Time(now)
	return c, nil
}

func (r *Customers) FindCustomer(ctx context.Context, id string) (domain.Customer, error) {
	var c domain.Customer
	var created, updated int64
	err := r.db.QueryRowContext(ctx, `
SELECT id,name,phone,COALESCE(uid,''),account_id,created_at,updated_at FROM customers WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Phone, &c.UID, &c.AccountID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, fmt.Errorf("customer %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Customer{}, err
	}
	c.CreatedAt, c.UpdatedAt = Time(created), Time(updated)
	return c, nil
}

func (r *Customers) RecordIdentity(ctx context.Context, customerID, uid string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE customers SET uid=?, updated_at=? WHERE id=?`,
		uid, Millis(r.clock.Now()), customerID)
	if err != nil {
		return err
	}
	return expectOne(res, "customer "+customerID)
}
