package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
)

// ContactRepositoryInterface is the read-only view of the CRM contact book.
type ContactRepositoryInterface interface {
	Resolve(ctx context.Context, businessID, phone string) (*model.Contact, error)
	List(ctx context.Context, businessID string) ([]model.Contact, error)
}

// ContactRepository reads contacts owned by the CRM schema.
type ContactRepository struct {
	DB *sql.DB
}

// Resolve fetches a contact by its normalized phone
func (r *ContactRepository) Resolve(ctx context.Context, businessID, phone string) (*model.Contact, error) {
	query := `
		SELECT business_id, phone, display_name, last_inbound_at
		FROM contacts
		WHERE business_id=$1 AND phone=$2
	`
	var c model.Contact
	err := r.DB.QueryRowContext(ctx, query, businessID, phone).Scan(&c.BusinessID, &c.Phone, &c.DisplayName, &c.LastInboundAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrContactNotFound
		}
		return nil, err
	}
	return &c, nil
}

// List fetches all contacts of a business (used by the recipient picker)
func (r *ContactRepository) List(ctx context.Context, businessID string) ([]model.Contact, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT business_id, phone, display_name, last_inbound_at
		FROM contacts
		WHERE business_id=$1
		ORDER BY display_name, phone
	`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.BusinessID, &c.Phone, &c.DisplayName, &c.LastInboundAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
