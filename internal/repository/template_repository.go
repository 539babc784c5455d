package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
)

type TemplateRepositoryInterface interface {
	Get(ctx context.Context, id string) (*model.Template, error)
	List(ctx context.Context, businessID string, status model.TemplateStatus) ([]model.Template, error)
}

// TemplateRepository reads message templates synced from the provider.
type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) Get(ctx context.Context, id string) (*model.Template, error) {
	var t model.Template
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, business_id, name, language, status, body
		FROM message_templates WHERE id=$1
	`, id).Scan(&t.ID, &t.BusinessID, &t.Name, &t.Language, &t.Status, &t.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrTemplateNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) List(ctx context.Context, businessID string, status model.TemplateStatus) ([]model.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, business_id, name, language, status, body
		FROM message_templates
		WHERE business_id=$1 AND ($2 = '' OR status=$2)
		ORDER BY name
	`, businessID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := []model.Template{}
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.BusinessID, &t.Name, &t.Language, &t.Status, &t.Body); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
