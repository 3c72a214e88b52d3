package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"conversation-service/internal/models"
)

var ErrPartnerNotFound = errors.New("partner not found")

// PartnerDirectory is the read side of the partner profiles this service consults.
type PartnerDirectory interface {
	ListPartners(ctx context.Context) ([]models.Partner, error)
	GetPartner(ctx context.Context, partnerID string) (models.Partner, error)
}

// PartnerRepo reads partners from Postgres.
type PartnerRepo struct {
	db *sqlx.DB
}

func NewPartnerRepo(db *sqlx.DB) *PartnerRepo {
	return &PartnerRepo{db: db}
}

func (r *PartnerRepo) ListPartners(ctx context.Context) ([]models.Partner, error) {
	partners := []models.Partner{}
	err := r.db.SelectContext(ctx, &partners, `SELECT id, name, avatar_url, expertise, created_at FROM partners ORDER BY name ASC`)
	return partners, err
}

func (r *PartnerRepo) GetPartner(ctx context.Context, partnerID string) (models.Partner, error) {
	var partner models.Partner
	err := r.db.GetContext(ctx, &partner, `SELECT id, name, avatar_url, expertise, created_at FROM partners WHERE id=$1`, partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Partner{}, ErrPartnerNotFound
	}
	return partner, err
}

// UpsertPartner is used to seed the directory from configuration.
func (r *PartnerRepo) UpsertPartner(ctx context.Context, partner models.Partner) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO partners (id, name, avatar_url, expertise) VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, avatar_url=EXCLUDED.avatar_url, expertise=EXCLUDED.expertise`,
		partner.ID, partner.Name, partner.AvatarURL, partner.Expertise)
	return err
}
