package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"katasu/internal/models"
)

var (
	ErrImageNotFound  = errors.New("image not found")
	ErrStatusConflict = errors.New("image status changed concurrently")
)

const imageColumns = `id, user_id, width, height, title, tags, status, created_at, updated_at, hidden_at`

type ImageRepository struct {
	pool *pgxpool.Pool
}

func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// Create inserts the row and charges the owner's quota in one transaction.
func (r *ImageRepository) Create(ctx context.Context, image models.Image) error {
	const insertImage = `
		INSERT INTO images (id, user_id, width, height, title, tags, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`
	const chargeQuota = `
		UPDATE users SET uploaded_photos = uploaded_photos + 1, updated_at = NOW() WHERE id = $1
	`

	tags := image.Tags
	if tags == nil {
		tags = []string{}
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertImage,
			image.ID,
			image.UserID,
			image.Width,
			image.Height,
			image.Title,
			tags,
			image.Status,
		); err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		cmd, err := tx.Exec(ctx, chargeQuota, image.UserID)
		if err != nil {
			return fmt.Errorf("charge quota: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// Delete removes the row and refunds the owner's quota in one transaction.
func (r *ImageRepository) Delete(ctx context.Context, id, userID string) error {
	const deleteImage = `DELETE FROM images WHERE id = $1 AND user_id = $2`
	const refundQuota = `
		UPDATE users SET uploaded_photos = GREATEST(uploaded_photos - 1, 0), updated_at = NOW() WHERE id = $1
	`

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, deleteImage, id, userID)
		if err != nil {
			return fmt.Errorf("delete image: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return ErrImageNotFound
		}
		if _, err := tx.Exec(ctx, refundQuota, userID); err != nil {
			return fmt.Errorf("refund quota: %w", err)
		}
		return nil
	})
}

func (r *ImageRepository) UpdateStatus(ctx context.Context, id string, status models.ImageStatus) error {
	const query = `UPDATE images SET status = $2, updated_at = NOW() WHERE id = $1`
	cmd, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

// ResetStatus moves an image from one status to another only if nobody
// changed it in between.
func (r *ImageRepository) ResetStatus(ctx context.Context, id string, from, to models.ImageStatus) error {
	const query = `UPDATE images SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`
	cmd, err := r.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (r *ImageRepository) UpdateMetadata(ctx context.Context, id, userID string, title *string, tags []string) (models.Image, error) {
	query := `
		UPDATE images
		SET title = $3, tags = $4, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + imageColumns

	if tags == nil {
		tags = []string{}
	}
	image, err := scanImage(r.pool.QueryRow(ctx, query, id, userID, title, tags))
	if err != nil {
		return models.Image{}, err
	}
	return image, nil
}

func (r *ImageRepository) GetByID(ctx context.Context, id string) (models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = $1`
	return scanImage(r.pool.QueryRow(ctx, query, id))
}

func (r *ImageRepository) ListPublishedByUser(ctx context.Context, userID string, limit, offset int) ([]models.Image, error) {
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE user_id = $1 AND status = 'published' AND hidden_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.query(ctx, query, userID, limit, offset)
}

func (r *ImageRepository) ListTagsByUser(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT DISTINCT tag
		FROM images, unnest(tags) AS tag
		WHERE user_id = $1 AND status = 'published' AND hidden_at IS NULL
		ORDER BY tag
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// List pages through all images, optionally restricted to one status.
func (r *ImageRepository) List(ctx context.Context, status models.ImageStatus, limit, offset int) ([]models.Image, error) {
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.query(ctx, query, string(status), limit, offset)
}

func (r *ImageRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Image, error) {
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE status = 'pending-review' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	return r.query(ctx, query, olderThan, limit)
}

// Statuses returns the status of every id that still has a row.
func (r *ImageRepository) Statuses(ctx context.Context, ids []string) (map[string]models.ImageStatus, error) {
	const query = `SELECT id, status FROM images WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.ImageStatus, len(ids))
	for rows.Next() {
		var (
			id     string
			status models.ImageStatus
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

func (r *ImageRepository) GetPublicState(ctx context.Context, id string) (models.PublicState, error) {
	const query = `
		SELECT i.id, i.user_id, i.status, i.hidden_at IS NOT NULL, u.status
		FROM images i
		JOIN users u ON u.id = i.user_id
		WHERE i.id = $1
	`
	var state models.PublicState
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&state.ImageID,
		&state.UserID,
		&state.Status,
		&state.Hidden,
		&state.OwnerStatus,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PublicState{}, ErrImageNotFound
		}
		return models.PublicState{}, err
	}
	return state, nil
}

func (r *ImageRepository) query(ctx context.Context, query string, args ...any) ([]models.Image, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

func scanImage(row pgx.Row) (models.Image, error) {
	var image models.Image
	if err := row.Scan(
		&image.ID,
		&image.UserID,
		&image.Width,
		&image.Height,
		&image.Title,
		&image.Tags,
		&image.Status,
		&image.CreatedAt,
		&image.UpdatedAt,
		&image.HiddenAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Image{}, ErrImageNotFound
		}
		return models.Image{}, err
	}
	return image, nil
}
