// Package sqlite provides a durable CredentialStore backed by GORM over
// SQLite. Attempts and leases are deliberately not persisted here; they are
// short-lived coordination state and belong in memory or Valkey.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaymind/connect/storage"
)

// Compile-time check that Store implements the CredentialStore interface.
var _ storage.CredentialStore = (*Store)(nil)

// integrationRow is the GORM model for a stored integration.
type integrationRow struct {
	ID                string `gorm:"primaryKey"`
	UserID            string `gorm:"uniqueIndex:idx_user_provider;index"`
	Provider          string `gorm:"uniqueIndex:idx_user_provider"`
	Scopes            string // space-joined
	Status            string `gorm:"index"`
	AccessSecret      string
	RefreshSecret     string
	ExpiresAt         *time.Time `gorm:"index"`
	ExternalAccountID string
	DisplayName       string
	RevokedReason     string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastSyncAt        time.Time
}

func (integrationRow) TableName() string {
	return "integrations"
}

func toRow(in *storage.Integration) *integrationRow {
	return &integrationRow{
		ID:                in.ID,
		UserID:            in.UserID,
		Provider:          in.Provider,
		Scopes:            strings.Join(in.Scopes, " "),
		Status:            in.Status,
		AccessSecret:      in.AccessSecret,
		RefreshSecret:     in.RefreshSecret,
		ExpiresAt:         in.ExpiresAt,
		ExternalAccountID: in.ExternalAccountID,
		DisplayName:       in.DisplayName,
		RevokedReason:     in.RevokedReason,
		Version:           in.Version,
		CreatedAt:         in.CreatedAt,
		UpdatedAt:         in.UpdatedAt,
		LastSyncAt:        in.LastSyncAt,
	}
}

func fromRow(row *integrationRow) *storage.Integration {
	var scopes []string
	if row.Scopes != "" {
		scopes = strings.Fields(row.Scopes)
	}
	return &storage.Integration{
		ID:                row.ID,
		UserID:            row.UserID,
		Provider:          row.Provider,
		Scopes:            scopes,
		Status:            row.Status,
		AccessSecret:      row.AccessSecret,
		RefreshSecret:     row.RefreshSecret,
		ExpiresAt:         row.ExpiresAt,
		ExternalAccountID: row.ExternalAccountID,
		DisplayName:       row.DisplayName,
		RevokedReason:     row.RevokedReason,
		Version:           row.Version,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		LastSyncAt:        row.LastSyncAt,
	}
}

// Store is a SQLite-backed CredentialStore.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) a SQLite database at the given path. Use
// ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&integrationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertActive stores in as the single active integration for its
// (UserID, Provider) pair, overwriting an existing row in place.
func (s *Store) UpsertActive(ctx context.Context, in *storage.Integration) (*storage.Integration, error) {
	var out *storage.Integration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		rec := in.Clone()
		rec.Status = storage.StatusActive
		rec.RevokedReason = ""
		rec.UpdatedAt = now
		rec.LastSyncAt = now

		var existing integrationRow
		err := tx.Where("user_id = ? AND provider = ?", in.UserID, in.Provider).
			First(&existing).Error
		switch {
		case err == nil:
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			rec.Version = existing.Version + 1
			if err := tx.Save(toRow(rec)).Error; err != nil {
				return fmt.Errorf("failed to update integration: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec.ID = uuid.NewString()
			rec.CreatedAt = now
			rec.Version = 1
			if err := tx.Create(toRow(rec)).Error; err != nil {
				return fmt.Errorf("failed to create integration: %w", err)
			}
		default:
			return fmt.Errorf("failed to query integration: %w", err)
		}

		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the integration by ID.
func (s *Store) Get(ctx context.Context, id string) (*storage.Integration, error) {
	var row integrationRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query integration: %w", err)
	}
	return fromRow(&row), nil
}

// ListForUser returns the user's integrations, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*storage.Integration, error) {
	var rows []integrationRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}

	out := make([]*storage.Integration, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// ListExpiring returns active integrations expiring before cutoff.
func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time) ([]*storage.Integration, error) {
	var rows []integrationRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", storage.StatusActive, cutoff).
		Order("expires_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring integrations: %w", err)
	}

	out := make([]*storage.Integration, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// CompareAndUpdate applies mutate if the stored version matches. The version
// guard is enforced at the SQL level, so concurrent writers race safely.
func (s *Store) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*storage.Integration)) (*storage.Integration, error) {
	var out *storage.Integration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row integrationRow
		err := tx.First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrIntegrationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query integration: %w", err)
		}
		if row.Version != expectedVersion {
			return storage.ErrVersionConflict
		}

		updated := fromRow(&row)
		mutate(updated)
		updated.ID = row.ID
		updated.Version = row.Version + 1
		updated.UpdatedAt = time.Now()

		res := tx.Model(&integrationRow{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Select("*").
			Updates(toRow(updated))
		if res.Error != nil {
			return fmt.Errorf("failed to update integration: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrVersionConflict
		}

		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRevoked revokes the integration and zeroes its secret blobs.
func (s *Store) MarkRevoked(ctx context.Context, id, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row integrationRow
		err := tx.First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrIntegrationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query integration: %w", err)
		}
		if row.Status == storage.StatusRevoked {
			return nil
		}

		res := tx.Model(&integrationRow{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":         storage.StatusRevoked,
				"revoked_reason": reason,
				"access_secret":  "",
				"refresh_secret": "",
				"expires_at":     nil,
				"version":        row.Version + 1,
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to revoke integration: %w", res.Error)
		}
		return nil
	})
}

// PurgeRevoked removes revoked integrations older than cutoff.
func (s *Store) PurgeRevoked(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", storage.StatusRevoked, cutoff).
		Delete(&integrationRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge revoked integrations: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
