// Package gormstore persists local identities with GORM. It is the default
// identity.Service implementation; deployments with an existing user system
// can supply their own.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hallpass-io/desktop-oauth/identity"
	"github.com/hallpass-io/desktop-oauth/security"
)

// identityModel is the database row for a local identity. Exactly one row
// exists per verified email, enforced by the unique index.
type identityModel struct {
	ID          string    `gorm:"primaryKey"`
	Email       string    `gorm:"uniqueIndex:idx_identity_email;not null"`
	DisplayName string    `gorm:"column:display_name"`
	AvatarURL   string    `gorm:"column:avatar_url"`
	Provider    string    `gorm:"column:provider"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	LastLoginAt time.Time `gorm:"column:last_login_at"`
}

// TableName returns the table name for GORM
func (identityModel) TableName() string {
	return "identities"
}

// Store resolves upstream profiles to locally persisted identities.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	auditor *security.Auditor
}

var _ identity.Service = (*Store)(nil)

// New creates an identity store over db and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}

	if err := db.AutoMigrate(&identityModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate identity schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default(),
	}, nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetAuditor enables security audit logging for identity creation.
func (s *Store) SetAuditor(auditor *security.Auditor) {
	s.auditor = auditor
}

// ResolveOrCreate returns the identity for the profile's email, creating one
// on first login. Existing identities get their display name, avatar and
// last login refreshed from the profile.
func (s *Store) ResolveOrCreate(ctx context.Context, profile *identity.Profile) (*identity.Identity, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("profile email cannot be empty")
	}

	now := time.Now().UTC()
	var row identityModel
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("email = ?", profile.Email).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = identityModel{
				ID:          uuid.NewString(),
				Email:       profile.Email,
				DisplayName: profile.DisplayName,
				AvatarURL:   profile.AvatarURL,
				Provider:    profile.Provider,
				CreatedAt:   now,
				LastLoginAt: now,
			}
			created = true
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}

		row.DisplayName = profile.DisplayName
		row.AvatarURL = profile.AvatarURL
		row.Provider = profile.Provider
		row.LastLoginAt = now
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}

	if created {
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:   security.EventIdentityCreated,
				UserID: row.ID,
				Details: map[string]any{
					"provider": row.Provider,
				},
			})
		}
		s.logger.Info("Created local identity",
			"identity_id", row.ID,
			"provider", row.Provider)
	}

	return toIdentity(&row), nil
}

// Lookup returns the identity for an email, or nil when none exists.
func (s *Store) Lookup(ctx context.Context, email string) (*identity.Identity, error) {
	var row identityModel
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}
	return toIdentity(&row), nil
}

func toIdentity(row *identityModel) *identity.Identity {
	return &identity.Identity{
		ID:          row.ID,
		Email:       row.Email,
		DisplayName: row.DisplayName,
		AvatarURL:   row.AvatarURL,
		Provider:    row.Provider,
		CreatedAt:   row.CreatedAt,
		LastLoginAt: row.LastLoginAt,
	}
}
