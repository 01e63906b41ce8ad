// Package repository defines the storage interface and its SQLite implementation.
package repository

import (
	"context"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Profile operations
	CreateProfile(ctx context.Context, profile *domain.Profile) error
	GetProfile(ctx context.Context, name string) (*domain.Profile, error)
	GetProfileByID(ctx context.Context, id string) (*domain.Profile, error)
	ListProfiles(ctx context.Context) ([]domain.Profile, error)
	UpdateProfile(ctx context.Context, profile *domain.Profile) error
	RenameProfile(ctx context.Context, oldName string, profile *domain.Profile) error
	UpdateProfileSize(ctx context.Context, name string, sizeMB float64) error
	DeleteProfile(ctx context.Context, name string) error

	// Action history operations
	RecordAction(ctx context.Context, record *domain.ActionRecord, keep int) error
	ListActions(ctx context.Context, profile string, limit int) ([]domain.ActionRecord, error)

	// Instance journal operations
	SaveInstance(ctx context.Context, entry *domain.InstanceJournalEntry) error
	DeleteInstance(ctx context.Context, instanceID string) error
	ListInstances(ctx context.Context) ([]domain.InstanceJournalEntry, error)

	// Lifecycle
	Close() error
}
