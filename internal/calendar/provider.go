// Package calendar validates and normalizes calendar requests before handing
// them to a Provider that owns the actual calendar store.
package calendar

import (
	"context"

	"maccal/internal/models"
)

// Provider performs calendar store access and permission negotiation.
// Date arguments and the date fields of records arrive as ISO 8601 strings.
type Provider interface {
	RequestAccess(ctx context.Context) (models.AuthStatus, error)
	GetAuthStatus(ctx context.Context) (models.AuthStatus, error)
	GetAllEvents(ctx context.Context, start, end string) ([]models.Record, error)
	GetEventsByName(ctx context.Context, name, start, end string) ([]models.Record, error)
	AddNewEvent(ctx context.Context, event models.Record) (bool, error)
	DeleteEvent(ctx context.Context, identifier string) (bool, error)
	UpdateEvent(ctx context.Context, event models.Record) (bool, error)
}
