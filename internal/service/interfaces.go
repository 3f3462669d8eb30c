package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"post_relay/internal/domain"
)

type Source interface {
	ID() string
	ResolveAccountID(ctx context.Context, handle string) (string, error)
	FetchRecentPosts(ctx context.Context, account domain.MonitoredAccount, sinceID string, maxResults int) ([]domain.Post, error)
}

type Notifier interface {
	Format(handle string, post domain.Post) domain.NotificationMessage
	Send(ctx context.Context, msg domain.NotificationMessage) (*domain.DeliveryReceipt, error)
}

type StateStore interface {
	Load(ctx context.Context) (*domain.StateRecord, error)
	Save(ctx context.Context, record *domain.StateRecord) error
}

type Publisher interface {
	Publish(ctx context.Context, handle string, post domain.Post, receipt *domain.DeliveryReceipt) error
	Close() error
}
