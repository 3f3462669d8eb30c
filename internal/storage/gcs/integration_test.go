//go:build integration

package gcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"

	"post_relay/internal/domain"
)

const testBucket = "relay-state"

type GCSIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container testcontainers.Container
	client    *storage.Client
	logger    *slog.Logger
}

func (s *GCSIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "fsouza/fake-gcs-server:1.52.2",
			ExposedPorts: []string{"4443/tcp"},
			Cmd:          []string{"-scheme", "http", "-port", "4443", "-backend", "memory"},
			WaitingFor:   wait.ForListeningPort("4443/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = container

	host, err := container.Host(s.ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(s.ctx, "4443/tcp")
	s.Require().NoError(err)

	s.T().Setenv("STORAGE_EMULATOR_HOST", fmt.Sprintf("%s:%s", host, port.Port()))

	client, err := storage.NewClient(s.ctx, option.WithoutAuthentication())
	s.Require().NoError(err)
	s.client = client

	s.Require().NoError(client.Bucket(testBucket).Create(s.ctx, "test-project", nil))
}

func (s *GCSIntegrationSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestGCSIntegrationSuite(t *testing.T) {
	suite.Run(t, new(GCSIntegrationSuite))
}

func (s *GCSIntegrationSuite) newStore(object string) *StateStore {
	return NewStateStore(s.client, Config{
		Bucket:      testBucket,
		Object:      object,
		MaxAttempts: 2,
		Delay:       10 * time.Millisecond,
	}, s.logger)
}

func (s *GCSIntegrationSuite) TestLoad_MissingObjectIsEmpty() {
	store := s.newStore("missing.json")

	record, err := store.Load(s.ctx)
	s.NoError(err)
	s.Equal(0, record.Len())
}

func (s *GCSIntegrationSuite) TestSaveAndLoad() {
	store := s.newStore("roundtrip.json")

	record, err := store.Load(s.ctx)
	s.Require().NoError(err)
	record.Advance("alice", "103")
	s.Require().NoError(store.Save(s.ctx, record))

	record.Advance("alice", "104")
	s.Require().NoError(store.Save(s.ctx, record))

	loaded, err := s.newStore("roundtrip.json").Load(s.ctx)
	s.NoError(err)
	s.Equal("104", loaded.Watermarks["alice"])
}

func (s *GCSIntegrationSuite) TestSave_ConflictingWriter() {
	first := s.newStore("conflict.json")
	second := s.newStore("conflict.json")

	_, err := first.Load(s.ctx)
	s.Require().NoError(err)
	_, err = second.Load(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(second.Save(s.ctx, &domain.StateRecord{Watermarks: map[string]string{"alice": "200"}}))

	err = first.Save(s.ctx, &domain.StateRecord{Watermarks: map[string]string{"alice": "150"}})
	s.Error(err)

	var persistErr *domain.PersistenceError
	s.True(errors.As(err, &persistErr))
	s.ErrorIs(err, domain.ErrStateConflict)
}

func (s *GCSIntegrationSuite) TestSave_LandedWriteIsNotAConflict() {
	first := s.newStore("landed.json")
	other := s.newStore("landed.json")

	_, err := first.Load(s.ctx)
	s.Require().NoError(err)
	_, err = other.Load(s.ctx)
	s.Require().NoError(err)

	record := &domain.StateRecord{Watermarks: map[string]string{"alice": "150"}}
	s.Require().NoError(other.Save(s.ctx, record))

	// Same bytes already stored: first's stale precondition must not count
	// as a conflict, and its next write builds on the stored generation.
	s.Require().NoError(first.Save(s.ctx, record))

	record.Advance("alice", "151")
	s.Require().NoError(first.Save(s.ctx, record))

	loaded, err := s.newStore("landed.json").Load(s.ctx)
	s.Require().NoError(err)
	s.Equal("151", loaded.Watermarks["alice"])
}
