//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"caresync/internal/domain"
	"caresync/pkg/platform/sentinel"
	"caresync/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *Store
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.DropTables(s.ctx))
	st, err := Open(s.ctx, s.pg.DSN, WithTimeout(5*time.Second))
	s.Require().NoError(err)
	s.store = st
}

func (s *PostgresStoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *PostgresStoreSuite) TestMissingTableIsSchemaMissing() {
	_, err := s.store.Select(s.ctx, domain.CollectionShifts)
	s.ErrorIs(err, sentinel.ErrSchemaMissing)

	err = s.store.Upsert(s.ctx, domain.CollectionShifts, domain.Record{"id": "s1"})
	s.ErrorIs(err, sentinel.ErrSchemaMissing)
}

func (s *PostgresStoreSuite) TestCRUD() {
	s.Require().NoError(s.store.Provision(s.ctx, domain.CollectionReports))
	s.Require().NoError(s.store.Provision(s.ctx, domain.CollectionReports), "provision is idempotent")

	s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionReports, domain.Record{"id": "r1", "text": "v1"}))
	s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionReports, domain.Record{"id": "r1", "text": "v2"}))
	s.Require().NoError(s.store.Insert(s.ctx, domain.CollectionReports, domain.Record{"id": "r2"}))

	err := s.store.Insert(s.ctx, domain.CollectionReports, domain.Record{"id": "r2"})
	s.Equal(domain.KindFatal, domain.KindOf(err))

	got, err := s.store.Select(s.ctx, domain.CollectionReports)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("v2", got[0]["text"])

	s.Require().NoError(s.store.Delete(s.ctx, domain.CollectionReports, "r1"))
	got, err = s.store.Select(s.ctx, domain.CollectionReports)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *PostgresStoreSuite) TestSubscribe() {
	s.Require().NoError(s.store.Provision(s.ctx, domain.CollectionStockItems))
	s.Require().NoError(s.store.Provision(s.ctx, domain.CollectionReports))

	events := make(chan domain.Event, 8)
	sub, err := s.store.Subscribe(s.ctx, domain.CollectionStockItems, func(ev domain.Event) {
		events <- ev
	})
	s.Require().NoError(err)
	defer sub.Close()

	s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionReports, domain.Record{"id": "other"}))
	s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionStockItems, domain.Record{"id": "gloves", "qty": 3}))
	s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionStockItems, domain.Record{"id": "gloves", "qty": 2}))
	s.Require().NoError(s.store.Delete(s.ctx, domain.CollectionStockItems, "gloves"))

	want := []domain.EventType{domain.EventInsert, domain.EventUpdate, domain.EventDelete}
	for _, typ := range want {
		select {
		case ev := <-events:
			s.Equal(typ, ev.Type)
			s.Equal("gloves", ev.RecordID())
		case <-time.After(5 * time.Second):
			s.FailNow("timed out waiting for notification")
		}
	}
}
