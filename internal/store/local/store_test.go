package local

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"caresync/internal/domain"
	"caresync/internal/kvstore"
	"caresync/pkg/platform/sentinel"
)

type LocalStoreSuite struct {
	suite.Suite
	kv    *kvstore.InMemoryStore
	store *Store
	ctx   context.Context
}

func TestLocalStoreSuite(t *testing.T) {
	suite.Run(t, new(LocalStoreSuite))
}

func (s *LocalStoreSuite) SetupTest() {
	s.kv = kvstore.NewInMemoryStore()
	s.store = New(s.kv)
	s.ctx = context.Background()
}

func (s *LocalStoreSuite) TestLoad() {
	s.Run("never written collection is empty, not nil", func() {
		got, err := s.store.Load(s.ctx, domain.CollectionShifts)
		s.Require().NoError(err)
		s.NotNil(got)
		s.Empty(got)
	})

	s.Run("corrupt document is a fatal error", func() {
		s.Require().NoError(s.kv.Put(s.ctx, Key(domain.CollectionReports), []byte("{not json")))
		_, err := s.store.Load(s.ctx, domain.CollectionReports)
		s.Require().Error(err)
		s.ErrorIs(err, domain.ErrCorruptCollection)
		s.Equal(domain.KindFatal, domain.KindOf(err))
	})

	s.Run("invalid name is rejected", func() {
		_, err := s.store.Load(s.ctx, "../etc")
		s.ErrorIs(err, domain.ErrInvalidCollection)
	})
}

func (s *LocalStoreSuite) TestUpsert() {
	s.Run("replaces in place and keeps order", func() {
		s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionStockItems, domain.Record{"id": "a", "qty": 1.0}))
		s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionStockItems, domain.Record{"id": "b", "qty": 2.0}))
		s.Require().NoError(s.store.Upsert(s.ctx, domain.CollectionStockItems, domain.Record{"id": "a", "qty": 5.0}))

		got, err := s.store.Load(s.ctx, domain.CollectionStockItems)
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.Equal("a", got[0].ID())
		s.Equal(5.0, got[0]["qty"])
		s.Equal("b", got[1].ID())
	})

	s.Run("record without id is rejected", func() {
		err := s.store.Upsert(s.ctx, domain.CollectionStockItems, domain.Record{"qty": 1.0})
		s.ErrorIs(err, domain.ErrMissingID)
	})
}

func (s *LocalStoreSuite) TestDelete() {
	s.Require().NoError(s.store.Save(s.ctx, domain.CollectionReports, []domain.Record{
		{"id": "r1"}, {"id": "r2"}, {"id": "r3"},
	}))

	s.Require().NoError(s.store.Delete(s.ctx, domain.CollectionReports, "r2"))
	s.Require().NoError(s.store.Delete(s.ctx, domain.CollectionReports, "missing"))

	got, err := s.store.Load(s.ctx, domain.CollectionReports)
	s.Require().NoError(err)
	s.Equal([]domain.Record{{"id": "r1"}, {"id": "r3"}}, got)
}

func (s *LocalStoreSuite) TestQuotaIsReported() {
	kv := kvstore.NewInMemoryStore(kvstore.WithMemoryLimit(64))
	store := New(kv)

	err := store.Upsert(s.ctx, domain.CollectionAuditLogs, domain.Record{
		"id":      "big",
		"message": "this audit entry is far too long to fit into a sixty four byte quota",
	})
	s.Require().Error(err)
	s.ErrorIs(err, sentinel.ErrQuotaExceeded)
	s.Equal(domain.KindQuotaExceeded, domain.KindOf(err))
}

func (s *LocalStoreSuite) TestWriteOverCorruptDocumentKeepsIt() {
	at := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	store := New(s.kv, WithClock(func() time.Time { return at }))
	s.Require().NoError(s.kv.Put(s.ctx, Key(domain.CollectionShifts), []byte(`[{"id":"s1"`)))

	s.Require().NoError(store.Upsert(s.ctx, domain.CollectionShifts, domain.Record{"id": "s2"}))

	got, err := store.Load(s.ctx, domain.CollectionShifts)
	s.Require().NoError(err)
	s.Equal([]domain.Record{{"id": "s2"}}, got)

	kept, err := s.kv.Get(s.ctx, QuarantineKey(domain.CollectionShifts, at))
	s.Require().NoError(err)
	s.Equal(`[{"id":"s1"`, string(kept))
}

func (s *LocalStoreSuite) TestConcurrentWritersOnSQLite() {
	kv, err := kvstore.NewSQLiteStore(filepath.Join(s.T().TempDir(), "caresync.db"))
	s.Require().NoError(err)
	defer kv.Close()
	store := New(kv)

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Upsert(s.ctx, domain.CollectionReports, domain.Record{"id": fmt.Sprintf("r%d", i)})
			if i%4 == 0 {
				errs <- store.Delete(s.ctx, domain.CollectionReports, fmt.Sprintf("r%d", i))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	got, err := store.Load(s.ctx, domain.CollectionReports)
	s.Require().NoError(err)
	s.Len(got, writers-writers/4)
	for _, r := range got {
		var n int
		_, err := fmt.Sscanf(r.ID(), "r%d", &n)
		s.Require().NoError(err)
		s.NotZero(n%4, "deleted record %s survived", r.ID())
	}
}
