package cqrs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/0m3kk/eventbank/cqrs"
	"github.com/0m3kk/eventbank/eventsrc"
)

const testTag = "lifecycle"

var errBroken = errors.New("connection reset")

// fakeSubscriber serves a fixed list of records. It fails the first
// failFirst subscriptions outright, and breaks one subscription after
// delivering breakAfter records.
type fakeSubscriber struct {
	records []eventsrc.Record

	mu         sync.Mutex
	failFirst  int
	breakAfter int
	calls      []uint64
}

func (f *fakeSubscriber) EventsByTag(ctx context.Context, tag string, afterPosition uint64, fn eventsrc.RecordHandler) error {
	f.mu.Lock()
	f.calls = append(f.calls, afterPosition)
	if f.failFirst > 0 {
		f.failFirst--
		f.mu.Unlock()
		return errBroken
	}
	breakAfter := f.breakAfter
	f.breakAfter = 0
	f.mu.Unlock()

	delivered := 0
	for _, rec := range f.records {
		if rec.Position <= afterPosition || rec.Tag != tag {
			continue
		}
		if err := fn(ctx, rec); err != nil {
			return err
		}
		delivered++
		if breakAfter > 0 && delivered == breakAfter {
			return errBroken
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSubscriber) subscriptions() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.calls...)
}

type ProjectionSuite struct {
	suite.Suite
	records []eventsrc.Record

	mu   sync.Mutex
	seen []uint64
}

func TestProjectionSuite(t *testing.T) {
	suite.Run(t, new(ProjectionSuite))
}

func (s *ProjectionSuite) SetupTest() {
	s.records = nil
	s.seen = nil
	for i := 1; i <= 5; i++ {
		tag := testTag
		if i == 3 {
			tag = ""
		}
		s.records = append(s.records, eventsrc.Record{
			EventID:     uuid.New(),
			AggregateID: uuid.New(),
			Tag:         tag,
			Version:     1,
			Position:    uint64(i),
		})
	}
}

func (s *ProjectionSuite) handler(_ context.Context, rec eventsrc.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, rec.Position)
	return nil
}

func (s *ProjectionSuite) seenPositions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seen...)
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func (s *ProjectionSuite) TestProjection_DeliversTaggedRecordsInOrder() {
	// GIVEN
	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSubscriber{records: s.records}
	projection := cqrs.NewProjection("ids", testTag, sub, s.handler, cqrs.WithBackOff(fastBackOff))

	// WHEN
	terminated := projection.Start(ctx)

	// THEN
	s.Eventually(func() bool { return len(s.seenPositions()) == 4 }, time.Second, 5*time.Millisecond)
	s.Equal([]uint64{1, 2, 4, 5}, s.seenPositions())

	cancel()
	<-terminated
	s.ErrorIs(projection.Err(), context.Canceled)
}

func (s *ProjectionSuite) TestProjection_ResumesAfterLastHandledRecord() {
	// GIVEN a subscription that breaks after two records
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := &fakeSubscriber{records: s.records, breakAfter: 2}
	projection := cqrs.NewProjection("ids", testTag, sub, s.handler, cqrs.WithBackOff(fastBackOff))

	// WHEN
	projection.Start(ctx)

	// THEN no record is handled twice
	s.Eventually(func() bool { return len(s.seenPositions()) == 4 }, time.Second, 5*time.Millisecond)
	s.Equal([]uint64{1, 2, 4, 5}, s.seenPositions())
	s.Equal([]uint64{0, 2}, sub.subscriptions())
}

func (s *ProjectionSuite) TestProjection_RetriesFailedSubscriptions() {
	// GIVEN
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := &fakeSubscriber{records: s.records, failFirst: 3}
	projection := cqrs.NewProjection("ids", testTag, sub, s.handler, cqrs.WithBackOff(fastBackOff))

	// WHEN
	projection.Start(ctx)

	// THEN
	s.Eventually(func() bool { return len(s.seenPositions()) == 4 }, time.Second, 5*time.Millisecond)
	s.Equal([]uint64{0, 0, 0, 0}, sub.subscriptions())
}

func (s *ProjectionSuite) TestProjection_TerminatesWhenBudgetIsSpent() {
	// GIVEN a subscription that never recovers
	sub := &fakeSubscriber{records: s.records, failFirst: 1 << 30}
	projection := cqrs.NewProjection("ids", testTag, sub, s.handler,
		cqrs.WithBackOff(fastBackOff), cqrs.WithMaxElapsedTime(50*time.Millisecond))

	// WHEN
	terminated := projection.Start(context.Background())

	// THEN
	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		s.FailNow("projection did not terminate")
	}
	s.ErrorIs(projection.Err(), errBroken)
	s.Empty(s.seenPositions())
}

func (s *ProjectionSuite) TestProjection_TerminatesOnHandlerError() {
	// GIVEN
	boom := errors.New("read model broken")
	sub := &fakeSubscriber{records: s.records}
	handler := func(_ context.Context, rec eventsrc.Record) error {
		if rec.Position == 2 {
			return boom
		}
		return nil
	}
	projection := cqrs.NewProjection("ids", testTag, sub, handler, cqrs.WithBackOff(fastBackOff))

	// WHEN
	terminated := projection.Start(context.Background())

	// THEN
	<-terminated
	s.ErrorIs(projection.Err(), boom)
	s.Len(sub.subscriptions(), 1)
}

func (s *ProjectionSuite) TestProjection_StartsAfterPosition() {
	// GIVEN
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := &fakeSubscriber{records: s.records}
	projection := cqrs.NewProjection("ids", testTag, sub, s.handler,
		cqrs.WithBackOff(fastBackOff), cqrs.WithAfterPosition(2))

	// WHEN
	projection.Start(ctx)

	// THEN
	s.Eventually(func() bool { return len(s.seenPositions()) == 2 }, time.Second, 5*time.Millisecond)
	s.Equal([]uint64{4, 5}, s.seenPositions())
}
