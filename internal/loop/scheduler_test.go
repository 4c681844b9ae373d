package loop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/loop"
	"github.com/stretchr/testify/suite"
)

type SchedulerTestSuite struct {
	suite.Suite

	logger *logrus.Logger
	sched  *loop.Scheduler
}

func (s *SchedulerTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.sched = loop.New(s.logger)
	s.sched.Start(context.Background())
}

func (s *SchedulerTestSuite) TearDownTest() {
	s.sched.Stop()
}

func (s *SchedulerTestSuite) TestFIFOAcrossProducers() {
	// GOAL: Verify tasks submitted by one producer run in submission order even with concurrent producers
	//
	// TEST SCENARIO: 4 goroutines submit 200 tasks each → flush → each producer's sequence observed in order

	const producers, perProducer = 4, 200
	seen := make(map[int][]int) // only touched on the loop goroutine

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				i := i
				s.Require().True(s.sched.Submit(func() { seen[p] = append(seen[p], i) }))
			}
		}(p)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Require().NoError(s.sched.Flush(ctx), "flush MUST complete")

	for p := 0; p < producers; p++ {
		s.Require().Len(seen[p], perProducer, "every task MUST run")
		for i, v := range seen[p] {
			s.Require().Equal(i, v, "producer %d tasks MUST run in submission order", p)
		}
	}
}

func (s *SchedulerTestSuite) TestTasksNeverOverlap() {
	// GOAL: Verify the loop runs one task at a time
	//
	// TEST SCENARIO: Many tasks track an in-flight counter → counter never exceeds one

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	for i := 0; i < 100; i++ {
		s.sched.Submit(func() {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
		})
	}

	s.Require().NoError(s.sched.Flush(context.Background()))
	s.Equal(1, maxInFlight, "tasks MUST never run concurrently")
}

func (s *SchedulerTestSuite) TestPanickingTaskDoesNotStopLoop() {
	// GOAL: Verify a panicking task is contained
	//
	// TEST SCENARIO: Submit panicking task then a normal one → normal task runs → panic counted

	ran := make(chan struct{})
	s.sched.Submit(func() { panic("boom") })
	s.sched.Submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		s.Fail("task after panic MUST still run")
	}
	s.Equal(int64(1), s.sched.Panics(), "panic MUST be counted")
}

func (s *SchedulerTestSuite) TestStopDrainsAndRefuses() {
	// GOAL: Verify Stop drains queued work and rejects new submissions
	//
	// TEST SCENARIO: Queue tasks behind a slow task → Stop → all queued tasks ran → Submit returns false

	count := 0
	s.sched.Submit(func() { time.Sleep(20 * time.Millisecond) })
	for i := 0; i < 10; i++ {
		s.sched.Submit(func() { count++ })
	}

	s.sched.Stop()

	s.Equal(10, count, "queued tasks MUST run before Stop returns")
	s.False(s.sched.Submit(func() {}), "Submit after Stop MUST be refused")
	s.ErrorIs(s.sched.Flush(context.Background()), loop.ErrStopped)
}

func (s *SchedulerTestSuite) TestRunTwiceFails() {
	// the loop is known to be running once a flush completes
	s.Require().NoError(s.sched.Flush(context.Background()))

	err := s.sched.Run(context.Background())
	s.Error(err, "second Run MUST fail")
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}
