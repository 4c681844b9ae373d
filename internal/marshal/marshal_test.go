package marshal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/loop"
	"github.com/srg/blebridge/internal/marshal"
	"github.com/stretchr/testify/suite"
)

type MarshalTestSuite struct {
	suite.Suite

	logger *logrus.Logger
	sched  *loop.Scheduler
	m      *marshal.Marshaler
}

func (s *MarshalTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.sched = loop.New(s.logger)
	s.sched.Start(context.Background())
	s.m = marshal.New(s.sched, s.logger)
}

func (s *MarshalTestSuite) TearDownTest() {
	s.sched.Stop()
}

func (s *MarshalTestSuite) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Require().NoError(s.sched.Flush(ctx), "scheduler flush MUST complete")
}

func (s *MarshalTestSuite) TestDeliveryOrder() {
	// GOAL: Verify payloads of one subscription reach the foreground in native invocation order
	//
	// TEST SCENARIO: Native goroutine invokes wrapper with p1,p2,p3 → foreground observes p1,p2,p3

	var got [][]byte // only touched on the foreground
	wrapper := s.m.Bytes(marshal.NewSlot("180d/2a37"), func(data []byte) {
		got = append(got, data)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		wrapper([]byte("p1"))
		wrapper([]byte("p2"))
		wrapper([]byte("p3"))
	}()
	<-done
	s.flush()

	s.Equal([][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}, got, "payloads MUST arrive in native order")
}

func (s *MarshalTestSuite) TestOrderPerSourceUnderConcurrency() {
	// GOAL: Verify per-subscription FIFO holds while other subscriptions deliver concurrently
	//
	// TEST SCENARIO: 3 native goroutines, one per subscription, 100 payloads each → every subscription in order

	const sources, perSource = 3, 100
	got := make([][]int, sources)

	var wg sync.WaitGroup
	for src := 0; src < sources; src++ {
		src := src
		wrapper := marshal.Func1(s.m, marshal.NewSlot("sub"), func(v int) {
			got[src] = append(got[src], v)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				wrapper(i)
			}
		}()
	}
	wg.Wait()
	s.flush()

	for src := 0; src < sources; src++ {
		s.Require().Len(got[src], perSource)
		for i, v := range got[src] {
			s.Require().Equal(i, v, "subscription %d MUST deliver in order", src)
		}
	}
}

func (s *MarshalTestSuite) TestCallbackRunsOnForeground() {
	// GOAL: Verify the callback body never runs on the native goroutine
	//
	// TEST SCENARIO: Native goroutine blocks until wrapper returns → callback body runs after wrapper returned

	returned := make(chan struct{})
	bodyRan := make(chan bool, 1)

	wrapper := s.m.Func0(marshal.NewSlot("connected"), func() {
		select {
		case <-returned:
			bodyRan <- true
		default:
			bodyRan <- false
		}
	})

	// occupy the foreground so the callback cannot run before the wrapper returns
	gate := make(chan struct{})
	s.sched.Submit(func() { <-gate })

	wrapper()
	close(returned)
	close(gate)

	select {
	case afterReturn := <-bodyRan:
		s.True(afterReturn, "callback MUST run after the native wrapper returned")
	case <-time.After(time.Second):
		s.Fail("callback MUST be delivered")
	}
}

func (s *MarshalTestSuite) TestNilDeregisters() {
	// GOAL: Verify nil callbacks deregister instead of installing a no-op
	//
	// TEST SCENARIO: Install wrapper → wrap nil on same slot → nil returned → old wrapper events dropped

	slot := marshal.NewSlot("disconnected")
	calls := 0
	old := s.m.Func0(slot, func() { calls++ })
	s.True(slot.Installed(), "slot MUST be installed")

	s.Nil(s.m.Func0(slot, nil), "nil callback MUST produce nil native callback")
	s.False(slot.Installed(), "slot MUST be cleared")

	old()
	s.flush()

	s.Equal(0, calls, "events after deregistration MUST NOT be delivered")
	s.Equal(int64(1), s.m.Stats().Stale, "stale invocation MUST be counted")
	s.Nil(marshal.Func1[int](s.m, marshal.NewSlot("found"), nil))
	s.Nil(s.m.Bytes(nil, nil))
}

func (s *MarshalTestSuite) TestReplacedWrapperIsStale() {
	// GOAL: Verify a replaced subscription wrapper stops delivering
	//
	// TEST SCENARIO: Notify wrapper replaced by indicate wrapper → old fires → only new deliveries seen

	slot := marshal.NewSlot("180d/2a37")
	var got []string
	notify := s.m.Bytes(slot, func(b []byte) { got = append(got, "notify:"+string(b)) })
	indicate := s.m.Bytes(slot, func(b []byte) { got = append(got, "indicate:"+string(b)) })

	notify([]byte("a"))
	indicate([]byte("b"))
	s.flush()

	s.Equal([]string{"indicate:b"}, got)
}

func (s *MarshalTestSuite) TestQueuedEventDroppedAfterDeregistration() {
	// GOAL: Verify an event already queued when its slot is cleared never reaches the callback
	//
	// TEST SCENARIO: Foreground held, wrapper invoked (queued), slot disarmed, foreground released
	// → no delivery, counted as stale

	gate := make(chan struct{})
	held := make(chan struct{})
	s.Require().True(s.sched.Submit(func() {
		close(held)
		<-gate
	}))
	<-held

	slot := marshal.NewSlot("180d/2a37")
	var got [][]byte
	wrapper := s.m.Bytes(slot, func(b []byte) { got = append(got, b) })

	wrapper([]byte{0x06, 0x48})
	s.Equal(int64(1), s.m.Stats().Delivered, "the event MUST be queued while the slot is live")

	slot.Disarm()
	close(gate)
	s.flush()

	s.Empty(got, "a queued event MUST be dropped once its slot is cleared")
	s.Equal(int64(1), s.m.Stats().Stale, "the dropped event MUST be counted as stale")
}

func (s *MarshalTestSuite) TestPayloadIsCopied() {
	buf := []byte{1, 2, 3}
	var got []byte
	wrapper := s.m.Bytes(nil, func(b []byte) { got = b })

	wrapper(buf)
	buf[0] = 9
	s.flush()

	s.Equal([]byte{1, 2, 3}, got, "payload MUST be copied before the native buffer is reused")
}

func (s *MarshalTestSuite) TestAsyncDoesNotBlockQueue() {
	// GOAL: Verify long-running callbacks run as separate tasks
	//
	// TEST SCENARIO: Async callback blocks until released → later sync callback still delivered

	release := make(chan struct{})
	finished := make(chan struct{})
	slow := marshal.Async1(s.m, marshal.NewSlot("found"), func(ctx context.Context, v int) {
		<-release
		close(finished)
	})
	fastRan := make(chan struct{})
	fast := s.m.Func0(marshal.NewSlot("stop"), func() { close(fastRan) })

	slow(1)
	fast()

	select {
	case <-fastRan:
	case <-time.After(time.Second):
		s.Fail("queue MUST keep moving while an async callback runs")
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		s.Fail("async callback MUST complete")
	}
}

func (s *MarshalTestSuite) TestAsyncPanicIsContained() {
	done := make(chan struct{})
	boom := s.m.Async0(marshal.NewSlot("start"), func(ctx context.Context) {
		defer close(done)
		panic("user bug")
	})

	boom()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("async callback MUST run")
	}
	s.flush()
}

func (s *MarshalTestSuite) TestRefusedAfterStop() {
	wrapper := s.m.Func0(marshal.NewSlot("scan_start"), func() {})
	s.sched.Stop()

	wrapper()

	s.Equal(int64(1), s.m.Stats().Refused, "delivery to a stopped scheduler MUST be refused")
}

func TestMarshalTestSuite(t *testing.T) {
	suite.Run(t, new(MarshalTestSuite))
}
