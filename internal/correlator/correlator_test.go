package correlator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/suite"
)

type key struct {
	id string
	op string
}

type CorrelatorTestSuite struct {
	suite.Suite
	corr *Correlator[key, int]
}

func TestCorrelatorTestSuite(t *testing.T) {
	suite.Run(t, new(CorrelatorTestSuite))
}

func (s *CorrelatorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.corr = New[key, int]("test", logger)
}

func (s *CorrelatorTestSuite) issue(k key, timeout time.Duration, opts ...IssueOption) *Handle[key, int] {
	h, err := s.corr.Issue(context.Background(), k, timeout, opts...)
	s.Require().NoError(err)
	return h
}

func (s *CorrelatorTestSuite) TestComplete() {
	// GOAL: a matching completion resolves the pending entry with its value
	k := key{"AA:BB", "read"}
	h := s.issue(k, time.Second)
	s.True(s.corr.Pending(k))

	s.True(s.corr.Complete(k, 42))
	v, err := h.Wait()
	s.NoError(err)
	s.Equal(42, v)
	s.True(h.Resolved())
	s.False(s.corr.Pending(k), "resolved entry MUST leave the table")
	s.Equal(0, s.corr.Len())
}

func (s *CorrelatorTestSuite) TestFail() {
	k := key{"AA:BB", "write"}
	h := s.issue(k, time.Second)
	cause := device.Errorf(device.KindNativeFailed, "rejected")

	s.True(s.corr.Fail(k, cause))
	_, err := h.Wait()
	s.ErrorIs(err, device.ErrNativeFailed)
}

func (s *CorrelatorTestSuite) TestUnmatchedCompletions() {
	// GOAL: late and unsolicited callbacks are dropped and counted
	//
	// TEST SCENARIO: complete with nothing pending → false; complete twice → second dropped
	k := key{"AA:BB", "read"}
	s.False(s.corr.Complete(k, 1))
	s.False(s.corr.Fail(k, errors.New("late")))

	h := s.issue(k, time.Second)
	s.True(s.corr.Complete(k, 1))
	s.False(s.corr.Complete(k, 2), "duplicate completion MUST be dropped")

	v, _ := h.Wait()
	s.Equal(1, v, "the first completion MUST win")
	s.Equal(int64(3), s.corr.Dropped())
}

func (s *CorrelatorTestSuite) TestDuplicateIssue() {
	// GOAL: one pending entry per key
	k := key{"AA:BB", "read"}
	s.issue(k, time.Second)

	_, err := s.corr.Issue(context.Background(), k, time.Second)
	s.ErrorIs(err, device.ErrDuplicateOperation)

	_, err = s.corr.Issue(context.Background(), key{"AA:BB", "write"}, time.Second)
	s.NoError(err, "a different key MUST be accepted")
}

func (s *CorrelatorTestSuite) TestTimeout() {
	// GOAL: an unanswered entry fails with OperationTimedOut after its deadline, not before
	k := key{"AA:BB", "connect"}
	start := time.Now()
	h := s.issue(k, 50*time.Millisecond)

	_, err := h.Wait()
	s.ErrorIs(err, device.ErrTimeout)
	s.GreaterOrEqual(time.Since(start), 50*time.Millisecond)
	s.False(s.corr.Complete(k, 1), "completion after timeout MUST be dropped")

	_, err = s.corr.Issue(context.Background(), k, time.Second)
	s.NoError(err, "key MUST be reusable after timeout")
}

func (s *CorrelatorTestSuite) TestNoDeadline() {
	h := s.issue(key{"AA:BB", "scan"}, 0)

	select {
	case <-h.Done():
		s.Fail("entry without deadline MUST stay pending")
	case <-time.After(50 * time.Millisecond):
	}
	s.corr.Complete(key{"AA:BB", "scan"}, 0)
	<-h.Done()
}

func (s *CorrelatorTestSuite) TestCancellation() {
	s.Run("runs undo first", func() {
		// GOAL: cancelling ctx runs the undo call before resolving as cancelled
		//
		// TEST SCENARIO: undo acknowledged → OperationCancelled wrapping context.Canceled, undo ran once
		s.SetupTest()
		var undone atomic.Int32
		ctx, cancel := context.WithCancel(context.Background())
		h, err := s.corr.Issue(ctx, key{"AA:BB", "connect"}, time.Second, WithUndo(func(context.Context) error {
			undone.Add(1)
			return nil
		}, time.Second))
		s.Require().NoError(err)

		cancel()
		_, err = h.Wait()
		s.ErrorIs(err, device.ErrCancelled)
		s.ErrorIs(err, context.Canceled, "cancellation cause MUST be preserved")
		s.Equal(int32(1), undone.Load())
	})

	s.Run("undo fallback", func() {
		// GOAL: an undo the stack never acknowledges cannot hold the caller past its fallback
		s.SetupTest()
		ctx, cancel := context.WithCancel(context.Background())
		h, err := s.corr.Issue(ctx, key{"AA:BB", "scan"}, 0, WithUndo(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, 50*time.Millisecond))
		s.Require().NoError(err)

		start := time.Now()
		cancel()
		_, err = h.Wait()
		s.ErrorIs(err, device.ErrCancelled)
		s.Less(time.Since(start), time.Second, "fallback MUST bound the undo call")
	})

	s.Run("already cancelled context", func() {
		s.SetupTest()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.corr.Issue(ctx, key{"AA:BB", "read"}, time.Second)
		s.ErrorIs(err, device.ErrCancelled)
		s.Equal(0, s.corr.Len(), "nothing MUST be registered")
	})

	s.Run("explicit cancel", func() {
		s.SetupTest()
		h := s.issue(key{"AA:BB", "read"}, time.Second)
		s.True(s.corr.Cancel(h))
		s.False(s.corr.Cancel(h), "second cancel MUST report the handle as already resolved")
		_, err := h.Wait()
		s.ErrorIs(err, device.ErrCancelled)
	})

	s.Run("caller deadline", func() {
		s.SetupTest()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		h, err := s.corr.Issue(ctx, key{"AA:BB", "read"}, time.Second)
		s.Require().NoError(err)

		_, err = h.Wait()
		s.ErrorIs(err, device.ErrCancelled, "caller deadline MUST surface as a cancellation")
		s.ErrorIs(err, context.DeadlineExceeded)
	})
}

func (s *CorrelatorTestSuite) TestFailWhere() {
	// GOAL: bulk failure resolves only matching entries and skips undo calls
	var undone atomic.Int32
	undo := WithUndo(func(context.Context) error { undone.Add(1); return nil }, time.Second)

	a := s.issue(key{"AA", "read"}, time.Second, undo)
	b := s.issue(key{"AA", "write"}, time.Second)
	other := s.issue(key{"BB", "read"}, time.Second)

	n := s.corr.FailWhere(func(k key) bool { return k.id == "AA" }, device.Errorf(device.KindDisconnected, "link lost"))
	s.Equal(2, n)

	for _, h := range []*Handle[key, int]{a, b} {
		_, err := h.Wait()
		s.ErrorIs(err, device.ErrDisconnected)
	}
	s.False(other.Resolved(), "non-matching entry MUST stay pending")
	s.Equal(int32(0), undone.Load())
}

func (s *CorrelatorTestSuite) TestSingleResolution() {
	// GOAL: racing completion, failure, timeout and cancellation resolve an entry exactly once
	//
	// TEST SCENARIO: many rounds, all resolvers fired together → one winner per round,
	// table empty at the end
	for round := 0; round < 200; round++ {
		k := key{"AA:BB", "read"}
		ctx, cancel := context.WithCancel(context.Background())
		h, err := s.corr.Issue(ctx, k, time.Millisecond)
		s.Require().NoError(err)

		var (
			wins  atomic.Int32
			start = make(chan struct{})
			wg    sync.WaitGroup
		)
		resolvers := []func() bool{
			func() bool { return s.corr.Complete(k, round) },
			func() bool { return s.corr.Fail(k, errors.New("native")) },
			func() bool { return s.corr.FailWhere(func(key) bool { return true }, errors.New("bulk")) > 0 },
			func() bool { return s.corr.Cancel(h) },
		}
		for _, resolve := range resolvers {
			wg.Add(1)
			go func(resolve func() bool) {
				defer wg.Done()
				<-start
				if resolve() {
					wins.Add(1)
				}
			}(resolve)
		}
		go cancel()
		close(start)
		wg.Wait()

		<-h.Done()
		s.LessOrEqual(wins.Load(), int32(1), "round %d MUST have at most one explicit winner", round)
		_, err = h.Wait()
		if wins.Load() == 0 {
			s.Error(err, "round %d resolved by timeout or ctx MUST carry an error", round)
		}
		s.Equal(0, s.corr.Len(), "round %d MUST leave no pending entry", round)
		cancel()
	}
}

func (s *CorrelatorTestSuite) TestListeners() {
	// GOAL: streaming listeners coexist with one-shot entries of the same key
	k := key{"AA:BB", "notify"}
	var got []int
	stop, err := s.corr.Listen(k, func(v int) { got = append(got, v) })
	s.Require().NoError(err)

	_, err = s.corr.Listen(k, func(int) {})
	s.ErrorIs(err, device.ErrDuplicateOperation, "one listener per key")
	_, err = s.corr.Listen(key{"AA:BB", "other"}, nil)
	s.ErrorIs(err, device.ErrInvalidArgument)

	h := s.issue(k, time.Second)
	s.True(s.corr.Stream(k, 1))
	s.True(s.corr.Stream(k, 2))
	s.False(h.Resolved(), "streamed values MUST NOT resolve one-shot entries")

	stop()
	stop()
	s.False(s.corr.Listening(k))
	s.False(s.corr.Stream(k, 3), "values without a listener MUST be dropped")
	s.Equal([]int{1, 2}, got)
}
