package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type VirtualSuite struct {
	suite.Suite
	sched *Virtual
	start time.Time
}

func TestVirtualSuite(t *testing.T) {
	suite.Run(t, new(VirtualSuite))
}

func (s *VirtualSuite) SetupTest() {
	s.start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.sched = NewVirtual(s.start)
}

func (s *VirtualSuite) TestTimersFireInDeadlineOrder() {
	var order []string
	s.sched.AfterFunc(30*time.Millisecond, func() { order = append(order, "late") })
	s.sched.AfterFunc(10*time.Millisecond, func() { order = append(order, "early") })
	s.sched.AfterFunc(10*time.Millisecond, func() { order = append(order, "early-second") })

	s.sched.Advance(20 * time.Millisecond)
	s.Equal([]string{"early", "early-second"}, order)

	s.sched.Advance(20 * time.Millisecond)
	s.Equal([]string{"early", "early-second", "late"}, order)
	s.Equal(s.start.Add(40*time.Millisecond), s.sched.Now())
}

func (s *VirtualSuite) TestStopPreventsTask() {
	fired := false
	t := s.sched.AfterFunc(time.Second, func() { fired = true })

	s.True(t.Stop())
	s.False(t.Stop())
	s.sched.Advance(2 * time.Second)
	s.False(fired)
}

func (s *VirtualSuite) TestTimerSeesItsOwnDeadline() {
	var seen time.Time
	s.sched.AfterFunc(5*time.Second, func() { seen = s.sched.Now() })

	s.sched.Advance(time.Minute)
	s.Equal(s.start.Add(5*time.Second), seen)
}

func (s *VirtualSuite) TestPostedTasksRunBeforeLaterTimers() {
	var order []string
	s.sched.AfterFunc(time.Millisecond, func() {
		order = append(order, "timer")
		s.sched.Post(func() { order = append(order, "posted-by-timer") })
	})
	s.sched.AfterFunc(2*time.Millisecond, func() { order = append(order, "second-timer") })

	s.sched.Advance(5 * time.Millisecond)
	s.Equal([]string{"timer", "posted-by-timer", "second-timer"}, order)
}

func (s *VirtualSuite) TestRescheduleFromTask() {
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			s.sched.AfterFunc(15*time.Millisecond, tick)
		}
	}
	s.sched.AfterFunc(15*time.Millisecond, tick)

	s.sched.Advance(time.Second)
	s.Equal(3, count)
	s.Zero(s.sched.PendingTimers())
}

type LoopSuite struct {
	suite.Suite
	loop   *Loop
	cancel context.CancelFunc
}

func TestLoopSuite(t *testing.T) {
	suite.Run(t, new(LoopSuite))
}

func (s *LoopSuite) SetupTest() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loop = New()
	go func() { _ = s.loop.Run(ctx) }()
}

func (s *LoopSuite) TearDownTest() {
	s.cancel()
	<-s.loop.Done()
}

func (s *LoopSuite) TestDoRunsOnLoop() {
	value := 0
	s.Require().NoError(s.loop.Do(context.Background(), func() { value = 42 }))
	s.Equal(42, value)
}

func (s *LoopSuite) TestPostFromTaskDoesNotDeadlock() {
	done := make(chan struct{})
	s.loop.Post(func() {
		s.loop.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("nested post never ran")
	}
}

func (s *LoopSuite) TestAfterFuncStopped() {
	fired := make(chan struct{}, 1)
	var t Timer
	s.Require().NoError(s.loop.Do(context.Background(), func() {
		t = s.loop.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	}))
	s.Require().NoError(s.loop.Do(context.Background(), func() { s.True(t.Stop()) }))

	select {
	case <-fired:
		s.Fail("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func (s *LoopSuite) TestPanicDoesNotKillLoop() {
	s.loop.Post(func() { panic("boom") })

	ran := false
	s.Require().NoError(s.loop.Do(context.Background(), func() { ran = true }))
	s.True(ran)
}

func (s *LoopSuite) TestDoAfterClose() {
	s.loop.Close()
	<-s.loop.Done()
	s.ErrorIs(s.loop.Do(context.Background(), func() {}), ErrClosed)
}
