package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type service struct {
	Worker
	ran int32
}

func (s *service) loop() {
	atomic.AddInt32(&s.ran, 1)
	<-s.HaltCh()
}

func TestHaltWaitsForGoroutines(t *testing.T) {
	s := &service{}
	s.Go(s.loop)
	time.Sleep(10 * time.Millisecond)
	s.Halt()
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.ran))
}

func TestHaltIsIdempotent(t *testing.T) {
	s := &service{}
	s.Go(s.loop)
	s.Halt()
	s.Halt()
}
