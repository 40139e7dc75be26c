package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capfabric/capfabric/shmem"
)

func TestConnectAgainstUnknownServiceFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	c := New(cfg)

	// No listener is bound at this service's bootstrap address, so the
	// handshake send itself fails (an abstract-namespace datagram to an
	// unbound address refuses synchronously) rather than timing out.
	err := c.Connect("no-such-capfabric-service")
	require.Error(t, err)
	assert.Equal(t, StateCreated, c.State())
}

func TestSendBeforeConnectReturnsNotConnected(t *testing.T) {
	c := New(DefaultConfig())
	err := c.Send(1, []byte("x"))
	assert.Error(t, err)
}

func TestSendWithReplyBeforeConnectReturnsNotConnected(t *testing.T) {
	c := New(DefaultConfig())
	_, _, err := c.SendWithReply(1, []byte("x"), time.Second)
	assert.Error(t, err)
}

func TestSendWithCapabilityBeforeConnectReturnsNotConnected(t *testing.T) {
	c := New(DefaultConfig())
	h, err := shmem.Create(4096)
	require.NoError(t, err)
	defer h.Destroy()

	err = c.SendWithCapability(h, 2, nil, shmem.TransferCopy)
	assert.Error(t, err)
}

func TestSendWithCapabilityAndReplyBeforeConnectReturnsNotConnected(t *testing.T) {
	c := New(DefaultConfig())
	h, err := shmem.Create(4096)
	require.NoError(t, err)
	defer h.Destroy()

	_, _, err = c.SendWithCapabilityAndReply(h, 2, nil, shmem.TransferCopy, time.Second)
	assert.Error(t, err)
}

func TestDestroyFromCreatedIsSafe(t *testing.T) {
	c := New(DefaultConfig())
	c.Destroy()
	assert.Equal(t, StateDestroyed, c.State())
}
