package shmem

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capfabric/capfabric/msgid"
	"github.com/capfabric/capfabric/wire"
)

func uniquePortName(t *testing.T) string {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return "capfabric-shmem-test-" + id.String()
}

func TestCreateAndWriteRead(t *testing.T) {
	h, err := Create(4096)
	require.NoError(t, err)
	defer h.Destroy()

	assert.True(t, h.IsOwner())
	assert.Equal(t, 4096, h.Size())

	copy(h.Data(), []byte("hello"))
	assert.Equal(t, byte('h'), h.Data()[0])
}

func TestMapSharesOwnerWrites(t *testing.T) {
	owner, err := Create(4096)
	require.NoError(t, err)
	defer owner.Destroy()

	dupFD, err := owner.Dup()
	require.NoError(t, err)

	consumer, err := Map(dupFD, 4096)
	require.NoError(t, err)
	defer consumer.Destroy()

	copy(owner.Data(), []byte("shared"))
	assert.Equal(t, "shared", string(consumer.Data()[:6]))
	assert.False(t, consumer.IsOwner())
}

func TestDestroyIsIdempotent(t *testing.T) {
	h, err := Create(4096)
	require.NoError(t, err)
	require.NoError(t, h.Destroy())
	require.NoError(t, h.Destroy())
}

func TestCreateRejectsNonPositiveSize(t *testing.T) {
	_, err := Create(0)
	assert.Error(t, err)
}

func TestSendTransferCopyLeavesSenderMappingIntact(t *testing.T) {
	recvName := uniquePortName(t)
	receiver, err := wire.Listen(recvName)
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := wire.Dial("")
	require.NoError(t, err)
	defer sender.Close()

	owner, err := Create(4096)
	require.NoError(t, err)
	defer owner.Destroy()
	copy(owner.Data(), []byte("payload"))

	header := wire.Header{MsgID: msgid.MakeUser(2)}
	require.NoError(t, owner.Send(sender, recvName, header, []byte("hello"), TransferCopy))

	frame, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, frame.Header.MsgID.Has(msgid.Share))
	require.True(t, frame.Header.MsgID.Has(msgid.LocalCopy))
	require.Equal(t, []byte("hello"), frame.UserPayload)
	require.GreaterOrEqual(t, frame.UserFD, 0)

	consumer, err := Map(frame.UserFD, 4096)
	require.NoError(t, err)
	defer consumer.Destroy()
	assert.Equal(t, "payload", string(consumer.Data()[:7]))

	// TransferCopy: the sender's own mapping is untouched.
	assert.Equal(t, "payload", string(owner.Data()[:7]))
}

func TestSendTransferMoveDestroysSenderHandle(t *testing.T) {
	recvName := uniquePortName(t)
	receiver, err := wire.Listen(recvName)
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := wire.Dial("")
	require.NoError(t, err)
	defer sender.Close()

	owner, err := Create(4096)
	require.NoError(t, err)

	header := wire.Header{MsgID: msgid.MakeUser(2)}
	require.NoError(t, owner.Send(sender, recvName, header, nil, TransferMove))

	frame, ok, err := receiver.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, frame.Header.MsgID.Has(msgid.LocalCopy))

	consumer, err := Map(frame.UserFD, 4096)
	require.NoError(t, err)
	defer consumer.Destroy()

	// TransferMove: the sender's own handle is destroyed as part of Send.
	assert.Nil(t, owner.Data())
	require.NoError(t, owner.Destroy())
}
