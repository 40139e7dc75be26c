package wire

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
	"github.com/capfabric/capfabric/msgid"
)

func uniqueName(t *testing.T, prefix string) string {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return prefix + "-" + id.String()
}

func TestSendReceiveRoundTrip(t *testing.T) {
	serverName := uniqueName(t, "capfabric-test-server")
	server, err := Listen(serverName)
	require.NoError(t, err)
	defer server.Close()

	client, err := Dial("")
	require.NoError(t, err)
	defer client.Close()

	header := Header{
		MsgID:         msgid.MakeUser(5),
		ClientID:      7,
		CorrelationID: 0,
	}
	err = client.Send(serverName, header, []byte("hello"), -1)
	require.NoError(t, err)

	frame, ok, err := server.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), frame.UserPayload)
	require.Equal(t, uint32(7), frame.Header.ClientID)
	require.Equal(t, msgid.MakeUser(5), frame.Header.MsgID)
}

func TestReceiveTimesOutBenignly(t *testing.T) {
	name := uniqueName(t, "capfabric-test-idle")
	port, err := Listen(name)
	require.NoError(t, err)
	defer port.Close()

	_, ok, err := port.Receive()
	require.NoError(t, err)
	require.False(t, ok)
}
