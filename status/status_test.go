package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinStrings(t *testing.T) {
	cases := map[Code]string{
		Success:      "success",
		InvalidParam: "invalid parameter",
		NoMemory:     "no memory",
		NotConnected: "not connected",
		Timeout:      "timeout",
		SendFailed:   "send failed",
		Internal:     "internal error",
		ClientFull:   "client table full",
	}
	for code, want := range cases {
		assert.Equal(t, want, code.String())
	}
}

func TestUserRangeDefaultFormatter(t *testing.T) {
	SetUserFormatter(nil)
	require.Equal(t, "user status 1001", (UserBase + 1).String())
}

func TestUserRangeCustomFormatter(t *testing.T) {
	t.Cleanup(func() { SetUserFormatter(nil) })
	SetUserFormatter(func(c Code) string {
		if c == UserBase+1 {
			return "echo-ok"
		}
		return "unmapped"
	})
	require.Equal(t, "echo-ok", (UserBase + 1).String())
	require.Equal(t, "unmapped", (UserBase + 2).String())
}

func TestIsSuccess(t *testing.T) {
	assert.True(t, Success.IsSuccess())
	assert.False(t, Timeout.IsSuccess())
}
