// ABOUTME: Tests for tunnel wire messages
// ABOUTME: Covers command decoding, hello detection, and answer validation

package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_EncodeDecode(t *testing.T) {
	data, err := NewCommand("c1", ActionSnapshot).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"command","request_id":"c1","action":"snapshot"}`, string(data))

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, "c1", cmd.RequestID)
	assert.Equal(t, ActionSnapshot, cmd.Action)
}

func TestDecodeCommand_BareRequestID(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"request_id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCommand, cmd.Type)
	assert.Equal(t, ActionHistory, cmd.Action)
}

func TestDecodeCommand_Malformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"type":"command"}`,
		`{"type":"hello","request_id":"x"}`,
		`[]`,
	}
	for _, in := range inputs {
		_, err := DecodeCommand([]byte(in))
		assert.True(t, errors.Is(err, ErrMalformed), "input %q: got %v", in, err)
	}
}

func TestDecodeHello(t *testing.T) {
	data, err := NewHello("box-1", "1.2.3").Encode()
	require.NoError(t, err)

	h, ok := DecodeHello(data)
	require.True(t, ok)
	assert.Equal(t, "box-1", h.Hostname)
	assert.Equal(t, "1.2.3", h.Version)

	_, ok = DecodeHello([]byte("hello everyone"))
	assert.False(t, ok)

	_, ok = DecodeHello([]byte(`{"type":"command","request_id":"x"}`))
	assert.False(t, ok)
}

func TestValidateAnswer(t *testing.T) {
	assert.NoError(t, ValidateAnswer([]byte(`{"cpu":12.5}`)))
	assert.NoError(t, ValidateAnswer([]byte(`[[1700000000,3.5]]`)))

	assert.ErrorIs(t, ValidateAnswer(nil), ErrMalformed)
	assert.ErrorIs(t, ValidateAnswer([]byte(`{"cpu":`)), ErrMalformed)
}

func TestChatLine(t *testing.T) {
	assert.Equal(t, "<User#3>: hi", ChatLine(3, "hi"))
}
