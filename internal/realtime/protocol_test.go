package realtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMaxCommandBytes = 4096

func parseErrCode(t *testing.T, raw string, maxBytes int) string {
	t.Helper()

	_, err := ParseCommand([]byte(raw), maxBytes)
	require.Error(t, err)

	protocolErr := &ProtocolError{}
	require.ErrorAs(t, err, &protocolErr)

	return protocolErr.Code
}

func TestParseSubscribeCommand(t *testing.T) {
	command, err := ParseCommand([]byte(`{"op":"subscribe","conversation_ids":["c1","c2"]}`), testMaxCommandBytes)
	require.NoError(t, err)

	subscribe, ok := command.(*SubscribeCommand)
	require.True(t, ok)
	require.Equal(t, []string{"c1", "c2"}, subscribe.ConversationIDs)
}

func TestParseUnsubscribeCommand(t *testing.T) {
	command, err := ParseCommand([]byte(`{"op":"unsubscribe","conversation_ids":["c1"]}`), testMaxCommandBytes)
	require.NoError(t, err)

	unsubscribe, ok := command.(*UnsubscribeCommand)
	require.True(t, ok)
	require.Equal(t, []string{"c1"}, unsubscribe.ConversationIDs)
}

func TestParsePingCommand(t *testing.T) {
	command, err := ParseCommand([]byte(`{"op":"ping","ts":1712345678}`), testMaxCommandBytes)
	require.NoError(t, err)

	ping, ok := command.(*PingCommand)
	require.True(t, ok)
	require.NotNil(t, ping.Ts)
	require.Equal(t, int64(1712345678), *ping.Ts)

	command, err = ParseCommand([]byte(`{"op":"ping"}`), testMaxCommandBytes)
	require.NoError(t, err)

	ping, ok = command.(*PingCommand)
	require.True(t, ok)
	require.Nil(t, ping.Ts)
}

func TestParseRejectsOversizedFrame(t *testing.T) {
	raw := `{"op":"ping","ts":1}`
	code := parseErrCode(t, raw, len(raw)-1)
	require.Equal(t, CodeInvalidCommand, code)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	require.Equal(t, CodeInvalidCommand, parseErrCode(t, `{"op":`, testMaxCommandBytes))
	require.Equal(t, CodeInvalidCommand, parseErrCode(t, `"just a string"`, testMaxCommandBytes))
	require.Equal(t, CodeInvalidCommand, parseErrCode(t, `{"op":"ping"}{"op":"ping"}`, testMaxCommandBytes))
}

func TestParseRejectsUnknownOp(t *testing.T) {
	require.Equal(t, CodeInvalidCommand, parseErrCode(t, `{"op":"shout"}`, testMaxCommandBytes))
	require.Equal(t, CodeInvalidCommand, parseErrCode(t, `{}`, testMaxCommandBytes))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	require.Equal(t, CodeInvalidCommand,
		parseErrCode(t, `{"op":"ping","extra":true}`, testMaxCommandBytes))
}

func TestParseRejectsCrossCommandFields(t *testing.T) {
	require.Equal(t, CodeInvalidCommand,
		parseErrCode(t, `{"op":"subscribe","conversation_ids":["c1"],"ts":1}`, testMaxCommandBytes))
	require.Equal(t, CodeInvalidCommand,
		parseErrCode(t, `{"op":"ping","conversation_ids":["c1"]}`, testMaxCommandBytes))
}

func TestParseLargeButAllowedFrame(t *testing.T) {
	raw := `{"op":"subscribe","conversation_ids":["` + strings.Repeat("a", 100) + `"]}`
	_, err := ParseCommand([]byte(raw), testMaxCommandBytes)
	require.NoError(t, err)
}
