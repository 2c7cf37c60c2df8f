package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validParams() *SendMessageParams {
	return &SendMessageParams{
		ConversationID:  "c1",
		SenderID:        "u1",
		ClientMessageID: "m1",
		Content:         "hi",
	}
}

func TestSendMessageParamsValidate(t *testing.T) {
	require.NoError(t, validParams().Validate())

	params := validParams()
	params.ConversationID = ""
	require.ErrorIs(t, params.Validate(), ErrConversationIDRequired)

	params = validParams()
	params.SenderID = ""
	require.ErrorIs(t, params.Validate(), ErrSenderIDRequired)

	params = validParams()
	params.ClientMessageID = ""
	require.ErrorIs(t, params.Validate(), ErrClientMessageIDRequired)

	params = validParams()
	params.ClientMessageID = strings.Repeat("x", MaxClientMessageIDRunes+1)
	require.ErrorIs(t, params.Validate(), ErrClientMessageIDTooLong)

	params = validParams()
	params.Content = ""
	require.ErrorIs(t, params.Validate(), ErrContentRequired)

	params = validParams()
	params.Content = strings.Repeat("x", MaxContentRunes+1)
	require.ErrorIs(t, params.Validate(), ErrContentTooLong)
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	short := "hello"
	require.Equal(t, short, Preview(short))

	long := strings.Repeat("é", PreviewMaxRunes+50)
	preview := Preview(long)
	require.Equal(t, strings.Repeat("é", PreviewMaxRunes), preview)
}
