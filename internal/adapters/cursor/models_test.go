package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawBubble(t *testing.T) {
	b, err := ParseRawBubble("bubbleId:composer1:bubble1", `{"text":"Hello","type":1,"timestamp":1700000000000}`)
	require.NoError(t, err)
	assert.Equal(t, "composer1", b.ChatID)
	assert.Equal(t, "bubble1", b.BubbleID)
	assert.Equal(t, "Hello", b.Text)
	assert.Equal(t, bubbleUser, b.Type)
}

func TestParseRawBubble_ColonInBubbleID(t *testing.T) {
	b, err := ParseRawBubble("bubbleId:composer1:a:b", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "a:b", b.BubbleID)
}

func TestParseRawBubble_Invalid(t *testing.T) {
	_, err := ParseRawBubble("bubbleId:only", `{}`)
	assert.Error(t, err)
	_, err = ParseRawBubble("composerData:x", `{}`)
	assert.Error(t, err)
	_, err = ParseRawBubble("bubbleId:c:b", `{not json`)
	assert.Error(t, err)
}

func TestParseRawComposer(t *testing.T) {
	c, err := ParseRawComposer("composerData:composer1", `{"name":"Chat","createdAt":1700000000000,"lastUpdatedAt":"2023-11-14T22:13:21Z","isArchived":true}`)
	require.NoError(t, err)
	assert.Equal(t, "composer1", c.ComposerID)
	assert.Equal(t, "Chat", c.Name)
	assert.Equal(t, int64(1700000000000), c.CreatedAt.Millis())
	assert.Equal(t, int64(1700000001000), c.LastUpdatedAt.Millis())
	assert.True(t, c.IsArchived)

	_, err = ParseRawComposer("composerData:", `{}`)
	assert.Error(t, err)
}

func TestParseMessageContext(t *testing.T) {
	c, err := ParseMessageContext("messageRequestContext:composer1:ctx1", `{"projectLayouts":["/src/app"]}`)
	require.NoError(t, err)
	assert.Equal(t, "composer1", c.ComposerID)
	assert.Equal(t, "ctx1", c.ContextID)
	assert.Equal(t, []string{"/src/app"}, c.ProjectLayouts)
}

func TestLikeEscape(t *testing.T) {
	assert.Equal(t, `bubbleId:a\_b\%c\\:`, likeEscape(`bubbleId:a_b%c\:`))
}
