package enrich

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourlytics/poipipe/internal/model"
)

const goodReply = `{
	"scenic_level": "5A",
	"alternate_name": null,
	"coordinates": "116.397,39.917",
	"ticket_price": "60",
	"opening_hours": "08:30-17:00"
}`

func TestParseReplyPlainJSON(t *testing.T) {
	attrs, err := ParseReply(goodReply)
	require.NoError(t, err)
	assert.Equal(t, "5A", *attrs.ScenicLevel)
	assert.Nil(t, attrs.AlternateName)
}

func TestParseReplyFencedJSON(t *testing.T) {
	for _, raw := range []string{
		"```json\n" + goodReply + "\n```",
		"```\n" + goodReply + "\n```",
		"  ```json" + goodReply + "```  ",
	} {
		attrs, err := ParseReply(raw)
		require.NoError(t, err, "raw: %q", raw)
		assert.Equal(t, "60", *attrs.TicketPrice)
	}
}

func TestParseReplyScalarVariety(t *testing.T) {
	attrs, err := ParseReply(`{
		"scenic_level": "5A",
		"coordinates": [116.397, 39.917],
		"ticket_price": 60,
		"opening_hours": "08:30-17:00"
	}`)
	require.NoError(t, err)
	assert.Equal(t, "116.397,39.917", *attrs.Coordinates)
	assert.Equal(t, "60", *attrs.TicketPrice)
}

func TestParseReplyMissingMinimumFields(t *testing.T) {
	_, err := ParseReply(`{"scenic_level": "5A"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLLMTransient), "below-gate replies are retried")
	assert.True(t, errors.Is(err, model.ErrMissingFields) || strings.Contains(err.Error(), "minimum"))
}

func TestParseReplyGarbage(t *testing.T) {
	_, err := ParseReply("I am sorry, I cannot help with that.")
	assert.Error(t, err)

	_, err = ParseReply("")
	assert.Error(t, err)
}

func TestUserPromptNamesPOI(t *testing.T) {
	p := userPrompt("北京", "故宫")
	assert.Contains(t, p, "故宫")
	assert.Contains(t, p, "北京")
	assert.Contains(t, p, "scenic_level")
	assert.Contains(t, p, "cultural_relic_protection_unit")
}
