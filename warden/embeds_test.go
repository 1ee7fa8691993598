package warden

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMuteCase(createdAt time.Time, duration time.Duration) *ModerationCase {
	return &ModerationCase{
		ModelUnixTime: ModelUnixTime{CreatedAt: createdAt.UnixMilli()},
		GuildID:       "guild-a",
		CaseNumber:    1,
		Kind:          ActionMute,
		UserID:        "100001",
		Username:      "target",
		ModeratorID:   "200001",
		Reason:        "being loud",
		Duration:      &Duration{Duration: duration},
		ExpiresAt:     createdAt.Add(duration).UnixMilli(),
	}
}

func durationField(
	t testing.TB,
	rec *ModerationCase,
) string {
	t.Helper()
	embed := caseEmbed(rec)
	for _, field := range embed.Fields {
		if field.Name == "Duration" {
			return field.Value
		}
	}
	t.Fatal("embed has no duration field")
	return ""
}

func TestCaseEmbed_ActiveDuration(t *testing.T) {
	t.Parallel()
	rec := testMuteCase(time.Now(), time.Hour)
	assert.Equal(t, "1 hour", durationField(t, rec))
}

func TestCaseEmbed_ExpiredDuration(t *testing.T) {
	t.Parallel()
	rec := testMuteCase(time.Now().Add(-2*time.Hour), time.Hour)
	assert.Equal(t, "1 hour (expired)", durationField(t, rec))
}

func TestHelpEmbed_ChunksFields(t *testing.T) {
	t.Parallel()

	var lines []string
	for i := 0; i < helpFieldLines+5; i++ {
		lines = append(lines, fmt.Sprintf("`;cmd%d`: does thing %d", i, i))
	}

	embed := helpEmbed(lines)
	require.Len(t, embed.Fields, 2)
	assert.Contains(t, embed.Fields[0].Value, "cmd0")
	assert.Contains(t, embed.Fields[1].Value, fmt.Sprintf("cmd%d", helpFieldLines))
}
