package warden

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// helpFieldLines is how many command lines go into each embed field of
// the help listing.
const helpFieldLines = 10

// caseEmbed renders the mod log embed for a case. The same renderer is
// used for the initial post and for re-renders after a reason or
// duration patch, so the embed always reflects the current row.
func caseEmbed(rec *ModerationCase) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name: fmt.Sprintf(
				"Case %d | %s | %s",
				rec.CaseNumber,
				rec.Kind.Title(),
				rec.Username,
			),
		},
		Color: rec.Kind.Color(),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "User",
				Value: fmt.Sprintf(
					"<@%s> (`%s`)", rec.UserID, rec.UserID,
				),
				Inline: true,
			},
			{
				Name: "Moderator",
				Value: fmt.Sprintf(
					"<@%s> (`%s`)", rec.ModeratorID, rec.ModeratorID,
				),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("User ID: %s", rec.UserID),
		},
		Timestamp: time.UnixMilli(rec.CreatedAt).UTC().Format(time.RFC3339),
	}

	reason := rec.Reason
	if reason == "" {
		reason = "No reason given"
	}
	embed.Fields = append(
		embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Reason",
			Value: truncate(reason, discordMaxEmbedFieldLength),
		},
	)

	if rec.Duration != nil {
		durationValue := humanizeDuration(rec.Duration.Duration)
		if rec.Expired() {
			durationValue += " (expired)"
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:   "Duration",
				Value:  durationValue,
				Inline: true,
			},
		)
	}

	return embed
}

// helpEmbed renders the command listing for the `help` command,
// chunked into fields to stay under the per-field length cap.
func helpEmbed(lines []string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Commands",
		Color: 0x95A5A6,
	}
	for _, chunk := range chunkItems(helpFieldLines, lines...) {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name: "​",
				Value: truncate(
					strings.Join(chunk, "\n"), discordMaxEmbedFieldLength,
				),
			},
		)
	}
	return embed
}

// caseSummaryEmbed renders a compact embed for the `case` command reply.
func caseSummaryEmbed(rec *ModerationCase) *discordgo.MessageEmbed {
	embed := caseEmbed(rec)
	if rec.LogMessageID == "" {
		return embed
	}
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf(
			"User ID: %s | Log message: %s", rec.UserID, rec.LogMessageID,
		),
	}
	return embed
}

// caseListEmbed renders a list of cases, newest first, for the
// `warns` command reply.
func caseListEmbed(
	title string,
	cases []ModerationCase,
) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: title,
		Color: 0x95A5A6,
	}
	if len(cases) == 0 {
		embed.Description = "No cases found."
		return embed
	}

	// embeds cap out at 25 fields
	display := cases
	if len(display) > 25 {
		display = display[:25]
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Showing 25 of %d cases", len(cases)),
		}
	}
	for i := range display {
		rec := display[i]
		reason := rec.Reason
		if reason == "" {
			reason = "No reason given"
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name: fmt.Sprintf(
					"Case %d | %s | <t:%d:R>",
					rec.CaseNumber,
					rec.Kind.Title(),
					time.UnixMilli(rec.CreatedAt).Unix(),
				),
				Value: truncate(reason, discordMaxEmbedFieldLength),
			},
		)
	}
	return embed
}

// modStatsEmbed renders per-window action counts for the
// `modstats` command.
func modStatsEmbed(
	moderator *discordgo.User,
	counts map[string]map[ActionKind]int,
	windows []string,
) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Moderation stats for %s", moderator.Username),
		Color: 0x3498DB,
	}
	for _, window := range windows {
		kindCounts := counts[window]
		total := 0
		body := ""
		for _, kind := range []ActionKind{
			ActionWarn, ActionMute, ActionUnmute, ActionKick, ActionBan, ActionUnban,
		} {
			n := kindCounts[kind]
			if n == 0 {
				continue
			}
			total += n
			body += fmt.Sprintf("%s: %d\n", kind.Title(), n)
		}
		if body == "" {
			body = "No actions"
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:   fmt.Sprintf("%s (%d)", window, total),
				Value:  body,
				Inline: true,
			},
		)
	}
	return embed
}

// dmNotificationText is the direct message sent to a user before an
// action is taken against them.
func dmNotificationText(guildName string, req ActionRequest) string {
	msg := fmt.Sprintf(
		"You have been %s in **%s**", req.Kind.PastTense(), guildName,
	)
	if req.Duration != nil {
		msg += fmt.Sprintf(" for %s", humanizeDuration(*req.Duration))
	}
	if req.Reason != "" {
		msg += fmt.Sprintf("\n**Reason:** %s", req.Reason)
	}
	return msg
}
