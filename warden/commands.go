package warden

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const maxPrefixLength = 5

// defaultMuteDuration applies when a mute is invoked without a
// duration argument.
const defaultMuteDuration = 10 * time.Minute

// maxSlowmodeSeconds is Discord's ceiling for a channel's rate limit
// per user.
const maxSlowmodeSeconds = 21600

// textCommands returns the bot's full command set. The router validates
// this at startup, so a malformed declaration fails the boot, not a
// user's invocation.
func (w *Warden) textCommands() []*textCommand {
	return []*textCommand{
		{
			Name:        "help",
			Usage:       "help [command]",
			Description: "List commands, or show one command's usage",
			Handler:     w.cmdHelp,
		},
		{
			Name:        "modlog",
			Usage:       "modlog [#channel|none]",
			Description: "Show, set or clear the mod log channel",
			Permission:  discordgo.PermissionManageServer,
			Handler:     w.cmdModLog,
		},
		{
			Name:        "prefix",
			Usage:       "prefix [prefix]",
			Description: "Show or set the command prefix for this server",
			Permission:  discordgo.PermissionManageServer,
			Handler:     w.cmdPrefix,
		},
		{
			Name:        "warn",
			Usage:       "warn <user> [reason]",
			Description: "Warn a user",
			MinArgs:     1,
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdWarn,
		},
		{
			Name:        "mute",
			Usage:       "mute <user> [duration] [reason]",
			Description: "Time out a user",
			MinArgs:     1,
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdMute,
		},
		{
			Name:        "unmute",
			Usage:       "unmute <user> [reason]",
			Description: "Remove a user's timeout",
			MinArgs:     1,
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdUnmute,
		},
		{
			Name:        "kick",
			Usage:       "kick <user> [reason]",
			Description: "Kick a user from the server",
			MinArgs:     1,
			Permission:  discordgo.PermissionKickMembers,
			Handler:     w.cmdKick,
		},
		{
			Name:        "ban",
			Usage:       "ban <user> [reason]",
			Description: "Ban a user from the server",
			MinArgs:     1,
			Permission:  discordgo.PermissionBanMembers,
			Handler:     w.cmdBan,
		},
		{
			Name:        "unban",
			Usage:       "unban <user> [reason]",
			Description: "Remove a user's ban",
			MinArgs:     1,
			Permission:  discordgo.PermissionBanMembers,
			Handler:     w.cmdUnban,
		},
		{
			Name:        "reason",
			Usage:       "reason <case> <reason>",
			Description: "Update the reason on a case",
			MinArgs:     2,
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdReason,
		},
		{
			Name:        "duration",
			Usage:       "duration <case> <duration>",
			Description: "Update the duration of a mute",
			MinArgs:     2,
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdDuration,
		},
		{
			Name:        "case",
			Usage:       "case <case>",
			Description: "Show a case",
			MinArgs:     1,
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdCase,
		},
		{
			Name:        "warns",
			Usage:       "warns <user>",
			Description: "List a user's warnings",
			MinArgs:     1,
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdWarns,
		},
		{
			Name:        "modstats",
			Usage:       "modstats [moderator]",
			Description: "Show action counts for a moderator",
			Permission:  discordgo.PermissionModerateMembers,
			Handler:     w.cmdModStats,
		},
		{
			Name:        "slowmode",
			Usage:       "slowmode <seconds|off> [#channel]",
			Description: "Set a channel's slowmode interval",
			MinArgs:     1,
			Permission:  discordgo.PermissionManageChannels,
			Handler:     w.cmdSlowmode,
		},
		{
			Name:        "lock",
			Usage:       "lock [#channel]",
			Description: "Stop @everyone from sending messages in a channel",
			Permission:  discordgo.PermissionManageChannels,
			Handler:     w.cmdLock,
		},
		{
			Name:        "unlock",
			Usage:       "unlock [#channel]",
			Description: "Let @everyone send messages in a channel again",
			Permission:  discordgo.PermissionManageChannels,
			Handler:     w.cmdUnlock,
		},
		{
			Name:        "purge",
			Usage:       "purge <count>",
			Description: "Bulk delete recent messages in this channel",
			MinArgs:     1,
			Permission:  discordgo.PermissionManageMessages,
			Handler:     w.cmdPurge,
		},
	}
}

// cmdHelp lists the command set, or shows a single command's usage.
func (w *Warden) cmdHelp(_ context.Context, inv *Invocation) error {
	prefix := w.prefixFor(inv.GuildID())

	if len(inv.args) > 0 {
		name := strings.ToLower(inv.args[0])
		cmd, ok := w.router.commands[name]
		if !ok {
			return validationErrorf("no command named %q", name)
		}
		inv.replyf("`%s%s`: %s", prefix, cmd.Usage, cmd.Description)
		return nil
	}

	lines := make([]string, 0, len(w.router.commands))
	for _, cmd := range w.router.commandList() {
		lines = append(
			lines,
			fmt.Sprintf("`%s%s`: %s", prefix, cmd.Usage, cmd.Description),
		)
	}
	inv.replyEmbed(helpEmbed(lines))
	return nil
}

// runAction executes a moderation action from a command invocation and
// sends the confirmation reply.
func (w *Warden) runAction(
	ctx context.Context,
	inv *Invocation,
	kind ActionKind,
	reasonFrom int,
	duration *time.Duration,
) error {
	target, err := inv.targetUser(0)
	if err != nil {
		return err
	}

	req := ActionRequest{
		GuildID:   inv.GuildID(),
		GuildName: w.guildName(inv.GuildID()),
		ChannelID: inv.message.ChannelID,
		Kind:      kind,
		Target:    target,
		Moderator: inv.message.Author,
		Reason:    inv.restArgs(reasonFrom),
		Duration:  duration,
	}

	rec, err := w.executor.Execute(ctx, req)
	if err != nil {
		return err
	}

	inv.replyf(
		"**%s** has been %s. (Case %d)",
		target.Username,
		kind.PastTense(),
		rec.CaseNumber,
	)
	return nil
}

func (w *Warden) cmdWarn(ctx context.Context, inv *Invocation) error {
	return w.runAction(ctx, inv, ActionWarn, 1, nil)
}

// cmdMute times the target out. The second argument is taken as the
// duration when it parses as one, otherwise it starts the reason and
// the default applies.
func (w *Warden) cmdMute(ctx context.Context, inv *Invocation) error {
	duration := defaultMuteDuration
	reasonFrom := 1
	if len(inv.args) > 1 {
		if d, err := parseActionDuration(inv.args[1]); err == nil {
			if d > w.executor.maxTimeout {
				return validationErrorf(
					"duration can't exceed %s",
					humanizeDuration(w.executor.maxTimeout),
				)
			}
			duration = d
			reasonFrom = 2
		}
	}
	return w.runAction(ctx, inv, ActionMute, reasonFrom, &duration)
}

func (w *Warden) cmdUnmute(ctx context.Context, inv *Invocation) error {
	return w.runAction(ctx, inv, ActionUnmute, 1, nil)
}

func (w *Warden) cmdKick(ctx context.Context, inv *Invocation) error {
	return w.runAction(ctx, inv, ActionKick, 1, nil)
}

func (w *Warden) cmdBan(ctx context.Context, inv *Invocation) error {
	return w.runAction(ctx, inv, ActionBan, 1, nil)
}

func (w *Warden) cmdUnban(ctx context.Context, inv *Invocation) error {
	return w.runAction(ctx, inv, ActionUnban, 1, nil)
}

func (w *Warden) cmdReason(ctx context.Context, inv *Invocation) error {
	caseNumber, err := parseCaseNumber(inv.args[0])
	if err != nil {
		return err
	}
	reason := inv.restArgs(1)

	rec, err := w.executor.PatchReason(ctx, inv.GuildID(), caseNumber, reason)
	if err != nil {
		return err
	}
	inv.replyf("Updated reason for case %d.", rec.CaseNumber)
	return nil
}

func (w *Warden) cmdDuration(ctx context.Context, inv *Invocation) error {
	caseNumber, err := parseCaseNumber(inv.args[0])
	if err != nil {
		return err
	}
	duration, err := parseTimeoutDuration(inv.args[1])
	if err != nil {
		return err
	}

	rec, err := w.executor.PatchDuration(
		ctx, inv.GuildID(), caseNumber, duration,
	)
	if err != nil {
		return err
	}
	inv.replyf(
		"Updated duration for case %d to %s.",
		rec.CaseNumber,
		humanizeDuration(duration),
	)
	return nil
}

func (w *Warden) cmdCase(ctx context.Context, inv *Invocation) error {
	caseNumber, err := parseCaseNumber(inv.args[0])
	if err != nil {
		return err
	}
	rec, err := w.caseLedger.GetCase(ctx, inv.GuildID(), caseNumber)
	if err != nil {
		return err
	}
	inv.replyEmbed(caseSummaryEmbed(rec))
	return nil
}

func (w *Warden) cmdWarns(ctx context.Context, inv *Invocation) error {
	target, err := inv.targetUser(0)
	if err != nil {
		return err
	}
	cases, err := w.caseLedger.CasesForUser(
		ctx, inv.GuildID(), target.ID, ActionWarn,
	)
	if err != nil {
		return err
	}
	inv.replyEmbed(
		caseListEmbed(
			fmt.Sprintf("Warnings for %s", target.Username),
			cases,
		),
	)
	return nil
}

var modStatsWindows = []struct {
	label string
	age   time.Duration
}{
	{"Last 7 days", 7 * 24 * time.Hour},
	{"Last 30 days", 30 * 24 * time.Hour},
	{"All time", 0},
}

func (w *Warden) cmdModStats(ctx context.Context, inv *Invocation) error {
	moderator := inv.message.Author
	if len(inv.args) > 0 {
		target, err := inv.targetUser(0)
		if err != nil {
			return err
		}
		moderator = target
	}

	counts := map[string]map[ActionKind]int{}
	windows := make([]string, 0, len(modStatsWindows))
	for _, window := range modStatsWindows {
		var since int64
		if window.age > 0 {
			since = time.Now().Add(-window.age).UnixMilli()
		}
		cases, err := w.caseLedger.CasesByModerator(
			ctx, inv.GuildID(), moderator.ID, since,
		)
		if err != nil {
			return err
		}
		kindCounts := map[ActionKind]int{}
		for i := range cases {
			kindCounts[cases[i].Kind]++
		}
		counts[window.label] = kindCounts
		windows = append(windows, window.label)
	}

	inv.replyEmbed(modStatsEmbed(moderator, counts, windows))
	return nil
}

func (w *Warden) cmdModLog(ctx context.Context, inv *Invocation) error {
	if len(inv.args) == 0 {
		cfg, _, err := w.writeDB.GetOrCreateGuildConfig(ctx, inv.GuildID())
		if err != nil {
			return err
		}
		if cfg.ModLogChannelID == "" {
			inv.reply("No mod log channel is set.")
		} else {
			inv.replyf("Mod log channel is <#%s>.", cfg.ModLogChannelID)
		}
		return nil
	}

	arg := strings.ToLower(inv.args[0])
	if arg == "none" || arg == "off" {
		if _, err := w.updateGuildConfig(
			ctx,
			inv.GuildID(),
			map[string]any{columnGuildConfigModLogChannelID: ""},
		); err != nil {
			return err
		}
		inv.reply("Mod log disabled.")
		return nil
	}

	channelID, ok := parseChannelToken(inv.args[0])
	if !ok {
		return validationErrorf(
			"couldn't parse %q as a channel", inv.args[0],
		)
	}
	channel, err := w.discord.session.Channel(channelID)
	if err != nil {
		return classifyDiscordError(err)
	}
	if channel.GuildID != inv.GuildID() {
		return validationErrorf("that channel isn't in this server")
	}

	if _, err = w.updateGuildConfig(
		ctx,
		inv.GuildID(),
		map[string]any{columnGuildConfigModLogChannelID: channel.ID},
	); err != nil {
		return err
	}
	inv.replyf("Mod log channel set to <#%s>.", channel.ID)
	return nil
}

func (w *Warden) cmdPrefix(ctx context.Context, inv *Invocation) error {
	if len(inv.args) == 0 {
		inv.replyf("Prefix is `%s`.", w.prefixFor(inv.GuildID()))
		return nil
	}

	prefix := inv.args[0]
	switch {
	case len(prefix) > maxPrefixLength:
		return validationErrorf(
			"prefix can't be longer than %d characters", maxPrefixLength,
		)
	case strings.HasPrefix(prefix, "<"):
		// mention-style prefixes conflict with discord markup
		return validationErrorf("prefix can't start with %q", "<")
	}

	if _, err := w.updateGuildConfig(
		ctx,
		inv.GuildID(),
		map[string]any{columnGuildConfigPrefix: prefix},
	); err != nil {
		return err
	}
	inv.replyf("Prefix set to `%s`.", prefix)
	return nil
}

func (w *Warden) cmdSlowmode(ctx context.Context, inv *Invocation) error {
	var seconds int
	arg := strings.ToLower(inv.args[0])
	if arg != "off" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return validationErrorf(
				"couldn't parse %q as a number of seconds", inv.args[0],
			)
		}
		if n > maxSlowmodeSeconds {
			return validationErrorf(
				"slowmode can't exceed %d seconds", maxSlowmodeSeconds,
			)
		}
		seconds = n
	}

	channelID := inv.message.ChannelID
	if len(inv.args) > 1 {
		parsed, ok := parseChannelToken(inv.args[1])
		if !ok {
			return validationErrorf(
				"couldn't parse %q as a channel", inv.args[1],
			)
		}
		channelID = parsed
	}

	_, err := w.discord.session.ChannelEdit(
		channelID,
		&discordgo.ChannelEdit{RateLimitPerUser: &seconds},
	)
	if err != nil {
		return classifyDiscordError(err)
	}

	if seconds == 0 {
		inv.replyf("Slowmode disabled in <#%s>.", channelID)
	} else {
		inv.replyf(
			"Slowmode in <#%s> set to %s.",
			channelID,
			humanizeDuration(time.Duration(seconds)*time.Second),
		)
	}
	return nil
}

func (w *Warden) cmdLock(ctx context.Context, inv *Invocation) error {
	return w.setChannelLock(ctx, inv, true)
}

func (w *Warden) cmdUnlock(ctx context.Context, inv *Invocation) error {
	return w.setChannelLock(ctx, inv, false)
}

// setChannelLock toggles the @everyone send-messages overwrite on a
// channel, preserving any other allow/deny bits on the overwrite.
func (w *Warden) setChannelLock(
	_ context.Context,
	inv *Invocation,
	lock bool,
) error {
	channelID := inv.message.ChannelID
	if len(inv.args) > 0 {
		parsed, ok := parseChannelToken(inv.args[0])
		if !ok {
			return validationErrorf(
				"couldn't parse %q as a channel", inv.args[0],
			)
		}
		channelID = parsed
	}

	channel, err := w.discord.session.Channel(channelID)
	if err != nil {
		return classifyDiscordError(err)
	}

	// the @everyone role shares the guild's ID
	everyoneID := inv.GuildID()
	var allow, deny int64
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.ID == everyoneID &&
			overwrite.Type == discordgo.PermissionOverwriteTypeRole {
			allow = overwrite.Allow
			deny = overwrite.Deny
			break
		}
	}

	if lock {
		allow &^= discordgo.PermissionSendMessages
		deny |= discordgo.PermissionSendMessages
	} else {
		deny &^= discordgo.PermissionSendMessages
	}

	err = w.discord.session.ChannelPermissionSet(
		channelID,
		everyoneID,
		discordgo.PermissionOverwriteTypeRole,
		allow,
		deny,
	)
	if err != nil {
		return classifyDiscordError(err)
	}

	if lock {
		inv.replyf("<#%s> is now locked.", channelID)
	} else {
		inv.replyf("<#%s> is unlocked.", channelID)
	}
	return nil
}

func (w *Warden) cmdPurge(ctx context.Context, inv *Invocation) error {
	count, err := strconv.Atoi(inv.args[0])
	if err != nil || count < 1 {
		return validationErrorf(
			"couldn't parse %q as a message count", inv.args[0],
		)
	}
	if count > w.config.Moderation.MaxPurge {
		return validationErrorf(
			"can't purge more than %d messages at once",
			w.config.Moderation.MaxPurge,
		)
	}

	// fetch one extra so the invoking message goes too
	fetch := count + 1
	if fetch > discordMaxBulkDeleteMessages {
		fetch = discordMaxBulkDeleteMessages
	}
	messages, err := w.discord.session.ChannelMessages(
		inv.message.ChannelID, fetch, "", "", "",
	)
	if err != nil {
		return classifyDiscordError(err)
	}

	cutoff := time.Now().Add(-discordBulkDeleteMaxAge)
	var deletable []string
	for _, msg := range messages {
		if msg.Pinned {
			continue
		}
		if msg.Timestamp.Before(cutoff) {
			// bulk delete rejects messages older than two weeks
			continue
		}
		deletable = append(deletable, msg.ID)
	}
	if len(deletable) == 0 {
		inv.reply("Nothing to delete.")
		return nil
	}

	if err = w.discord.session.ChannelMessagesBulkDelete(
		inv.message.ChannelID, deletable,
	); err != nil {
		return classifyDiscordError(err)
	}

	deleted := len(deletable) - 1
	if deleted < 1 {
		deleted = len(deletable)
	}
	inv.replyf("Deleted %d messages.", deleted)
	return nil
}

func parseCaseNumber(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, validationErrorf("couldn't parse %q as a case number", s)
	}
	return n, nil
}
