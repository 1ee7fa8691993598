package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// commandHandler executes a single text command invocation.
type commandHandler func(ctx context.Context, inv *Invocation) error

// textCommand declares a prefix command: its name, argument
// expectations, the Discord permission the invoker needs, and the
// handler that runs it.
type textCommand struct {
	// Name is the lowercase token that invokes the command.
	Name string

	// Usage is the argument signature shown in error replies,
	// e.g. "mute <user> <duration> [reason]".
	Usage string

	Description string

	// MinArgs is the minimum argument count. Invocations with fewer
	// args get a usage reply without the handler running.
	MinArgs int

	// Permission is the Discord permission bit(s) the invoker needs.
	// Zero means no permission check.
	Permission int64

	Handler commandHandler
}

// Invocation carries one parsed command invocation through its handler.
type Invocation struct {
	w       *Warden
	message *discordgo.MessageCreate
	command *textCommand
	args    []string
	logger  *slog.Logger
}

// GuildID returns the guild the command was invoked in.
func (inv *Invocation) GuildID() string {
	return inv.message.GuildID
}

// reply sends a plain text reply to the invoking message.
func (inv *Invocation) reply(content string) {
	_, err := inv.w.discord.session.ChannelMessageSendReply(
		inv.message.ChannelID,
		content,
		inv.message.Reference(),
	)
	if err != nil {
		inv.logger.Error("error sending reply", tint.Err(err))
	}
}

// replyf sends a formatted text reply to the invoking message.
func (inv *Invocation) replyf(format string, args ...any) {
	inv.reply(fmt.Sprintf(format, args...))
}

// replyEmbed sends an embed reply in the invoking channel.
func (inv *Invocation) replyEmbed(embed *discordgo.MessageEmbed) {
	_, err := inv.w.discord.session.ChannelMessageSendEmbed(
		inv.message.ChannelID,
		embed,
	)
	if err != nil {
		inv.logger.Error("error sending embed reply", tint.Err(err))
	}
}

// replyUsage sends the command's usage line.
func (inv *Invocation) replyUsage() {
	inv.replyf("Usage: `%s%s`", inv.w.prefixFor(inv.message.GuildID), inv.command.Usage)
}

// targetUser resolves the user argument at the given position, hitting
// the API to confirm the ID refers to a real user.
func (inv *Invocation) targetUser(argIndex int) (*discordgo.User, error) {
	if argIndex >= len(inv.args) {
		return nil, validationErrorf("missing user")
	}
	userID, ok := parseUserToken(inv.args[argIndex])
	if !ok {
		return nil, validationErrorf(
			"couldn't parse %q as a user", inv.args[argIndex],
		)
	}
	user, err := inv.w.discord.session.User(userID)
	if err != nil {
		return nil, classifyDiscordError(err)
	}
	return user, nil
}

// restArgs joins the arguments from the given position into a single
// string, for trailing free-text arguments like reasons.
func (inv *Invocation) restArgs(from int) string {
	if from >= len(inv.args) {
		return ""
	}
	return strings.TrimSpace(strings.Join(inv.args[from:], " "))
}

// CommandRouter parses incoming messages into command invocations and
// runs them. The command set is fixed at startup; registration problems
// are an error at construction, not at dispatch.
type CommandRouter struct {
	commands map[string]*textCommand
	logger   *slog.Logger
	w        *Warden
}

// newCommandRouter builds the router with the bot's full command set
// and validates the registry.
func newCommandRouter(w *Warden) (*CommandRouter, error) {
	r := &CommandRouter{
		commands: map[string]*textCommand{},
		logger:   w.logger.With(loggerNameKey, "command_router"),
		w:        w,
	}
	for _, cmd := range w.textCommands() {
		if err := r.register(cmd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *CommandRouter) register(cmd *textCommand) error {
	switch {
	case cmd.Name == "":
		return errors.New("command has no name")
	case cmd.Name != strings.ToLower(cmd.Name):
		return fmt.Errorf("command name %q must be lowercase", cmd.Name)
	case strings.ContainsAny(cmd.Name, " \t"):
		return fmt.Errorf("command name %q contains whitespace", cmd.Name)
	case cmd.Handler == nil:
		return fmt.Errorf("command %q has no handler", cmd.Name)
	case cmd.Usage == "":
		return fmt.Errorf("command %q has no usage", cmd.Name)
	}
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("duplicate command name %q", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// commandList returns the registered commands sorted by name.
func (r *CommandRouter) commandList() []*textCommand {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*textCommand, 0, len(names))
	for _, name := range names {
		out = append(out, r.commands[name])
	}
	return out
}

// Dispatch parses a message against the guild's prefix and runs the
// matching command. Messages that aren't commands, and unknown command
// names, are ignored.
func (r *CommandRouter) Dispatch(
	ctx context.Context,
	m *discordgo.MessageCreate,
	prefix string,
) {
	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, prefix) {
		return
	}
	fields := strings.Fields(content[len(prefix):])
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	cmd, ok := r.commands[name]
	if !ok {
		r.logger.DebugContext(
			ctx, "ignoring unknown command", "name", name,
		)
		return
	}

	log := r.logger.With(
		"command", cmd.Name,
		"guild_id", m.GuildID,
		"author_id", m.Author.ID,
		"message_id", m.ID,
	)

	inv := &Invocation{
		w:       r.w,
		message: m,
		command: cmd,
		args:    fields[1:],
		logger:  log,
	}

	if cmd.Permission != 0 {
		perms, err := r.w.discord.session.UserChannelPermissions(
			m.Author.ID, m.ChannelID,
		)
		if err != nil {
			log.ErrorContext(ctx, "error checking permissions", tint.Err(err))
			inv.reply("Couldn't verify your permissions, try again.")
			return
		}
		if perms&cmd.Permission == 0 && perms&discordgo.PermissionAdministrator == 0 {
			inv.reply("You don't have permission to do that.")
			return
		}
	}

	if len(inv.args) < cmd.MinArgs {
		inv.replyUsage()
		return
	}

	ctx = WithLogger(ctx, log)
	log.InfoContext(ctx, "dispatching command", "args", inv.args)

	if err := cmd.Handler(ctx, inv); err != nil {
		r.replyError(ctx, inv, err)
	}
}

// replyError maps a handler error onto the user-facing reply for it.
func (r *CommandRouter) replyError(
	ctx context.Context,
	inv *Invocation,
	err error,
) {
	var validationErr *ValidationError
	var permissionErr *PermissionError
	var transientErr *TransientError

	switch {
	case errors.As(err, &validationErr):
		inv.replyf(
			"%s\nUsage: `%s%s`",
			validationErr.Message,
			r.w.prefixFor(inv.message.GuildID),
			inv.command.Usage,
		)
	case errors.As(err, &permissionErr):
		inv.reply("I don't have permission to do that.")
	case errors.Is(err, ErrCaseNotFound):
		inv.reply("No case with that number.")
	case errors.Is(err, ErrTargetNotFound):
		inv.reply("Couldn't find that user or channel.")
	case errors.As(err, &transientErr):
		inv.logger.WarnContext(ctx, "command failed on transient error", tint.Err(err))
		inv.reply("Discord's having trouble right now, try again in a moment.")
	case errors.Is(err, ErrCaseConflict):
		inv.logger.ErrorContext(ctx, "case number conflict", tint.Err(err))
		inv.reply("Something went wrong recording that action.")
	default:
		inv.logger.ErrorContext(ctx, "command failed", tint.Err(err))
		inv.reply("Something went wrong.")
	}
}
