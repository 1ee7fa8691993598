package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// ActionRequest describes a moderation action to execute.
type ActionRequest struct {
	GuildID   string
	GuildName string

	// ChannelID is the channel the triggering command was invoked in.
	ChannelID string

	Kind      ActionKind
	Target    *discordgo.User
	Moderator *discordgo.User
	Reason    string

	// Duration is required for mutes and rejected for other kinds.
	Duration *time.Duration
}

// Executor runs moderation actions end to end: notify the target,
// perform the platform action, record the case, and post the mod log
// embed.
//
// Ordering is strict in one direction: a case row is only written after
// the platform action succeeded. The mod log embed is best-effort; a
// failed send never rolls back the action or the case.
type Executor struct {
	session DiscordSessionHandler
	ledger  *CaseLedger
	db      DBI
	logger  *slog.Logger

	// modLogLimiter paces outbound mod log embed posts and DMs.
	modLogLimiter *rate.Limiter

	retryBackoff time.Duration

	// maxTimeout caps mute durations, never above the platform's own
	// timeout ceiling.
	maxTimeout time.Duration

	metricActionsExecuted atomic.Int64
	metricActionRetries   atomic.Int64
}

// NewExecutor creates an Executor. If limiter is nil, outbound embed
// posts aren't paced.
func NewExecutor(
	session DiscordSessionHandler,
	ledger *CaseLedger,
	db DBI,
	limiter *rate.Limiter,
	retryBackoff time.Duration,
	maxTimeout time.Duration,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if retryBackoff <= 0 {
		retryBackoff = DefaultRetryBackoff
	}
	if maxTimeout <= 0 || maxTimeout > MaxTimeoutDuration {
		maxTimeout = MaxTimeoutDuration
	}
	return &Executor{
		session:       session,
		ledger:        ledger,
		db:            db,
		logger:        logger.With(loggerNameKey, "executor"),
		modLogLimiter: limiter,
		retryBackoff:  retryBackoff,
		maxTimeout:    maxTimeout,
	}
}

// Execute validates and runs a moderation action, returning the
// recorded case.
func (e *Executor) Execute(
	ctx context.Context,
	req ActionRequest,
) (*ModerationCase, error) {
	if err := e.validateRequest(req); err != nil {
		return nil, err
	}

	log := e.logger.With(
		"guild_id", req.GuildID,
		"kind", req.Kind,
		"target_id", req.Target.ID,
		"moderator_id", req.Moderator.ID,
	)
	ctx = WithLogger(ctx, log)

	if req.Kind.MemberScoped() {
		if err := e.resolveMember(ctx, req); err != nil {
			log.WarnContext(ctx, "target is not a guild member", tint.Err(err))
			return nil, err
		}
	}

	// Notify the target first: once they're kicked or banned the bot
	// no longer shares a guild with them and the DM would bounce.
	dmSent := e.notifyTarget(ctx, req)

	if err := e.performAction(ctx, req); err != nil {
		log.WarnContext(ctx, "action failed, no case recorded", tint.Err(err))
		return nil, err
	}
	e.metricActionsExecuted.Add(1)

	caseNumber, err := e.ledger.AllocateCase(ctx, req.GuildID)
	if err != nil {
		return nil, fmt.Errorf("error allocating case number: %w", err)
	}

	rec := newModerationCase(caseNumber, req)
	rec.DMSent = dmSent
	if err = e.ledger.CreateCase(ctx, rec); err != nil {
		return nil, fmt.Errorf("error recording case: %w", err)
	}

	e.postLogEmbed(ctx, rec)

	return rec, nil
}

// PatchReason updates a case's reason and re-renders its mod log embed.
func (e *Executor) PatchReason(
	ctx context.Context,
	guildID string,
	caseNumber int64,
	reason string,
) (*ModerationCase, error) {
	rec, err := e.ledger.PatchReason(ctx, guildID, caseNumber, reason)
	if err != nil {
		return nil, err
	}
	e.rerenderLogEmbed(ctx, rec)
	return rec, nil
}

// PatchDuration updates a mute's duration, re-applies the member
// timeout with the new expiry, and re-renders the mod log embed.
//
// The new expiry is anchored to the case's creation time, not the time
// of the edit. An expiry already in the past clears the timeout.
func (e *Executor) PatchDuration(
	ctx context.Context,
	guildID string,
	caseNumber int64,
	duration time.Duration,
) (*ModerationCase, error) {
	existing, err := e.ledger.GetCase(ctx, guildID, caseNumber)
	if err != nil {
		return nil, err
	}
	if !existing.Kind.Temporal() {
		return nil, validationErrorf(
			"case %d is a %s, only mutes have an editable duration",
			caseNumber,
			existing.Kind,
		)
	}
	if duration > e.maxTimeout {
		return nil, validationErrorf(
			"duration can't exceed %s", humanizeDuration(e.maxTimeout),
		)
	}

	expiresAt := time.UnixMilli(existing.CreatedAt).Add(duration)

	// re-apply the timeout before touching the row, mirroring the
	// action-before-record ordering of Execute
	var until *time.Time
	if expiresAt.After(time.Now()) {
		until = &expiresAt
	}
	timeoutErr := e.withRetry(
		ctx, func() error {
			return classifyDiscordError(
				e.session.GuildMemberTimeout(guildID, existing.UserID, until),
			)
		},
	)
	if timeoutErr != nil {
		return nil, timeoutErr
	}

	rec, err := e.ledger.PatchDuration(
		ctx,
		guildID,
		caseNumber,
		Duration{Duration: duration},
		expiresAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	e.rerenderLogEmbed(ctx, rec)
	return rec, nil
}

// resolveMember confirms the target is currently a member of the
// guild. Actions on members (warn, mute, unmute, kick) require this;
// bans and unbans work on users who aren't in the guild.
func (e *Executor) resolveMember(ctx context.Context, req ActionRequest) error {
	err := e.withRetry(
		ctx, func() error {
			_, memberErr := e.session.GuildMember(req.GuildID, req.Target.ID)
			return classifyDiscordError(memberErr)
		},
	)
	if errors.Is(err, ErrTargetNotFound) {
		return fmt.Errorf(
			"%s isn't in this server: %w", req.Target.Username, ErrTargetNotFound,
		)
	}
	return err
}

// performAction executes the platform side of a moderation action,
// retrying once on transient failures.
func (e *Executor) performAction(ctx context.Context, req ActionRequest) error {
	return e.withRetry(
		ctx, func() error {
			return classifyDiscordError(e.applyAction(req))
		},
	)
}

// applyAction makes a single attempt at the platform action for the
// request's kind. Warnings have no platform side; the record is the
// action.
func (e *Executor) applyAction(req ActionRequest) error {
	auditReason := discordgo.WithAuditLogReason(
		fmt.Sprintf("Case by %s: %s", req.Moderator.Username, req.Reason),
	)
	switch req.Kind {
	case ActionWarn:
		return nil
	case ActionMute:
		until := time.Now().Add(*req.Duration)
		return e.session.GuildMemberTimeout(
			req.GuildID, req.Target.ID, &until, auditReason,
		)
	case ActionUnmute:
		return e.session.GuildMemberTimeout(
			req.GuildID, req.Target.ID, nil, auditReason,
		)
	case ActionKick:
		return e.session.GuildMemberDeleteWithReason(
			req.GuildID, req.Target.ID, req.Reason,
		)
	case ActionBan:
		return e.session.GuildBanCreateWithReason(
			req.GuildID, req.Target.ID, req.Reason, 0,
		)
	case ActionUnban:
		return e.session.GuildBanDelete(req.GuildID, req.Target.ID, auditReason)
	default:
		return validationErrorf("unknown action kind: %q", req.Kind)
	}
}

func (e *Executor) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	e.metricActionRetries.Add(1)

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = e.logger
	}
	log.WarnContext(
		ctx,
		"transient discord error, retrying",
		tint.Err(err),
		"backoff", e.retryBackoff,
	)

	select {
	case <-time.After(e.retryBackoff):
	case <-ctx.Done():
		return err
	}
	return fn()
}

// notifyTarget DMs the target about the action. Failures (closed DMs,
// blocked bot, no shared guild) are expected and only logged.
func (e *Executor) notifyTarget(ctx context.Context, req ActionRequest) bool {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = e.logger
	}

	if req.Target.Bot {
		return false
	}

	if e.modLogLimiter != nil {
		if err := e.modLogLimiter.Wait(ctx); err != nil {
			return false
		}
	}

	channel, err := e.session.UserChannelCreate(req.Target.ID)
	if err != nil {
		log.InfoContext(ctx, "couldn't open DM channel", tint.Err(err))
		return false
	}
	_, err = e.session.ChannelMessageSend(
		channel.ID,
		dmNotificationText(req.GuildName, req),
	)
	if err != nil {
		log.InfoContext(ctx, "couldn't DM target", tint.Err(err))
		return false
	}
	return true
}

// postLogEmbed posts the case embed to the guild's mod log channel, if
// one is configured, and records the message reference on the case.
func (e *Executor) postLogEmbed(ctx context.Context, rec *ModerationCase) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = e.logger
	}

	config, _, err := e.db.GetOrCreateGuildConfig(ctx, rec.GuildID)
	if err != nil {
		log.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		return
	}
	if config.ModLogChannelID == "" {
		return
	}

	if e.modLogLimiter != nil {
		if waitErr := e.modLogLimiter.Wait(ctx); waitErr != nil {
			return
		}
	}

	msg, err := e.session.ChannelMessageSendEmbed(
		config.ModLogChannelID,
		caseEmbed(rec),
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error posting mod log embed",
			tint.Err(err),
			"mod_log_channel_id", config.ModLogChannelID,
		)
		return
	}

	updated, err := e.ledger.SetLogMessage(
		ctx, rec.GuildID, rec.CaseNumber, msg.ChannelID, msg.ID,
	)
	if err != nil {
		log.ErrorContext(ctx, "error saving log message ref", tint.Err(err))
		return
	}
	rec.LogChannelID = updated.LogChannelID
	rec.LogMessageID = updated.LogMessageID
}

// rerenderLogEmbed edits a case's mod log embed in place after a patch.
// Best-effort, like the original post.
func (e *Executor) rerenderLogEmbed(ctx context.Context, rec *ModerationCase) {
	if rec.LogChannelID == "" || rec.LogMessageID == "" {
		return
	}

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = e.logger
	}

	if e.modLogLimiter != nil {
		if waitErr := e.modLogLimiter.Wait(ctx); waitErr != nil {
			return
		}
	}

	_, err := e.session.ChannelMessageEditEmbed(
		rec.LogChannelID,
		rec.LogMessageID,
		caseEmbed(rec),
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error re-rendering mod log embed",
			append([]any{tint.Err(err)}, caseLogAttrs(*rec)...)...,
		)
	}
}

func (e *Executor) validateRequest(req ActionRequest) error {
	switch {
	case req.GuildID == "":
		return validationErrorf("missing guild ID")
	case req.Target == nil || req.Target.ID == "":
		return validationErrorf("missing target user")
	case req.Moderator == nil || req.Moderator.ID == "":
		return validationErrorf("missing moderator")
	case !req.Kind.Valid():
		return validationErrorf("unknown action kind: %q", req.Kind)
	case req.Kind.Temporal() && req.Duration == nil:
		return validationErrorf("%s requires a duration", req.Kind)
	case !req.Kind.Temporal() && req.Duration != nil:
		return validationErrorf("%s doesn't take a duration", req.Kind)
	case req.Duration != nil && *req.Duration <= 0:
		return validationErrorf("duration must be positive")
	case req.Duration != nil && *req.Duration > e.maxTimeout:
		return validationErrorf(
			"duration can't exceed %s",
			humanizeDuration(e.maxTimeout),
		)
	case req.Target.ID == req.Moderator.ID:
		return validationErrorf("you can't moderate yourself")
	}
	return nil
}
