package warden

import (
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var (
	columnGuildConfigPrefix          = "prefix"
	columnGuildConfigModLogChannelID = "mod_log_channel_id"
	columnGuildConfigCaseCounter     = "case_counter"

	columnCaseGuildID      = "guild_id"
	columnCaseNumber       = "case_number"
	columnCaseKind         = "kind"
	columnCaseUserID       = "user_id"
	columnCaseModeratorID  = "moderator_id"
	columnCaseReason       = "reason"
	columnCaseDuration     = "duration"
	columnCaseExpiresAt    = "expires_at"
	columnCaseLogChannelID = "log_channel_id"
	columnCaseLogMessageID = "log_message_id"
)

// ActionKind identifies the kind of moderation action a case records.
type ActionKind string

const (
	ActionWarn   ActionKind = "warn"
	ActionMute   ActionKind = "mute"
	ActionUnmute ActionKind = "unmute"
	ActionKick   ActionKind = "kick"
	ActionBan    ActionKind = "ban"
	ActionUnban  ActionKind = "unban"
)

// Valid reports whether k is a recognized action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionWarn, ActionMute, ActionUnmute, ActionKick, ActionBan, ActionUnban:
		return true
	default:
		return false
	}
}

// Title returns the capitalized display name used in embeds.
func (k ActionKind) Title() string {
	switch k {
	case ActionWarn:
		return "Warn"
	case ActionMute:
		return "Mute"
	case ActionUnmute:
		return "Unmute"
	case ActionKick:
		return "Kick"
	case ActionBan:
		return "Ban"
	case ActionUnban:
		return "Unban"
	default:
		return string(k)
	}
}

// PastTense returns the verb form used in DM notifications
// ("you have been muted").
func (k ActionKind) PastTense() string {
	switch k {
	case ActionWarn:
		return "warned"
	case ActionMute:
		return "muted"
	case ActionUnmute:
		return "unmuted"
	case ActionKick:
		return "kicked"
	case ActionBan:
		return "banned"
	case ActionUnban:
		return "unbanned"
	default:
		return string(k)
	}
}

// Color returns the embed accent color for this action kind.
func (k ActionKind) Color() int {
	switch k {
	case ActionWarn:
		return 0xF1C40F
	case ActionMute:
		return 0xE67E22
	case ActionUnmute:
		return 0x2ECC71
	case ActionKick:
		return 0xE74C3C
	case ActionBan:
		return 0x992D22
	case ActionUnban:
		return 0x3498DB
	default:
		return 0x95A5A6
	}
}

// Temporal reports whether the action carries a duration.
func (k ActionKind) Temporal() bool {
	return k == ActionMute
}

// MemberScoped reports whether the action only makes sense against a
// current guild member. Bans work on users who already left, and
// unbans target non-members by definition.
func (k ActionKind) MemberScoped() bool {
	switch k {
	case ActionWarn, ActionMute, ActionUnmute, ActionKick:
		return true
	default:
		return false
	}
}

// ModelUnixTime is an embeddable model with Unix timestamps, in
// milliseconds, for creation and update. Moderation records are never
// deleted, so there's no deletion timestamp.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// GuildConfig holds per-guild bot settings and the guild's case number
// counter. A row is created lazily the first time a guild needs one.
//
// CaseCounter is only ever advanced via an atomic in-transaction
// increment; see CaseLedger.AllocateCase.
type GuildConfig struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	ModelUnixTime

	// Prefix is the command prefix for this guild.
	Prefix string `gorm:"not null" json:"prefix"`

	// ModLogChannelID is the channel case embeds are posted to. Empty
	// means no mod log is configured and embed posting is skipped.
	ModLogChannelID string `json:"mod_log_channel_id"`

	// CaseCounter is the highest case number allocated for this guild.
	CaseCounter int64 `gorm:"not null;default:0" json:"case_counter"`
}

// NewGuildConfig returns a GuildConfig with default settings for the
// given guild.
func NewGuildConfig(guildID string) *GuildConfig {
	return &GuildConfig{
		GuildID: guildID,
		Prefix:  DefaultCommandPrefix,
	}
}

func (GuildConfig) TableName() string {
	return "guild_configs"
}

// LogValue implements slog.LogValuer.
func (g GuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("prefix", g.Prefix),
		slog.String("mod_log_channel_id", g.ModLogChannelID),
		slog.Int64("case_counter", g.CaseCounter),
	)
}

// ModerationCase is the permanent record of a single moderation action.
// Rows are append-only: reason and duration may be patched, nothing is
// ever deleted.
//
// GuildID and CaseNumber form a unique pair. Within a guild, case
// numbers form the contiguous sequence 1..N in allocation order.
type ModerationCase struct {
	ModelUintID
	ModelUnixTime

	GuildID    string     `gorm:"uniqueIndex:idx_case_guild_number;not null" json:"guild_id"`
	CaseNumber int64      `gorm:"uniqueIndex:idx_case_guild_number;not null" json:"case_number"`
	Kind       ActionKind `gorm:"not null" json:"kind"`

	// UserID is the target of the action.
	UserID   string `gorm:"index;not null" json:"user_id"`
	Username string `json:"username"`

	ModeratorID       string `gorm:"index;not null" json:"moderator_id"`
	ModeratorUsername string `json:"moderator_username"`

	Reason string `json:"reason"`

	// Duration is set for temporal actions (mutes). ExpiresAt is the
	// corresponding expiry timestamp in unix milliseconds.
	Duration  *Duration `json:"duration,omitempty"`
	ExpiresAt int64     `json:"expires_at,omitempty"`

	// DMSent records whether the target was notified by direct message
	// before the action was taken.
	DMSent bool `json:"dm_sent"`

	// LogChannelID/LogMessageID reference the mod log embed for this
	// case, if one was posted. Both are empty when the embed send
	// failed or no mod log was configured.
	LogChannelID string `json:"log_channel_id"`
	LogMessageID string `json:"log_message_id"`
}

func (ModerationCase) TableName() string {
	return "moderation_cases"
}

// LogValue implements slog.LogValuer.
func (c ModerationCase) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(c.ID)),
		slog.String("guild_id", c.GuildID),
		slog.Int64("case_number", c.CaseNumber),
		slog.String("kind", string(c.Kind)),
		slog.String("user_id", c.UserID),
		slog.String("moderator_id", c.ModeratorID),
	}
	if c.Duration != nil {
		attrs = append(attrs, slog.Duration("duration", c.Duration.Duration))
	}
	return slog.GroupValue(attrs...)
}

// Expired reports whether a temporal case has lapsed.
func (c ModerationCase) Expired() bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return time.Now().UnixMilli() >= c.ExpiresAt
}

// newModerationCase builds an unsaved case row from an executed action.
// The case number must already have been allocated.
func newModerationCase(
	caseNumber int64,
	req ActionRequest,
) *ModerationCase {
	c := &ModerationCase{
		GuildID:           req.GuildID,
		CaseNumber:        caseNumber,
		Kind:              req.Kind,
		UserID:            req.Target.ID,
		Username:          req.Target.Username,
		ModeratorID:       req.Moderator.ID,
		ModeratorUsername: req.Moderator.Username,
		Reason:            req.Reason,
	}
	if req.Duration != nil {
		c.Duration = &Duration{Duration: *req.Duration}
		c.ExpiresAt = time.Now().Add(*req.Duration).UnixMilli()
	}
	return c
}

// caseByNumber fetches a single case row. Returns ErrCaseNotFound when
// no row exists.
func caseByNumber(
	db *gorm.DB,
	guildID string,
	caseNumber int64,
) (*ModerationCase, error) {
	var rec ModerationCase
	err := db.Where(
		"guild_id = ? AND case_number = ?", guildID, caseNumber,
	).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return &rec, nil
}
