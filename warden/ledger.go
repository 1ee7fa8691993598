package warden

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CaseLedger is the single log of moderation actions. It owns case
// number allocation and every read and write of ModerationCase rows.
//
// Case numbers are per-guild and allocated by atomically incrementing
// GuildConfig.CaseCounter inside a transaction, so concurrent
// allocations never produce duplicates or gaps. Rows are never deleted.
type CaseLedger struct {
	db     DBI
	logger *slog.Logger
}

// NewCaseLedger creates a CaseLedger backed by the given database.
func NewCaseLedger(db DBI, logger *slog.Logger) *CaseLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaseLedger{
		db:     db,
		logger: logger.With(loggerNameKey, "case_ledger"),
	}
}

// AllocateCase reserves and returns the next case number for a guild,
// creating the guild's config row if it doesn't exist yet.
//
// The returned number is permanently consumed even if the caller never
// writes a case row for it. A crash between allocation and CreateCase
// leaves a hole in the recorded cases, never a duplicate.
func (l *CaseLedger) AllocateCase(
	ctx context.Context,
	guildID string,
) (int64, error) {
	if guildID == "" {
		return 0, validationErrorf("missing guild ID")
	}
	var caseNumber int64
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "guild_id"}},
					DoNothing: true,
				},
			).Create(NewGuildConfig(guildID))
			if rv.Error != nil {
				return rv.Error
			}

			rv = tx.Model(&GuildConfig{}).Where(
				"guild_id = ?", guildID,
			).UpdateColumn(
				columnGuildConfigCaseCounter,
				gorm.Expr("case_counter + 1"),
			)
			if rv.Error != nil {
				return rv.Error
			}

			var config GuildConfig
			if err := tx.Where(
				"guild_id = ?", guildID,
			).Take(&config).Error; err != nil {
				return err
			}
			caseNumber = config.CaseCounter
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	l.logger.DebugContext(
		ctx,
		"allocated case number",
		"guild_id", guildID,
		"case_number", caseNumber,
	)
	return caseNumber, nil
}

// CreateCase records a moderation action under a previously allocated
// case number. Returns ErrCaseConflict if the guild/case number pair is
// already recorded.
func (l *CaseLedger) CreateCase(
	ctx context.Context,
	rec *ModerationCase,
) error {
	if rec.GuildID == "" || rec.CaseNumber <= 0 {
		return validationErrorf(
			"case requires a guild ID and a positive case number",
		)
	}
	if !rec.Kind.Valid() {
		return validationErrorf("unknown action kind: %q", rec.Kind)
	}

	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing ModerationCase
			checkErr := tx.Where(
				"guild_id = ? AND case_number = ?",
				rec.GuildID,
				rec.CaseNumber,
			).Take(&existing).Error
			if checkErr == nil {
				return ErrCaseConflict
			}
			if !errors.Is(checkErr, gorm.ErrRecordNotFound) {
				return checkErr
			}
			return tx.Create(rec).Error
		},
	)
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = ErrCaseConflict
		}
		if errors.Is(err, ErrCaseConflict) {
			// allocation should make this impossible
			l.logger.ErrorContext(
				ctx,
				"case number collision",
				caseLogAttrs(*rec)...,
			)
		}
		return err
	}

	l.logger.InfoContext(ctx, "recorded case", "case", rec)
	return nil
}

// GetCase returns the case with the given number for a guild, or
// ErrCaseNotFound.
func (l *CaseLedger) GetCase(
	ctx context.Context,
	guildID string,
	caseNumber int64,
) (*ModerationCase, error) {
	return caseByNumber(l.db.DB().WithContext(ctx), guildID, caseNumber)
}

// PatchReason updates a case's reason and returns the updated record.
// The previous reason is overwritten; full history lives in the mod log
// channel's edit history.
func (l *CaseLedger) PatchReason(
	ctx context.Context,
	guildID string,
	caseNumber int64,
	reason string,
) (*ModerationCase, error) {
	return l.patchCase(
		ctx, guildID, caseNumber, map[string]any{columnCaseReason: reason},
	)
}

// PatchDuration updates a temporal case's duration and expiry and
// returns the updated record.
func (l *CaseLedger) PatchDuration(
	ctx context.Context,
	guildID string,
	caseNumber int64,
	duration Duration,
	expiresAt int64,
) (*ModerationCase, error) {
	return l.patchCase(
		ctx, guildID, caseNumber, map[string]any{
			columnCaseDuration:  duration,
			columnCaseExpiresAt: expiresAt,
		},
	)
}

// SetLogMessage records the mod log embed reference for a case.
func (l *CaseLedger) SetLogMessage(
	ctx context.Context,
	guildID string,
	caseNumber int64,
	channelID string,
	messageID string,
) (*ModerationCase, error) {
	return l.patchCase(
		ctx, guildID, caseNumber, map[string]any{
			columnCaseLogChannelID: channelID,
			columnCaseLogMessageID: messageID,
		},
	)
}

func (l *CaseLedger) patchCase(
	ctx context.Context,
	guildID string,
	caseNumber int64,
	updates map[string]any,
) (*ModerationCase, error) {
	rows, err := l.db.UpdatesWhere(
		ctx,
		&ModerationCase{},
		updates,
		"guild_id = ? AND case_number = ?",
		guildID,
		caseNumber,
	)
	if err == nil && rows == 0 {
		err = ErrCaseNotFound
	}
	if err != nil {
		if !errors.Is(err, ErrCaseNotFound) {
			l.logger.ErrorContext(
				ctx,
				"error patching case",
				"guild_id", guildID,
				"case_number", caseNumber,
				tint.Err(err),
			)
		}
		return nil, err
	}
	return l.GetCase(ctx, guildID, caseNumber)
}

// CasesForUser returns every case recorded against a user in a guild,
// optionally filtered by kind, most recent first.
func (l *CaseLedger) CasesForUser(
	ctx context.Context,
	guildID string,
	userID string,
	kinds ...ActionKind,
) ([]ModerationCase, error) {
	q := l.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	)
	if len(kinds) > 0 {
		q = q.Where("kind IN ?", kinds)
	}
	var cases []ModerationCase
	err := q.Order("case_number desc").Find(&cases).Error
	return cases, err
}

// CasesByModerator returns cases recorded by a moderator in a guild
// since the given unix-milli timestamp.
func (l *CaseLedger) CasesByModerator(
	ctx context.Context,
	guildID string,
	moderatorID string,
	sinceMilli int64,
) ([]ModerationCase, error) {
	var cases []ModerationCase
	err := l.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND moderator_id = ? AND created_at >= ?",
		guildID,
		moderatorID,
		sinceMilli,
	).Order("case_number desc").Find(&cases).Error
	return cases, err
}

// CountGuildCases returns the number of cases recorded for a guild.
func (l *CaseLedger) CountGuildCases(
	ctx context.Context,
	guildID string,
) (int64, error) {
	var total int64
	err := l.db.DB().WithContext(ctx).Model(&ModerationCase{}).Where(
		"guild_id = ?", guildID,
	).Count(&total).Error
	return total, err
}

// GuildCases returns a page of a guild's cases ordered by case number,
// most recent first unless order is [Ascending].
func (l *CaseLedger) GuildCases(
	ctx context.Context,
	guildID string,
	limit int,
	offset int,
	order Sort,
) ([]ModerationCase, int64, error) {
	db := l.db.DB().WithContext(ctx)

	var total int64
	if err := db.Model(&ModerationCase{}).Where(
		"guild_id = ?", guildID,
	).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	orderBy := "case_number desc"
	if order == Ascending {
		orderBy = "case_number asc"
	}

	var cases []ModerationCase
	err := db.Where("guild_id = ?", guildID).
		Order(orderBy).
		Limit(limit).
		Offset(offset).
		Find(&cases).Error
	return cases, total, err
}
