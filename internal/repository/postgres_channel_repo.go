package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/convoke/internal/model"
)

// PostgresChannelRepo はPostgreSQLを使用したコミュニティ・チャンネル設定リポジトリ。
type PostgresChannelRepo struct {
	db *sql.DB
}

// NewPostgresChannelRepo はPostgresChannelRepoを生成する。
func NewPostgresChannelRepo(db *sql.DB) *PostgresChannelRepo {
	return &PostgresChannelRepo{db: db}
}

// FindChannel は指定IDのチャンネル設定を取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindChannel(ctx context.Context, xid int64) (*model.Channel, error) {
	channel := &model.Channel{}
	var extra sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT xid, guild_xid, name, default_seats, default_format, default_bracket,
		        default_service, require_verification, delete_expired, extra,
		        created_at, updated_at
		 FROM channels WHERE xid = $1`,
		xid,
	).Scan(
		&channel.XID, &channel.GuildXID, &channel.Name,
		&channel.DefaultSeats, &channel.DefaultFormat, &channel.DefaultBracket,
		&channel.DefaultService, &channel.RequireVerification, &channel.DeleteExpired,
		&extra, &channel.CreatedAt, &channel.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネル設定の取得に失敗しました: %w", err)
	}
	channel.Extra = nullStringValue(extra)
	return channel, nil
}

// FindGuild は指定IDのコミュニティ設定を取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindGuild(ctx context.Context, xid int64) (*model.Guild, error) {
	guild := &model.Guild{}
	var prefix sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT xid, name, voice_create, voice_category_prefix, created_at, updated_at
		 FROM guilds WHERE xid = $1`,
		xid,
	).Scan(
		&guild.XID, &guild.Name, &guild.VoiceCreate, &prefix,
		&guild.CreatedAt, &guild.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コミュニティ設定の取得に失敗しました: %w", err)
	}
	guild.VoiceCategoryPrefix = nullStringValue(prefix)
	return guild, nil
}

// UpsertGuild はコミュニティ設定を作成または更新する。
func (r *PostgresChannelRepo) UpsertGuild(ctx context.Context, guild *model.Guild) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO guilds (xid, name, voice_create, voice_category_prefix)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (xid) DO UPDATE SET
		   name = EXCLUDED.name,
		   voice_create = EXCLUDED.voice_create,
		   voice_category_prefix = EXCLUDED.voice_category_prefix,
		   updated_at = now()`,
		guild.XID, guild.Name, guild.VoiceCreate, nullString(guild.VoiceCategoryPrefix),
	)
	if err != nil {
		return fmt.Errorf("コミュニティ設定の保存に失敗しました: %w", err)
	}
	return nil
}

// UpsertChannel はチャンネル設定を作成または更新する。
func (r *PostgresChannelRepo) UpsertChannel(ctx context.Context, channel *model.Channel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (xid, guild_xid, name, default_seats, default_format,
		                       default_bracket, default_service, require_verification,
		                       delete_expired, extra)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (xid) DO UPDATE SET
		   name = EXCLUDED.name,
		   default_seats = EXCLUDED.default_seats,
		   default_format = EXCLUDED.default_format,
		   default_bracket = EXCLUDED.default_bracket,
		   default_service = EXCLUDED.default_service,
		   require_verification = EXCLUDED.require_verification,
		   delete_expired = EXCLUDED.delete_expired,
		   extra = EXCLUDED.extra,
		   updated_at = now()`,
		channel.XID, channel.GuildXID, channel.Name,
		channel.DefaultSeats, channel.DefaultFormat, channel.DefaultBracket,
		channel.DefaultService, channel.RequireVerification, channel.DeleteExpired,
		nullString(channel.Extra),
	)
	if err != nil {
		return fmt.Errorf("チャンネル設定の保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ChannelRepository = (*PostgresChannelRepo)(nil)
