package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/convoke/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// Upsert はユーザーを作成または更新する。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (xid, name, banned)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (xid) DO UPDATE SET
		   name = EXCLUDED.name,
		   banned = EXCLUDED.banned,
		   updated_at = now()`,
		user.XID, user.Name, user.Banned,
	)
	if err != nil {
		return fmt.Errorf("ユーザーの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByXID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByXID(ctx context.Context, xid int64) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT xid, name, banned, created_at, updated_at FROM users WHERE xid = $1`,
		xid,
	).Scan(&user.XID, &user.Name, &user.Banned, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

// FindByXIDs は指定IDのユーザーを一括取得する。
func (r *PostgresUserRepo) FindByXIDs(ctx context.Context, xids []int64) ([]*model.User, error) {
	if len(xids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT xid, name, banned, created_at, updated_at
		 FROM users WHERE xid = ANY($1) ORDER BY xid`,
		pq.Array(xids),
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの一括取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user := &model.User{}
		if err := rows.Scan(&user.XID, &user.Name, &user.Banned, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ユーザーの読み取りに失敗しました: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザーの走査に失敗しました: %w", err)
	}

	return users, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
