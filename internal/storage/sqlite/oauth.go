package sqlite

import (
	"context"
	"database/sql"

	routex "github.com/dctx-team/routex/internal"
)

const oauthCols = `id, channel_id, provider, access_token, refresh_token, expires_at, scopes, user_info, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, sess *routex.OAuthSession) error {
	scopes, err := marshalJSON(sess.Scopes)
	if err != nil {
		return err
	}
	var userInfo sql.NullString
	if len(sess.UserInfo) > 0 {
		userInfo = sql.NullString{String: string(sess.UserInfo), Valid: true}
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO oauth_sessions (`+oauthCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullStr(sess.ChannelID), sess.Provider, sess.AccessToken,
		sess.RefreshToken, sess.ExpiresAt, scopes, userInfo,
		sess.CreatedAt, sess.UpdatedAt,
	)
	return conflictErr(err, "oauth session")
}

func (s *Store) GetSession(ctx context.Context, id string) (*routex.OAuthSession, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+oauthCols+` FROM oauth_sessions WHERE id=?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context) ([]*routex.OAuthSession, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+oauthCols+` FROM oauth_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*routex.OAuthSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, sess *routex.OAuthSession) error {
	scopes, err := marshalJSON(sess.Scopes)
	if err != nil {
		return err
	}
	var userInfo sql.NullString
	if len(sess.UserInfo) > 0 {
		userInfo = sql.NullString{String: string(sess.UserInfo), Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE oauth_sessions SET channel_id=?, provider=?, access_token=?,
		 refresh_token=?, expires_at=?, scopes=?, user_info=?, updated_at=?
		 WHERE id=?`,
		nullStr(sess.ChannelID), sess.Provider, sess.AccessToken,
		sess.RefreshToken, sess.ExpiresAt, scopes, userInfo, routex.NowMillis(),
		sess.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func scanSession(sc scanner) (*routex.OAuthSession, error) {
	var sess routex.OAuthSession
	var channelID, scopes, userInfo sql.NullString

	err := sc.Scan(&sess.ID, &channelID, &sess.Provider, &sess.AccessToken,
		&sess.RefreshToken, &sess.ExpiresAt, &scopes, &userInfo,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	sess.ChannelID = channelID.String
	if err := unmarshalInto(scopes, &sess.Scopes); err != nil {
		return nil, err
	}
	if userInfo.Valid {
		sess.UserInfo = []byte(userInfo.String)
	}
	return &sess, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
