package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"download-gateway/download/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS attachments (
    id BIGINT NOT NULL PRIMARY KEY,
    path VARCHAR(1024) NOT NULL DEFAULT '',
    public_url VARCHAR(1024) NOT NULL DEFAULT '',
    filename VARCHAR(255) NOT NULL DEFAULT '',
    mime_type VARCHAR(255) NOT NULL DEFAULT '',
    size BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS versions (
    id BIGINT NOT NULL PRIMARY KEY,
    item_id BIGINT NOT NULL,
    attachment_id BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'active',
    uploaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    download_count BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS mod_stats (
    item_id BIGINT NOT NULL PRIMARY KEY,
    downloads BIGINT NOT NULL DEFAULT 0,
    likes BIGINT NOT NULL DEFAULT 0,
    views BIGINT NOT NULL DEFAULT 0,
    rating_average DOUBLE PRECISION NOT NULL DEFAULT 0,
    rating_count BIGINT NOT NULL DEFAULT 0,
    latest_version_id BIGINT NOT NULL DEFAULT 0
)`,
	// item_meta é o caminho de leitura legado: valores por chave, como texto.
	`CREATE TABLE IF NOT EXISTS item_meta (
    item_id BIGINT NOT NULL,
    meta_key VARCHAR(64) NOT NULL,
    meta_value VARCHAR(64) NOT NULL,
    PRIMARY KEY (item_id, meta_key)
)`,
}

// SQLStore é o Durable Counter Store e o Version Lookup sobre database/sql.
// Suporta SQLite, Postgres e MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLStore valida o dialeto e cria as tabelas que faltarem.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := driverName(dialect); err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if s.dialect != DialectMySQL {
		if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_versions_item_id ON versions(item_id)`); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind troca ? por $n no Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// castInt tipa parâmetros usados dentro de CASE (o Postgres não infere).
func (s *SQLStore) castInt() string {
	if s.dialect == DialectMySQL {
		return "CAST(? AS SIGNED)"
	}
	return "CAST(? AS BIGINT)"
}

// upsert monta o sufixo de conflito por item_id do dialeto. sets recebe o
// nome da coluna e as expressões do valor atual (cur) e do proposto (next).
func (s *SQLStore) upsert(cols []string, sets func(col, cur, next string) string) string {
	parts := make([]string, len(cols))
	switch s.dialect {
	case DialectMySQL:
		for i, c := range cols {
			parts[i] = c + " = " + sets(c, c, "VALUES("+c+")")
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(parts, ", ")
	case DialectPostgres:
		// sem qualificar, o Postgres acusa referência ambígua
		for i, c := range cols {
			parts[i] = c + " = " + sets(c, "mod_stats."+c, "EXCLUDED."+c)
		}
	default:
		for i, c := range cols {
			parts[i] = c + " = " + sets(c, c, "excluded."+c)
		}
	}
	return " ON CONFLICT (item_id) DO UPDATE SET " + strings.Join(parts, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func fieldColumn(f domain.Field) (string, error) {
	if _, err := domain.ParseField(string(f)); err != nil {
		return "", err
	}
	return string(f), nil
}

// Version implementa domain.VersionLookup.
func (s *SQLStore) Version(ctx context.Context, id int64) (domain.VersionRecord, error) {
	var (
		v      domain.VersionRecord
		status string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, item_id, attachment_id, status, uploaded_at, download_count FROM versions WHERE id = ?`), id).
		Scan(&v.ID, &v.ItemID, &v.AttachmentID, &status, &v.UploadedAt, &v.DownloadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VersionRecord{}, fmt.Errorf("%w: version %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.VersionRecord{}, fmt.Errorf("%w: query version: %v", domain.ErrStorageFailure, err)
	}
	v.Status = domain.VersionStatus(status)
	if v.Status == domain.VersionRemoved {
		return domain.VersionRecord{}, fmt.Errorf("%w: version %d", domain.ErrGone, id)
	}
	return v, nil
}

// Attachment implementa domain.VersionLookup.
func (s *SQLStore) Attachment(ctx context.Context, id int64) (domain.Attachment, error) {
	var a domain.Attachment
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, path, public_url, filename, mime_type, size FROM attachments WHERE id = ?`), id).
		Scan(&a.ID, &a.Path, &a.PublicURL, &a.Filename, &a.MimeType, &a.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attachment{}, fmt.Errorf("%w: attachment %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("%w: query attachment: %v", domain.ErrStorageFailure, err)
	}
	return a, nil
}

// SaveVersion grava (ou substitui) uma versão e seu anexo.
func (s *SQLStore) SaveVersion(ctx context.Context, v domain.VersionRecord, a domain.Attachment) error {
	if v.Status == "" {
		v.Status = domain.VersionActive
	}
	if v.UploadedAt.IsZero() {
		v.UploadedAt = s.now()
	}
	v.AttachmentID = a.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []struct {
		query string
		args  []any
	}{
		{`DELETE FROM attachments WHERE id = ?`, []any{a.ID}},
		{`INSERT INTO attachments (id, path, public_url, filename, mime_type, size) VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{a.ID, a.Path, a.PublicURL, a.Filename, a.MimeType, a.Size}},
		{`DELETE FROM versions WHERE id = ?`, []any{v.ID}},
		{`INSERT INTO versions (id, item_id, attachment_id, status, uploaded_at, download_count) VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{v.ID, v.ItemID, v.AttachmentID, string(v.Status), v.UploadedAt.UTC(), v.DownloadCount}},
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q.query), q.args...); err != nil {
			return fmt.Errorf("save version %d: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

const statsColumns = `item_id, downloads, likes, views, rating_average, rating_count, latest_version_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(r scanner) (domain.ModStatsRow, error) {
	var row domain.ModStatsRow
	err := r.Scan(&row.ItemID, &row.Downloads, &row.Likes, &row.Views, &row.RatingAverage, &row.RatingCount, &row.LatestVersionID)
	return row, err
}

func (s *SQLStore) Stats(ctx context.Context, itemID int64) (domain.ModStatsRow, bool, error) {
	row, err := scanStats(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+statsColumns+` FROM mod_stats WHERE item_id = ?`), itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModStatsRow{}, false, nil
	}
	if err != nil {
		return domain.ModStatsRow{}, false, err
	}
	return row, true, nil
}

func (s *SQLStore) StatsMany(ctx context.Context, itemIDs []int64) (map[int64]domain.ModStatsRow, error) {
	out := make(map[int64]domain.ModStatsRow, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+statsColumns+` FROM mod_stats WHERE item_id IN (`+placeholders(len(args))+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		row, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out[row.ItemID] = row
	}
	return out, rows.Err()
}

func (s *SQLStore) SetField(ctx context.Context, itemID int64, field domain.Field, value float64) error {
	col, err := fieldColumn(field)
	if err != nil {
		return err
	}
	var arg any = value
	if !field.IsFloat() {
		arg = int64(value)
	}
	query := `INSERT INTO mod_stats (item_id, ` + col + `) VALUES (?, ?)` +
		s.upsert([]string{col}, func(_, _, next string) string { return next })
	_, err = s.db.ExecContext(ctx, s.rebind(query), itemID, arg)
	return err
}

// IncrementField soma amount numa transação e devolve o valor gravado.
func (s *SQLStore) IncrementField(ctx context.Context, itemID int64, field domain.Field, amount int64) (float64, error) {
	col, err := fieldColumn(field)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `INSERT INTO mod_stats (item_id, ` + col + `) VALUES (?, ?)` +
		s.upsert([]string{col}, func(_, cur, next string) string { return cur + " + " + next })
	if _, err := tx.ExecContext(ctx, s.rebind(query), itemID, amount); err != nil {
		return 0, err
	}
	var v float64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT `+col+` FROM mod_stats WHERE item_id = ?`), itemID).Scan(&v); err != nil {
		return 0, err
	}
	return v, tx.Commit()
}

// ApplyDownloads grava uma flush com um comando por tabela:
// UPDATE ... CASE id para versões e upsert multi-linha para itens.
func (s *SQLStore) ApplyDownloads(ctx context.Context, batch domain.DownloadBatch) error {
	if batch.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(batch.Versions) > 0 {
		ids := sortedIDs(batch.Versions)
		var (
			cases strings.Builder
			args  = make([]any, 0, len(ids)*3)
		)
		for _, id := range ids {
			cases.WriteString(" WHEN " + s.castInt() + " THEN " + s.castInt())
			args = append(args, id, batch.Versions[id])
		}
		for _, id := range ids {
			args = append(args, id)
		}
		query := `UPDATE versions SET download_count = download_count + CASE id` + cases.String() +
			` ELSE 0 END WHERE id IN (` + placeholders(len(ids)) + `)`
		if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
			return fmt.Errorf("update version counters: %w", err)
		}
	}

	if len(batch.Items) > 0 {
		ids := sortedIDs(batch.Items)
		values := make([]string, len(ids))
		args := make([]any, 0, len(ids)*3)
		for i, id := range ids {
			d := batch.Items[id]
			values[i] = "(?, ?, ?)"
			args = append(args, id, d.Downloads, d.LatestVersionID)
		}
		query := `INSERT INTO mod_stats (item_id, downloads, latest_version_id) VALUES ` + strings.Join(values, ", ") +
			s.upsert([]string{"downloads", "latest_version_id"}, func(col, cur, next string) string {
				if col == "downloads" {
					return cur + " + " + next
				}
				return "CASE WHEN " + next + " <> 0 THEN " + next + " ELSE " + cur + " END"
			})
		if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
			return fmt.Errorf("upsert item counters: %w", err)
		}
	}
	return tx.Commit()
}

// MirrorStat implementa domain.LegacyMirror gravando em item_meta.
func (s *SQLStore) MirrorStat(ctx context.Context, itemID int64, field domain.Field, value float64) error {
	if _, err := fieldColumn(field); err != nil {
		return err
	}
	text := strconv.FormatFloat(value, 'f', -1, 64)

	var query string
	if s.dialect == DialectMySQL {
		query = `INSERT INTO item_meta (item_id, meta_key, meta_value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE meta_value = VALUES(meta_value)`
	} else {
		query = `INSERT INTO item_meta (item_id, meta_key, meta_value) VALUES (?, ?, ?) ON CONFLICT (item_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value`
	}
	_, err := s.db.ExecContext(ctx, s.rebind(query), itemID, "stat_"+string(field), text)
	return err
}

// LegacyStat lê o valor espelhado em item_meta.
func (s *SQLStore) LegacyStat(ctx context.Context, itemID int64, field domain.Field) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT meta_value FROM item_meta WHERE item_id = ? AND meta_key = ?`), itemID, "stat_"+string(field)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func sortedIDs[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
