package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// RecordStorage implements interfaces.RecordStore against either the
// metadata or episodes table. hasParentKey selects which column set and
// group-key shape applies (§3: "Metadata carries parent_key; Episodes does
// not").
type RecordStorage struct {
	db           *SQLiteDB
	logger       arbor.ILogger
	table        string
	hasParentKey bool
	useBase64    bool
}

// NewMetadataStorage constructs a RecordStorage bound to the metadata table.
// useBase64 mirrors §6's "use_base64" option: when set, json_text is stored
// base64-encoded at rest (legacy compatibility); canonicalization already
// happened upstream in the caller, before this layer ever sees the body.
func NewMetadataStorage(db *SQLiteDB, logger arbor.ILogger, useBase64 bool) *RecordStorage {
	return &RecordStorage{db: db, logger: logger, table: "metadata", hasParentKey: true, useBase64: useBase64}
}

// NewEpisodeStorage constructs a RecordStorage bound to the episodes table.
func NewEpisodeStorage(db *SQLiteDB, logger arbor.ILogger, useBase64 bool) *RecordStorage {
	return &RecordStorage{db: db, logger: logger, table: "episodes", hasParentKey: false, useBase64: useBase64}
}

// encodeBody applies the at-rest encoding (§6 "use_base64"); a no-op unless
// configured.
func (r *RecordStorage) encodeBody(body string) string {
	if !r.useBase64 {
		return body
	}
	return base64.StdEncoding.EncodeToString([]byte(body))
}

// decodeBody reverses encodeBody on read. A row written before use_base64
// was enabled (or after it was disabled) is tolerated: if decoding fails,
// the raw stored text is returned as-is rather than corrupting the value.
func (r *RecordStorage) decodeBody(stored string) string {
	if !r.useBase64 {
		return stored
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return stored
	}
	return string(raw)
}

func (r *RecordStorage) groupWhere() string {
	if r.hasParentKey {
		return "url = ? AND parent_key = ?"
	}
	return "url = ?"
}

func (r *RecordStorage) groupArgs(group models.GroupKey) []interface{} {
	if r.hasParentKey {
		return []interface{}{group.URL, group.ParentKey}
	}
	return []interface{}{group.URL}
}

// UpsertRecord implements the §4.3 decision tree for one (url[, parent_key])
// group:
//  1. No non-diff record yet -> insert as `initial`.
//  2. Latest non-diff record's json_hash matches -> touch last_seen, clear
//     deprecated.
//  3. Hash differs -> insert a pending candidate (record_type NULL) for the
//     Delta Builder (§4.8) to turn into a diff/final pair.
//  4. Body failed canonicalization upstream -> the caller uses
//     InsertNonJSON instead of this path.
func (r *RecordStorage) UpsertRecord(ctx context.Context, tx *sql.Tx, group models.GroupKey, body, hash string, t0 int64) error {
	latest, found, err := r.latestNonDiff(ctx, tx, group)
	if err != nil {
		return fmt.Errorf("upsert_record %s: find latest: %w", group.URL, err)
	}

	if !found {
		return r.insertTyped(ctx, tx, group, body, hash, t0, models.RecordTypeInitial, true)
	}

	if latest.RecordType == models.RecordTypeNonJSON {
		// §3 I1: non_json groups never mix with other types. An equal hash
		// touches the live row; any other body, parseable JSON included,
		// is recorded as a new non_json row in the same group.
		if latest.JSONHash == hash {
			return r.touchLastSeen(ctx, tx, latest.Key, t0)
		}
		return r.insertTyped(ctx, tx, group, body, hash, t0, models.RecordTypeNonJSON, true)
	}

	if latest.JSONHash == hash {
		if err := r.touchLastSeen(ctx, tx, latest.Key, t0); err != nil {
			return err
		}
		if latest.RecordType == models.RecordTypeFinal {
			// §4.3 step 3: when the match is `final`, also refresh the
			// newest `diff` in the group so I5's non-deprecated pair stays
			// consistent.
			return r.touchNewestDiff(ctx, tx, group, t0)
		}
		return nil
	}

	// Differing JSON: insert a pending candidate for the Delta Builder.
	return r.insertCandidate(ctx, tx, group, body, hash, t0)
}

// touchNewestDiff refreshes last_seen/deprecated on a group's newest diff
// row, paired with a touched final per §4.3 step 3.
func (r *RecordStorage) touchNewestDiff(ctx context.Context, tx *sql.Tx, group models.GroupKey, t0 int64) error {
	query := fmt.Sprintf(`
		SELECT key FROM %s WHERE %s AND record_type = 1 ORDER BY key DESC LIMIT 1`, r.table, r.groupWhere())
	row := tx.QueryRowContext(ctx, query, r.groupArgs(group)...)
	var key int64
	if err := row.Scan(&key); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	return r.touchLastSeen(ctx, tx, key, t0)
}

// InsertNonJSON records a payload that failed JSON parsing (§3 record_type
// non_json, §7 "Decoding").
func (r *RecordStorage) InsertNonJSON(ctx context.Context, tx *sql.Tx, group models.GroupKey, body, hash string, t0 int64) error {
	latest, found, err := r.latestNonDiff(ctx, tx, group)
	if err != nil {
		return err
	}
	if found && latest.JSONHash == hash {
		return r.touchLastSeen(ctx, tx, latest.Key, t0)
	}
	return r.insertTyped(ctx, tx, group, body, hash, t0, models.RecordTypeNonJSON, true)
}

// latestNonDiff returns the group's current "live" non-diff record: the
// sole initial (if no diff exists yet) or the unique final (§3 I5).
func (r *RecordStorage) latestNonDiff(ctx context.Context, tx *sql.Tx, group models.GroupKey) (models.Record, bool, error) {
	query := fmt.Sprintf(`
		SELECT key, url, %s, json_text, json_hash, found, last_seen, deprecated, record_type
		FROM %s
		WHERE %s AND record_type IN (0, 2, 3)
		ORDER BY record_type DESC, key DESC
		LIMIT 1`, r.parentKeySelect(), r.table, r.groupWhere())

	row := tx.QueryRowContext(ctx, query, r.groupArgs(group)...)
	rec, err := r.scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Record{}, false, nil
		}
		return models.Record{}, false, err
	}
	return rec, true, nil
}

func (r *RecordStorage) parentKeySelect() string {
	if r.hasParentKey {
		return "parent_key"
	}
	return "0 as parent_key"
}

// groupInsertPrefix returns the leading "url[, parent_key]" column list,
// placeholders, and arguments shared by every INSERT into this table.
func (r *RecordStorage) groupInsertPrefix(group models.GroupKey) (cols string, vals string, args []interface{}) {
	if r.hasParentKey {
		return "url, parent_key", "?, ?", []interface{}{group.URL, group.ParentKey}
	}
	return "url", "?", []interface{}{group.URL}
}

func (r *RecordStorage) insertTyped(ctx context.Context, tx *sql.Tx, group models.GroupKey, body, hash string, t0 int64, rt models.RecordType, found bool) error {
	var foundVal interface{}
	if found {
		foundVal = t0
	}
	prefixCols, prefixVals, args := r.groupInsertPrefix(group)
	cols := prefixCols + ", json_text, json_hash, found, last_seen, deprecated, record_type"
	vals := prefixVals + ", ?, ?, ?, ?, 0, ?"
	args = append(args, r.encodeBody(body), hash, foundVal, t0, int(rt))

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, r.table, cols, vals)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// insertCandidate inserts a pending row with record_type NULL (§3
// "NULL: a freshly inserted candidate").
func (r *RecordStorage) insertCandidate(ctx context.Context, tx *sql.Tx, group models.GroupKey, body, hash string, t0 int64) error {
	prefixCols, prefixVals, args := r.groupInsertPrefix(group)
	cols := prefixCols + ", json_text, json_hash, found, last_seen, deprecated, record_type"
	vals := prefixVals + ", ?, ?, ?, ?, 0, NULL"
	args = append(args, r.encodeBody(body), hash, t0, t0)

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, r.table, cols, vals)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (r *RecordStorage) touchLastSeen(ctx context.Context, tx *sql.Tx, key int64, t0 int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET last_seen = ?, deprecated = 0 WHERE key = ?`, r.table), t0, key)
	return err
}

// ListCandidates returns every pending (record_type IS NULL) row, the
// Delta Builder's (C8) work queue (§4.8).
func (r *RecordStorage) ListCandidates(ctx context.Context, tx *sql.Tx) ([]models.Record, error) {
	query := fmt.Sprintf(`
		SELECT key, url, %s, json_text, json_hash, found, last_seen, deprecated, record_type
		FROM %s WHERE record_type IS NULL`, r.parentKeySelect(), r.table)
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanRecords(rows)
}

// ListGroup returns every row in a group ordered by key (insertion/found
// order), used by the Delta Builder to walk initial -> diff* -> final
// (§4.8).
func (r *RecordStorage) ListGroup(ctx context.Context, tx *sql.Tx, group models.GroupKey) ([]models.Record, error) {
	query := fmt.Sprintf(`
		SELECT key, url, %s, json_text, json_hash, found, last_seen, deprecated, record_type
		FROM %s WHERE %s ORDER BY key ASC`, r.parentKeySelect(), r.table, r.groupWhere())
	rows, err := tx.QueryContext(ctx, query, r.groupArgs(group)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanRecords(rows)
}

// PromoteCandidateToDiff overwrites a pending candidate row's json with its
// computed Δ and marks it record_type = diff in place (§4.8 steps 3-4:
// "overwrite the candidate's json with Δ and set its record_type = diff").
func (r *RecordStorage) PromoteCandidateToDiff(ctx context.Context, tx *sql.Tx, key int64, diffJSON, hash string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET json_text = ?, json_hash = ?, record_type = 1 WHERE key = ?`, r.table),
		r.encodeBody(diffJSON), hash, key)
	return err
}

// UpsertFinal replaces the group's final row (found IS NULL per §3 I4),
// inserting one if none exists yet.
func (r *RecordStorage) UpsertFinal(ctx context.Context, tx *sql.Tx, group models.GroupKey, finalJSON, hash string, t0 int64) (int64, error) {
	query := fmt.Sprintf(`
		SELECT key FROM %s WHERE %s AND record_type = 2 LIMIT 1`, r.table, r.groupWhere())
	row := tx.QueryRowContext(ctx, query, r.groupArgs(group)...)
	var key int64
	err := row.Scan(&key)
	if err == nil {
		_, uerr := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET json_text = ?, json_hash = ?, last_seen = ?, deprecated = 0 WHERE key = ?`, r.table),
			r.encodeBody(finalJSON), hash, t0, key)
		return key, uerr
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	prefixCols, prefixVals, args := r.groupInsertPrefix(group)
	cols := prefixCols + ", json_text, json_hash, found, last_seen, deprecated, record_type"
	vals := prefixVals + ", ?, ?, NULL, ?, 0, 2"
	args = append(args, r.encodeBody(finalJSON), hash, t0)

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, r.table, cols, vals), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeprecateGroupsNotSeenSince marks every non-deprecated row whose
// last_seen is older than t0 (§3 "On non-observation for a full epoch:
// deprecated := 1").
func (r *RecordStorage) DeprecateGroupsNotSeenSince(ctx context.Context, tx *sql.Tx, t0 int64) (int, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET deprecated = 1 WHERE deprecated = 0 AND last_seen < ?`, r.table), t0)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListNonDeprecatedLive returns every non-deprecated record of type
// initial/final/non_json — the group's "live" materialized state, the set
// the Episode/Stream loaders read (§4.6).
func (r *RecordStorage) ListNonDeprecatedLive(ctx context.Context, tx *sql.Tx) ([]models.Record, error) {
	query := fmt.Sprintf(`
		SELECT key, url, %s, json_text, json_hash, found, last_seen, deprecated, record_type
		FROM %s WHERE deprecated = 0 AND record_type IN (0, 2, 3)`, r.parentKeySelect(), r.table)
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanRecords(rows)
}

func (r *RecordStorage) scanRecord(row *sql.Row) (models.Record, error) {
	var rec models.Record
	var found, recordType sql.NullInt64
	var deprecated int
	if err := row.Scan(&rec.Key, &rec.URL, &rec.ParentKey, &rec.JSONText, &rec.JSONHash, &found, &rec.LastSeen, &deprecated, &recordType); err != nil {
		return models.Record{}, err
	}
	rec.JSONText = r.decodeBody(rec.JSONText)
	rec.HasParentKey = r.hasParentKey
	rec.Deprecated = deprecated != 0
	if found.Valid {
		rec.Found = found.Int64
		rec.HasFound = true
	}
	if recordType.Valid {
		rec.RecordType = models.RecordType(recordType.Int64)
		rec.HasRecordType = true
	}
	return rec, nil
}

func (r *RecordStorage) scanRecords(rows *sql.Rows) ([]models.Record, error) {
	var out []models.Record
	for rows.Next() {
		var rec models.Record
		var found, recordType sql.NullInt64
		var deprecated int
		if err := rows.Scan(&rec.Key, &rec.URL, &rec.ParentKey, &rec.JSONText, &rec.JSONHash, &found, &rec.LastSeen, &deprecated, &recordType); err != nil {
			return nil, err
		}
		rec.JSONText = r.decodeBody(rec.JSONText)
		rec.HasParentKey = r.hasParentKey
		rec.Deprecated = deprecated != 0
		if found.Valid {
			rec.Found = found.Int64
			rec.HasFound = true
		}
		if recordType.Valid {
			rec.RecordType = models.RecordType(recordType.Int64)
			rec.HasRecordType = true
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
