package sqlite

// schemaSQL creates the tables named in spec §3. Record-type discriminators
// and the association tables must remain exactly as specified (§6 "forward
// compatibility").
const schemaSQL = `
CREATE TABLE IF NOT EXISTS site (
	key        INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_key INTEGER NOT NULL,
	url        TEXT NOT NULL,
	is_video   INTEGER NOT NULL DEFAULT 0,
	found      INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_site_url_is_video ON site(url, is_video);
CREATE INDEX IF NOT EXISTS idx_site_parent_key ON site(parent_key);

CREATE TABLE IF NOT EXISTS metadata (
	key         INTEGER PRIMARY KEY AUTOINCREMENT,
	url         TEXT NOT NULL,
	parent_key  INTEGER NOT NULL,
	json_text   TEXT NOT NULL,
	json_hash   TEXT NOT NULL,
	found       INTEGER,
	last_seen   INTEGER NOT NULL,
	deprecated  INTEGER NOT NULL DEFAULT 0,
	record_type INTEGER
);

CREATE INDEX IF NOT EXISTS idx_metadata_group ON metadata(url, parent_key);
CREATE INDEX IF NOT EXISTS idx_metadata_deprecated ON metadata(deprecated);

CREATE TABLE IF NOT EXISTS episodes (
	key         INTEGER PRIMARY KEY AUTOINCREMENT,
	url         TEXT NOT NULL,
	json_text   TEXT NOT NULL,
	json_hash   TEXT NOT NULL,
	found       INTEGER,
	last_seen   INTEGER NOT NULL,
	deprecated  INTEGER NOT NULL DEFAULT 0,
	record_type INTEGER
);

CREATE INDEX IF NOT EXISTS idx_episodes_url ON episodes(url);
CREATE INDEX IF NOT EXISTS idx_episodes_deprecated ON episodes(deprecated);

CREATE TABLE IF NOT EXISTS stream (
	key        INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT NOT NULL,
	resolution TEXT NOT NULL,
	found      INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	deprecated INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_stream_url_resolution ON stream(url, resolution);

CREATE TABLE IF NOT EXISTS metadata_episode_assoc (
	metadata_key INTEGER NOT NULL,
	episode_key  INTEGER NOT NULL,
	PRIMARY KEY (metadata_key, episode_key)
);

CREATE TABLE IF NOT EXISTS episode_stream_assoc (
	episode_key INTEGER NOT NULL,
	stream_key  INTEGER NOT NULL,
	PRIMARY KEY (episode_key, stream_key)
);
`

// InitSchema creates the store's tables and runs schema migrations, exactly
// as the teacher's bootstrap sequence does (schema first, then migrations).
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	s.logger.Info().Msg("Database schema initialized")

	if err := s.migrate(); err != nil {
		return err
	}

	return nil
}
