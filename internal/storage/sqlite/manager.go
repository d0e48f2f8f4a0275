package sqlite

import (
	"context"
	"database/sql"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
)

// Manager implements interfaces.StorageManager over a single SQLite file
// (§3 "a single embedded relational database file").
type Manager struct {
	db       *SQLiteDB
	site     *SiteStorage
	metadata *RecordStorage
	episodes *RecordStorage
	streams  *StreamStorage
	assoc    *AssocStorage
	logger   arbor.ILogger
}

// NewManager opens the store and wires every per-table storage concern.
func NewManager(logger arbor.ILogger, config *common.StorageConfig, environment string) (interfaces.StorageManager, error) {
	db, err := NewSQLiteDB(logger, config, environment)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		site:     NewSiteStorage(db, logger),
		metadata: NewMetadataStorage(db, logger, config.UseBase64),
		episodes: NewEpisodeStorage(db, logger, config.UseBase64),
		streams:  NewStreamStorage(db, logger),
		assoc:    NewAssocStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Storage manager initialized (site, metadata, episodes, streams, assoc)")

	return manager, nil
}

func (m *Manager) Site() interfaces.SiteStore       { return m.site }
func (m *Manager) Metadata() interfaces.RecordStore { return m.metadata }
func (m *Manager) Episodes() interfaces.RecordStore { return m.episodes }
func (m *Manager) Streams() interfaces.StreamStore  { return m.streams }
func (m *Manager) Assoc() interfaces.AssocStore     { return m.assoc }

// DB returns the underlying database connection.
func (m *Manager) DB() *sql.DB {
	if m.db != nil {
		return m.db.DB()
	}
	return nil
}

// BeginTx starts the single transaction a stage runs inside (§4.10).
func (m *Manager) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return m.db.BeginTx(ctx)
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
