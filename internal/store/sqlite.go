package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"bluetooth-meter/internal/meter"
)

// SQLite keeps channel configs in a WAL-mode database. Reads are served from
// a write-through cache loaded at open and refreshed by Reload, so level
// ingestion never touches disk.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger

	mu    sync.RWMutex
	cache map[int]meter.ChannelConfig
}

// OpenSQLite opens (or creates) the database at path, migrates it and loads
// the stored configs.
func OpenSQLite(path string, log *zap.Logger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, log: log.Named("store"), cache: make(map[int]meter.ChannelConfig)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("channel store opened", zap.String("path", path), zap.Int("channels", len(s.cache)))
	return s, nil
}

const ddlChannels = `
CREATE TABLE IF NOT EXISTS channel_configs (
	channel     INTEGER PRIMARY KEY,
	meter_type  TEXT    NOT NULL,
	hold_ms     INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
)`

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(ddlChannels); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// load replaces the cache with the table contents.
func (s *SQLite) load() error {
	rows, err := s.db.Query(`SELECT channel, meter_type, hold_ms FROM channel_configs`)
	if err != nil {
		return fmt.Errorf("store: load: %w", err)
	}
	defer rows.Close()
	cache := make(map[int]meter.ChannelConfig)
	for rows.Next() {
		var (
			ch     int
			typ    string
			holdMS int64
		)
		if err := rows.Scan(&ch, &typ, &holdMS); err != nil {
			return fmt.Errorf("store: scan: %w", err)
		}
		mt, err := meter.ParseMeterType(typ)
		if err != nil {
			s.log.Warn("skipping stored channel", zap.Int("channel", ch), zap.Error(err))
			continue
		}
		cache[ch] = meter.ChannelConfig{Channel: ch, Type: mt, HoldTime: time.Duration(holdMS) * time.Millisecond}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: load: %w", err)
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// Reload re-reads the table, picking up edits made by other processes
// (meterctl channels) since the store was opened.
func (s *SQLite) Reload() error {
	return s.load()
}

func (s *SQLite) ChannelConfig(channel int) (meter.ChannelConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[channel]
	return c, ok, nil
}

func (s *SQLite) SetChannelConfig(cfg meter.ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO channel_configs (channel, meter_type, hold_ms, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE
		SET meter_type = excluded.meter_type,
		    hold_ms    = excluded.hold_ms,
		    updated_at = excluded.updated_at`,
		cfg.Channel, cfg.Type.String(), cfg.HoldTime.Milliseconds(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: save channel %d: %w", cfg.Channel, err)
	}
	s.cache[cfg.Channel] = cfg
	return nil
}

func (s *SQLite) Channels() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedChannels(s.cache), nil
}

func (s *SQLite) All() ([]meter.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedConfigs(s.cache), nil
}

func (s *SQLite) DeleteChannel(channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM channel_configs WHERE channel = ?`, channel)
	if err != nil {
		return fmt.Errorf("store: delete channel %d: %w", channel, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	delete(s.cache, channel)
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
