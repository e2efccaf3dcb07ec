package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/customgpt/internal/config"
	"github.com/zulandar/customgpt/internal/logging"
	"gorm.io/gorm"
)

var (
	// ErrNotInitialized is returned before Init has succeeded.
	ErrNotInitialized = errors.New("db: handle not initialized")
	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("db: handle closed")
)

const defaultHealthTimeout = 5 * time.Second

// Handle owns the process-wide SQL connection. It is opened lazily,
// health checked before each use, and closed explicitly.
type Handle struct {
	cfg     config.StoreConfig
	timeout time.Duration
	connect func() (*gorm.DB, error)
	log     *logrus.Entry

	mu     sync.RWMutex
	db     *gorm.DB
	closed bool
}

// New returns an unopened handle for cfg. Call Init, or let the first
// HealthCheck open it.
func New(cfg config.StoreConfig) *Handle {
	h := &Handle{cfg: cfg, timeout: cfg.HealthTimeout, log: logging.For("db")}
	if h.timeout <= 0 {
		h.timeout = defaultHealthTimeout
	}
	h.connect = h.open
	return h
}

// Wrap returns an initialized handle around an existing connection. The
// caller's schema is used as is.
func Wrap(db *gorm.DB, healthTimeout time.Duration) *Handle {
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Handle{
		timeout: healthTimeout,
		connect: func() (*gorm.DB, error) { return nil, ErrNotInitialized },
		log:     logging.For("db"),
		db:      db,
	}
}

// Init opens the connection and migrates the schema. It is a no-op when
// already open.
func (h *Handle) Init(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.db != nil {
		return nil
	}
	db, err := h.connect()
	if err != nil {
		return err
	}
	h.db = db
	h.log.WithField("driver", h.cfg.Driver).Info("database connected")
	return nil
}

func (h *Handle) open() (*gorm.DB, error) {
	if h.cfg.Driver == config.DriverMySQL && h.cfg.DSN == "" {
		admin, err := ConnectAdmin(h.cfg.MySQL)
		if err != nil {
			return nil, err
		}
		err = CreateDatabase(admin, h.cfg.MySQL.Database)
		if sqlDB, dbErr := admin.DB(); dbErr == nil {
			sqlDB.Close()
		}
		if err != nil {
			return nil, err
		}
	}

	db, err := Connect(h.cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return db, nil
}

// DB returns the open connection without probing it.
func (h *Handle) DB() (*gorm.DB, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.db == nil {
		return nil, ErrNotInitialized
	}
	return h.db, nil
}

// HealthCheck pings the database within the configured timeout. A handle
// that never opened is opened here, so a backend that comes up after the
// process starts is picked up. Results are never cached.
func (h *Handle) HealthCheck(ctx context.Context) error {
	db, err := h.DB()
	if errors.Is(err, ErrNotInitialized) {
		if err := h.Init(ctx); err != nil {
			return fmt.Errorf("db: health: %w", err)
		}
		db, err = h.DB()
	}
	if err != nil {
		return fmt.Errorf("db: health: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: health: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("db: health: ping: %w", err)
	}
	return nil
}

// Teardown closes the connection. Later calls fail with ErrClosed.
func (h *Handle) Teardown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	h.db = nil
	if err != nil {
		return fmt.Errorf("db: teardown: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("db: teardown: %w", err)
	}
	return nil
}
