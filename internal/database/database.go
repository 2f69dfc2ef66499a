package database

import (
	"log"
	"os"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"presence-service/internal/config"
	"presence-service/internal/model"
)

var (
	globalDB *gorm.DB
	dbMutex  sync.RWMutex
)

// GetDB returns the current database connection
func GetDB() *gorm.DB {
	dbMutex.RLock()
	defer dbMutex.RUnlock()
	return globalDB
}

// SetDB sets the global database connection
func SetDB(db *gorm.DB) {
	dbMutex.Lock()
	defer dbMutex.Unlock()
	globalDB = db
}

// IsConnected returns true if database is connected
func IsConnected() bool {
	db := GetDB()
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

// NewAsync retries the database connection in the background so the pod can
// come up even when postgres is briefly unreachable.
func NewAsync(cfg *config.Config, retryInterval time.Duration, onConnect func(*gorm.DB)) {
	go func() {
		for {
			db, err := New(cfg)
			if err == nil {
				SetDB(db)
				if onConnect != nil {
					onConnect(db)
				}
				return
			}
			time.Sleep(retryInterval)
		}
	}()
}

func New(cfg *config.Config) (*gorm.DB, error) {
	logLevel := logger.Silent
	if cfg.Server.Env == "dev" || cfg.Server.Env == "development" {
		logLevel = logger.Info
	}

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Page{},
		&model.PresenceRecord{},
		&model.PresenceEvent{},
	); err != nil {
		return err
	}

	createIndexes(db)
	return nil
}

func createIndexes(db *gorm.DB) {
	// Active-user reads filter by page + active, order by enter_time
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_presence_page_active_enter
		ON presence_records (page_id, is_active, enter_time)`)

	// Reaper heartbeat counting over the event log
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_pair_created
		ON presence_events (user_id, page_id, created_at DESC)`)
}
