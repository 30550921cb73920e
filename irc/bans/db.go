package bans

import (
	"fmt"
	"sync"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialector returns the gorm dialector constructor for a driver name
func Dialector(driver string) (func(dsn string) gorm.Dialector, error) {
	switch driver {
	case "sqlite", "sqlite3", "":
		return sqlite.Open, nil
	case "mysql":
		return mysql.Open, nil
	case "postgres", "postgresql":
		return postgres.Open, nil
	}
	return nil, fmt.Errorf("unsupported ban store driver %q", driver)
}

// DBCache hands out one *gorm.DB per driver and DSN. Repeated opens of the
// same database (rehash, tests) share a connection pool.
type DBCache struct {
	mu  sync.Mutex
	dbs map[string]*gorm.DB
}

// NewDBCache creates an empty connection cache
func NewDBCache() *DBCache {
	return &DBCache{dbs: make(map[string]*gorm.DB)}
}

// Open returns the cached connection for driver and dsn, opening it if needed
func (c *DBCache) Open(driver, dsn string) (*gorm.DB, error) {
	open, err := Dialector(driver)
	if err != nil {
		return nil, err
	}

	key := driver + "\x00" + dsn

	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.dbs[key]; ok {
		return db, nil
	}

	// Silent logger, errors are returned to callers
	db, err := gorm.Open(open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open ban store: %w", err)
	}

	c.dbs[key] = db
	return db, nil
}

// Len returns the number of cached connections
func (c *DBCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dbs)
}

// CloseAll closes and forgets every cached connection
func (c *DBCache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, db := range c.dbs {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		delete(c.dbs, key)
	}
}

var defaultCache = NewDBCache()

// Open opens a ban store on the shared connection cache and migrates it
func Open(driver, dsn string) (*Store, error) {
	db, err := defaultCache.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

// Close closes the connections opened through Open
func Close() {
	defaultCache.CloseAll()
}
