package database

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/sidefxlabs/sidefx/cache"
	"github.com/sidefxlabs/sidefx/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		newCache, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("ledger cache disabled: %v", errCache)
			newCache = nil
		}
		instance = &Datasource{Conn: con, Cache: newCache}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createSideEffectsTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// createSideEffectsTable creates the effect ledger table. The UNIQUE
// constraint on effect_id is the sole source of truth for duplicate
// suppression; application code never does check-then-act against this table.
func createSideEffectsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS side_effects (
			id SERIAL PRIMARY KEY,
			effect_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			business_key TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('in_progress', 'done', 'failed')),
			artifact_ref TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMP,
			payload JSONB
		)
	`)
	if err != nil {
		log.Printf("Error creating side_effects table: %v", err)
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_side_effects_run_id ON side_effects(run_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_side_effects_business_key ON side_effects(business_key)`)
	if err != nil {
		return err
	}
	// The recovery sweeper scans in_progress entries by age.
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_side_effects_status_created_at ON side_effects(status, created_at)`)
	return err
}
