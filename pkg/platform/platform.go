package platform

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/botmesh/platform-core/pkg/account"
	accountpg "github.com/botmesh/platform-core/pkg/account/postgres"
	"github.com/botmesh/platform-core/pkg/database/migrate"
	"github.com/botmesh/platform-core/pkg/entitysync"
	"github.com/botmesh/platform-core/pkg/fingerprint"
	"github.com/botmesh/platform-core/pkg/identity"
	"github.com/botmesh/platform-core/pkg/session"
	sessionpg "github.com/botmesh/platform-core/pkg/session/postgres"
)

// Platform holds the assembled core: the durable account store, the shared
// session cache, and the services over them.
type Platform struct {
	cfg *Config
	db  *sql.DB

	accounts     account.Store
	sessions     *sessionpg.Store
	syncService  *entitysync.Service
	resolver     *identity.Resolver
	fingerprints *fingerprint.Generator
}

// New opens the backing store, applies migrations, and assembles all
// components. Call Close to release resources.
func New(cfg *Config) (*Platform, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	gen, err := fingerprint.New(fingerprint.Mode(cfg.Fingerprint.Mode))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sessions := sessionpg.New(db, sessionpg.Config{
		TTL:          cfg.Session.TTL,
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	sessions.StartCleanupRoutine(cfg.Session.CleanupInterval)

	accounts := accountpg.New(db, accountpg.Config{
		QueryTimeout: cfg.Database.QueryTimeout,
	})

	return &Platform{
		cfg:          cfg,
		db:           db,
		accounts:     accounts,
		sessions:     sessions,
		syncService:  entitysync.New(accounts, sessions),
		resolver:     identity.NewResolver(sessions),
		fingerprints: gen,
	}, nil
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config { return p.cfg }

// DB returns the shared database handle, for health checks.
func (p *Platform) DB() *sql.DB { return p.db }

// Accounts returns the durable account store.
func (p *Platform) Accounts() account.Store { return p.accounts }

// Sessions returns the shared session cache.
func (p *Platform) Sessions() session.Store { return p.sessions }

// Sync returns the synchronization service.
func (p *Platform) Sync() *entitysync.Service { return p.syncService }

// Resolver returns the identity resolver.
func (p *Platform) Resolver() *identity.Resolver { return p.resolver }

// Fingerprints returns the device fingerprint generator.
func (p *Platform) Fingerprints() *fingerprint.Generator { return p.fingerprints }

// Close stops background routines and closes the database.
func (p *Platform) Close() error {
	if err := p.sessions.Close(); err != nil {
		return err
	}
	return p.db.Close()
}
