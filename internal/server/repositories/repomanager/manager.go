// Package repomanager selects the credential store backend, prepares its
// schema and owns the underlying connection.
package repomanager

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type RepositoryManager interface {
	// RunMigrations brings the backend schema or indexes up to date.
	RunMigrations(ctx context.Context) error
	Users() users.Repository
	Close(ctx context.Context) error
}

// Options carries the connection settings for every supported driver; only
// the fields of the selected driver are used.
type Options struct {
	Driver        string
	DatabaseDSN   string
	MongoURI      string
	MongoDatabase string
}

// New opens the backend named by opts.Driver.
func New(ctx context.Context, opts Options) (RepositoryManager, error) {
	switch opts.Driver {
	case DriverPostgres:
		m, err := OpenPostgres(ctx, opts.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return m, nil
	case DriverMongo:
		m, err := OpenMongo(ctx, opts.MongoURI, opts.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return m, nil
	case DriverMemory:
		return NewMemoryRepositoryManager(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}
