package repomanager

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type MongoRepositoryManager struct {
	client *mongo.Client
	users  *users.MongoRepository
}

// OpenMongo connects to uri and pings the deployment before returning.
func OpenMongo(ctx context.Context, uri, database string) (*MongoRepositoryManager, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	return &MongoRepositoryManager{
		client: client,
		users:  users.NewMongoRepository(client.Database(database)),
	}, nil
}

func (m *MongoRepositoryManager) Users() users.Repository {
	return m.users
}

// RunMigrations creates the unique and lookup indexes.
func (m *MongoRepositoryManager) RunMigrations(ctx context.Context) error {
	return m.users.EnsureIndexes(ctx)
}

func (m *MongoRepositoryManager) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
