package database

import (
	"context"
	"time"

	"emperror.dev/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/DisWidgets/diswdgets/internal/store"
)

const connectTimeout = 10 * time.Second

type MongoConfig struct {
	URL      string
	Database string
}

// ConnectMongo opens the shared client and checks the deployment is
// reachable. The client is reused for every event until Disconnect.
func ConnectMongo(ctx context.Context, cfg MongoConfig, log *zap.Logger) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URL).
		SetAppName("diswidgets"))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongodb")
	}

	log.Info("mongodb connection established", zap.String("database", cfg.Database))
	return client, nil
}

// MongoCollection adapts a driver collection to store.Collection.
type MongoCollection struct {
	col *mongo.Collection
}

func NewMongoCollection(col *mongo.Collection) *MongoCollection {
	return &MongoCollection{col: col}
}

func (c *MongoCollection) Name() string {
	return c.col.Name()
}

func (c *MongoCollection) Exists(ctx context.Context, filter store.Document) (bool, error) {
	err := c.col.FindOne(ctx, bson.M(filter), options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *MongoCollection) Insert(ctx context.Context, doc store.Document) error {
	_, err := c.col.InsertOne(ctx, bson.M(doc))
	return err
}

func (c *MongoCollection) Update(ctx context.Context, filter, fields store.Document) error {
	_, err := c.col.UpdateOne(ctx, bson.M(filter), bson.M{"$set": bson.M(fields)})
	return err
}

// EnsureIndex creates an ascending, non-unique index over keys. Concurrent
// first sightings of the same key may still insert a duplicate.
func (c *MongoCollection) EnsureIndex(ctx context.Context, keys ...string) error {
	idx := bson.D{}
	for _, k := range keys {
		idx = append(idx, bson.E{Key: k, Value: 1})
	}

	_, err := c.col.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx})
	if err != nil {
		return errors.Wrapf(err, "create index on %s", c.col.Name())
	}
	return nil
}
