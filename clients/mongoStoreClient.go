package clients

import (
	"context"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const mongoConnectTimeout = 20 * time.Second

type (
	// MongoStoreClient implements StoreClient on a MongoDB database.
	MongoStoreClient struct {
		client   *mongo.Client
		database *mongo.Database
		logger   *zap.SugaredLogger
	}

	MongoConfig struct {
		ConnectionString string `split_words:"true" required:"true"`
		Database         string `default:"gatehouse"`
	}
)

func mongoConfigProvider() (MongoConfig, error) {
	var config MongoConfig
	if err := envconfig.Process("mongo", &config); err != nil {
		return MongoConfig{}, err
	}
	return config, nil
}

// NewMongoStoreClient connects to MongoDB and verifies the connection.
func NewMongoStoreClient(config MongoConfig, logger *zap.SugaredLogger) (*MongoStoreClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.ConnectionString))
	if err != nil {
		return nil, errors.Wrap(err, "store: connecting to mongo")
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, errors.Wrap(err, "store: pinging mongo")
	}

	return &MongoStoreClient{
		client:   client,
		database: client.Database(config.Database),
		logger:   logger,
	}, nil
}

func (d *MongoStoreClient) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

func (d *MongoStoreClient) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

func (d *MongoStoreClient) GenerateID() string {
	return primitive.NewObjectID().Hex()
}

func (d *MongoStoreClient) GetByID(ctx context.Context, collection, id string, result interface{}) error {
	err := d.database.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (d *MongoStoreClient) GetByField(ctx context.Context, collection, field string, value interface{}, result interface{}) error {
	err := d.database.Collection(collection).FindOne(ctx, bson.M{field: value}).Decode(result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (d *MongoStoreClient) Find(ctx context.Context, collection string, filter M, opts FindOptions, results interface{}) error {
	findOpts := options.Find()
	if opts.Sort != "" {
		field, direction := strings.TrimPrefix(opts.Sort, "-"), 1
		if strings.HasPrefix(opts.Sort, "-") {
			direction = -1
		}
		findOpts.SetSort(bson.D{{Key: field, Value: direction}})
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}

	if filter == nil {
		filter = M{}
	}
	cursor, err := d.database.Collection(collection).Find(ctx, bson.M(filter), findOpts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	return cursor.All(ctx, results)
}

func (d *MongoStoreClient) Create(ctx context.Context, collection, id string, doc interface{}) error {
	raw, err := withID(doc, id)
	if err != nil {
		return err
	}
	_, err = d.database.Collection(collection).InsertOne(ctx, raw)
	return err
}

func (d *MongoStoreClient) Update(ctx context.Context, collection, id string, doc interface{}) error {
	// No upsert: replacing a document that was deleted concurrently must not
	// recreate it.
	_, err := d.database.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, doc)
	return err
}

func (d *MongoStoreClient) ReplaceIf(ctx context.Context, collection, id, field string, equals interface{}, doc interface{}) (bool, error) {
	result, err := d.database.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id, field: equals}, doc)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

func (d *MongoStoreClient) Delete(ctx context.Context, collection, id string) error {
	_, err := d.database.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (d *MongoStoreClient) DeleteWhere(ctx context.Context, collection string, filter M) (int64, error) {
	result, err := d.database.Collection(collection).DeleteMany(ctx, bson.M(filter))
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (d *MongoStoreClient) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := d.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "store: starting session")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

// withID forces the document's _id to the caller-supplied key so the marshaled
// form always carries it, whatever the struct's own _id tag holds.
func withID(doc interface{}, id string) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["_id"] = id
	return m, nil
}

func mongoStoreProvider(config MongoConfig, logger *zap.SugaredLogger) (StoreClient, error) {
	return NewMongoStoreClient(config, logger)
}

// MongoModule wires the MongoDB-backed store.
var MongoModule = fx.Options(
	fx.Provide(mongoConfigProvider),
	fx.Provide(mongoStoreProvider),
)
