package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"coedit/common"
)

// MongoAdapter is a MongoDB-backed persistence adapter, one document per
// snapshot keyed by document ID.
type MongoAdapter struct {
	// collection is the snapshot collection.
	collection *mongo.Collection
}

type mongoRow struct {
	DocumentID string             `bson:"_id"`
	Content    primitive.Binary   `bson:"content"`
	UpdatedAt  primitive.DateTime `bson:"updated_at"`
}

// NewMongoAdapter creates a new Mongo adapter on top of an existing client.
func NewMongoAdapter(client *mongo.Client, database, collection string) *MongoAdapter {
	if collection == "" {
		collection = "document_snapshots"
	}
	return &MongoAdapter{
		collection: client.Database(database).Collection(collection),
	}
}

// Fetch loads the stored snapshot for the key.
func (a *MongoAdapter) Fetch(ctx context.Context, key string) ([]byte, error) {
	var row mongoRow
	err := a.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&row)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, common.ErrSnapshotNotFound{Key: key}
		}
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	return row.Content.Data, nil
}

// Store overwrites the stored snapshot for the key.
func (a *MongoAdapter) Store(ctx context.Context, key string, data []byte) error {
	row := mongoRow{
		DocumentID: key,
		Content:    primitive.Binary{Data: data},
		UpdatedAt:  primitive.NewDateTimeFromTime(time.Now()),
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"_id": key}, row, opts); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Close releases the adapter's resources. The Mongo client is managed by the
// caller and is not closed here.
func (a *MongoAdapter) Close() error {
	return nil
}
