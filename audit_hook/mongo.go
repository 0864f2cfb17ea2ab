package audithook

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultCollection is the collection MongoRecorder writes to.
const DefaultCollection = "tally_audit_events"

// Inserter is the subset of *mongo.Collection used by MongoRecorder.
type Inserter interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
}

var _ Inserter = (*mongo.Collection)(nil)

// MongoRecorder appends audit events to a MongoDB collection.
type MongoRecorder struct {
	col Inserter
}

// NewMongoRecorder creates a recorder writing to col.
func NewMongoRecorder(col Inserter) *MongoRecorder {
	return &MongoRecorder{col: col}
}

// Record implements Recorder.
func (r *MongoRecorder) Record(ctx context.Context, event *AuditEvent) error {
	if _, err := r.col.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("tally/audit: insert %s: %w", event.Action, err)
	}
	return nil
}

// EnsureIndexes creates the indexes audit queries rely on.
func EnsureIndexes(ctx context.Context, col *mongo.Collection) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "resource", Value: 1}, {Key: "resource_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "action", Value: 1}, {Key: "timestamp", Value: -1}}},
	}
	if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("tally/audit: create indexes: %w", err)
	}
	return nil
}
