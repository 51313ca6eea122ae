package replay

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: replay_audits

Document structure:
{
    "_id": ObjectId,
    "audit_id": string,
    "operation_id": string,
    "trigger": string,
    "status": string,
    "start_time": ISODate,
    "end_time": ISODate,
    "ids": [string],
    "requested": int,
    "replayed": int,
    "failed": int,
    "errors": object,
    "recorded_at": ISODate
}

Indexes:
db.replay_audits.createIndex({"audit_id": 1}, {unique: true})
db.replay_audits.createIndex({"operation_id": 1})
db.replay_audits.createIndex({"recorded_at": -1})
*/

// mongoAudit is the audit record document shape.
type mongoAudit struct {
	AuditID     string            `bson:"audit_id"`
	OperationID string            `bson:"operation_id"`
	Trigger     string            `bson:"trigger"`
	Status      string            `bson:"status"`
	StartTime   *time.Time        `bson:"start_time,omitempty"`
	EndTime     *time.Time        `bson:"end_time,omitempty"`
	IDs         []string          `bson:"ids,omitempty"`
	Requested   int               `bson:"requested"`
	Replayed    int               `bson:"replayed"`
	Failed      int               `bson:"failed"`
	Errors      map[string]string `bson:"errors,omitempty"`
	RecordedAt  time.Time         `bson:"recorded_at"`
}

func (m *mongoAudit) toAudit() *Audit {
	return &Audit{
		ID:          m.AuditID,
		OperationID: m.OperationID,
		Trigger:     Trigger(m.Trigger),
		Status:      Status(m.Status),
		StartTime:   m.StartTime,
		EndTime:     m.EndTime,
		IDs:         m.IDs,
		Requested:   m.Requested,
		Replayed:    m.Replayed,
		Failed:      m.Failed,
		Errors:      m.Errors,
		RecordedAt:  m.RecordedAt,
	}
}

func fromAudit(a *Audit) *mongoAudit {
	return &mongoAudit{
		AuditID:     a.ID,
		OperationID: a.OperationID,
		Trigger:     string(a.Trigger),
		Status:      string(a.Status),
		StartTime:   a.StartTime,
		EndTime:     a.EndTime,
		IDs:         a.IDs,
		Requested:   a.Requested,
		Replayed:    a.Replayed,
		Failed:      a.Failed,
		Errors:      a.Errors,
		RecordedAt:  a.RecordedAt,
	}
}

// MongoAuditStore is a MongoDB-based audit store.
type MongoAuditStore struct {
	collection *mongo.Collection
}

var _ AuditStore = (*MongoAuditStore)(nil)

// NewMongoAuditStore creates a MongoDB audit store.
//
// Example:
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
//	store := replay.NewMongoAuditStore(client.Database("relay"))
func NewMongoAuditStore(db *mongo.Database) *MongoAuditStore {
	return &MongoAuditStore{
		collection: db.Collection("replay_audits"),
	}
}

// WithCollection sets a custom collection name.
func (s *MongoAuditStore) WithCollection(name string) *MongoAuditStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Indexes returns the required indexes for the audit collection.
func (s *MongoAuditStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "audit_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "operation_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "recorded_at", Value: -1}},
		},
	}
}

// EnsureIndexes creates the required indexes for the audit collection.
func (s *MongoAuditStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Append stores one record.
func (s *MongoAuditStore) Append(ctx context.Context, audit *Audit) error {
	if _, err := s.collection.InsertOne(ctx, fromAudit(audit)); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *MongoAuditStore) List(ctx context.Context, limit int) ([]*Audit, error) {
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeAudits(ctx, cursor)
}

// ByOperation returns the records of one operation, oldest first.
func (s *MongoAuditStore) ByOperation(ctx context.Context, operationID string) ([]*Audit, error) {
	filter := bson.M{"operation_id": operationID}
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("audits by operation: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeAudits(ctx, cursor)
}

func decodeAudits(ctx context.Context, cursor *mongo.Cursor) ([]*Audit, error) {
	var audits []*Audit
	for cursor.Next(ctx) {
		var doc mongoAudit
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode audit: %w", err)
		}
		audits = append(audits, doc.toAudit())
	}
	return audits, cursor.Err()
}
