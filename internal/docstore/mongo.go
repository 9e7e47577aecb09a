package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoCreatedAt = "createdAt"
	mongoUpdatedAt = "updatedAt"

	mongoUnauthorized = 13
)

// MongoStore keeps one MongoDB collection per document kind.
type MongoStore struct {
	db *mongo.Database
}

// ConnectMongo dials uri and returns the client together with the named database.
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	return client, client.Database(database), nil
}

// NewMongoStore constructs a store over db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// EnsureUniqueIndex creates a unique compound index on kind over fields.
func (s *MongoStore) EnsureUniqueIndex(ctx context.Context, kind Kind, fields ...string) error {
	keys := bson.D{}
	for _, f := range fields {
		keys = append(keys, bson.E{Key: f, Value: 1})
	}
	_, err := s.collection(kind).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return mapMongoError("create unique index", err)
	}
	return nil
}

// Create inserts a new document.
func (s *MongoStore) Create(ctx context.Context, kind Kind, fields map[string]any) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	doc := bson.M{}
	for k, v := range fields {
		doc[k] = v
	}
	doc["_id"] = id
	doc[mongoCreatedAt] = now
	doc[mongoUpdatedAt] = now

	if _, err := s.collection(kind).InsertOne(ctx, doc); err != nil {
		return "", mapMongoError("insert document", err)
	}
	return id, nil
}

// Get fetches a single document.
func (s *MongoStore) Get(ctx context.Context, kind Kind, id string) (Document, error) {
	var raw bson.M
	if err := s.collection(kind).FindOne(ctx, bson.M{"_id": id}).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Document{}, ErrNotFound
		}
		return Document{}, mapMongoError("find document", err)
	}
	return fromBSON(raw), nil
}

// Update translates update into $set, $addToSet and $pull operators.
func (s *MongoStore) Update(ctx context.Context, kind Kind, id string, update Update) error {
	now := time.Now().UTC()

	set := bson.M{mongoUpdatedAt: now}
	for k, v := range update.Set {
		set[k] = v
	}
	ops := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{mongoCreatedAt: now},
	}
	if len(update.Union) > 0 {
		add := bson.M{}
		for k, values := range update.Union {
			add[k] = bson.M{"$each": values}
		}
		ops["$addToSet"] = add
	}
	if len(update.Remove) > 0 {
		pull := bson.M{}
		for k, values := range update.Remove {
			pull[k] = bson.M{"$in": values}
		}
		ops["$pull"] = pull
	}

	res, err := s.collection(kind).UpdateOne(ctx, bson.M{"_id": id}, ops, options.Update().SetUpsert(update.Upsert))
	if err != nil {
		return mapMongoError("update document", err)
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a document.
func (s *MongoStore) Delete(ctx context.Context, kind Kind, id string) error {
	res, err := s.collection(kind).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapMongoError("delete document", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Query returns documents of kind matching every filter, oldest first.
func (s *MongoStore) Query(ctx context.Context, kind Kind, filters ...Filter) ([]Document, error) {
	filter := bson.M{}
	for _, f := range filters {
		filter[f.Field] = f.Value
	}

	opts := options.Find().SetSort(bson.D{{Key: mongoCreatedAt, Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.collection(kind).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoError("find documents", err)
	}
	defer cursor.Close(ctx)

	docs := make([]Document, 0)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, fromBSON(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, mapMongoError("iterate documents", err)
	}
	return docs, nil
}

// Subscribe opens a change stream on the target's collection and re-reads the
// target on every event. Requires a replica set deployment.
func (s *MongoStore) Subscribe(ctx context.Context, target Target, onNext func([]Document), onError func(error)) (CancelFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)

	pipeline := mongo.Pipeline{}
	if target.IsRef() {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{"documentKey._id": target.DocID}}})
	}

	stream, err := s.collection(target.Kind).Watch(subCtx, pipeline)
	if err != nil {
		cancel()
		return nil, mapMongoError("watch collection", err)
	}

	var once sync.Once
	stop := func() { once.Do(cancel) }

	go func() {
		defer func() { _ = stream.Close(context.Background()) }()

		fail := func(err error) {
			stop()
			if onError != nil {
				onError(err)
			}
		}

		deliver := func() bool {
			docs, err := s.snapshot(subCtx, target)
			if err != nil {
				if subCtx.Err() == nil {
					fail(err)
				}
				return false
			}
			if subCtx.Err() != nil {
				return false
			}
			if onNext != nil {
				onNext(docs)
			}
			return true
		}

		if !deliver() {
			return
		}
		for stream.Next(subCtx) {
			if !deliver() {
				return
			}
		}
		if err := stream.Err(); err != nil && subCtx.Err() == nil {
			fail(mapMongoError("change stream", err))
		}
	}()

	return stop, nil
}

func (s *MongoStore) snapshot(ctx context.Context, target Target) ([]Document, error) {
	if !target.IsRef() {
		return s.Query(ctx, target.Kind, target.Filters...)
	}
	doc, err := s.Get(ctx, target.Kind, target.DocID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []Document{}, nil
		}
		return nil, err
	}
	return []Document{doc}, nil
}

func (s *MongoStore) collection(kind Kind) *mongo.Collection {
	return s.db.Collection(string(kind))
}

func fromBSON(raw bson.M) Document {
	doc := Document{Fields: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "_id":
			doc.ID = fmt.Sprint(v)
		case mongoCreatedAt:
			doc.CreatedAt = toTime(v)
		case mongoUpdatedAt:
			doc.UpdatedAt = toTime(v)
		default:
			doc.Fields[k] = normalizeBSON(v)
		}
	}
	return doc
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	default:
		return time.Time{}
	}
}

func normalizeBSON(v any) any {
	switch t := v.(type) {
	case primitive.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeBSON(item)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeBSON(item)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}

func mapMongoError(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(mongoUnauthorized) {
		return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Store = (*MongoStore)(nil)
