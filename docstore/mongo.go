package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps each collection path in its own MongoDB collection,
// with the document id as _id.
type MongoStore struct {
	db     *mongo.Database
	logger *slog.Logger
}

// ConnectMongo dials uri and pings the server.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri).
		SetRetryReads(true).
		SetRetryWrites(true).
		SetConnectTimeout(30 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// NewMongoStore creates a store backed by database.
func NewMongoStore(db *mongo.Database, logger *slog.Logger) *MongoStore {
	return &MongoStore{db: db, logger: logger}
}

// collectionName flattens subcollection paths ("subChats/x/messages" becomes "subChats.x.messages").
func collectionName(collection string) string {
	return strings.ReplaceAll(collection, "/", ".")
}

func (m *MongoStore) coll(collection string) (*mongo.Collection, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	return m.db.Collection(collectionName(collection)), nil
}

func bsonSnapshot(raw bson.Raw) (Snapshot, error) {
	idVal, err := raw.LookupErr("_id")
	if err != nil {
		return Snapshot{}, fmt.Errorf("document without _id: %w", err)
	}
	id, ok := idVal.StringValueOK()
	if !ok {
		return Snapshot{}, errors.New("document _id is not a string")
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	return Snapshot{ID: id, raw: data, decode: bson.Unmarshal}, nil
}

// Get decodes the document into dst.
func (m *MongoStore) Get(ctx context.Context, collection, id string, dst any) error {
	c, err := m.coll(collection)
	if err != nil {
		return err
	}
	err = c.FindOne(ctx, bson.M{"_id": id}).Decode(dst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find %s/%s: %w", collection, id, err)
	}
	return nil
}

// Set replaces the document.
func (m *MongoStore) Set(ctx context.Context, collection, id string, doc any) error {
	c, err := m.coll(collection)
	if err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	_, err = c.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace %s/%s: %w", collection, id, err)
	}
	return nil
}

// Create inserts the document, failing with ErrAlreadyExists on a duplicate id.
func (m *MongoStore) Create(ctx context.Context, collection, id string, doc any) error {
	c, err := m.coll(collection)
	if err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	var fields bson.D
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	fields = append(bson.D{{Key: "_id", Value: id}}, fields...)
	if _, err := c.InsertOne(ctx, fields); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return nil
}

// Add inserts the document under a random id.
func (m *MongoStore) Add(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.NewString()
	if err := m.Create(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func mongoUpdate(updates []Update) (bson.M, error) {
	ops := bson.M{}
	group := func(op string) bson.M {
		g, ok := ops[op].(bson.M)
		if !ok {
			g = bson.M{}
			ops[op] = g
		}
		return g
	}
	for _, u := range updates {
		if u.Path == "" {
			return nil, errors.New("docstore: empty update path")
		}
		switch u.kind {
		case updateSet:
			group("$set")[u.Path] = u.value
		case updateServerTimestamp:
			group("$currentDate")[u.Path] = true
		case updateDelete:
			group("$unset")[u.Path] = ""
		case updateArrayAdd:
			group("$addToSet")[u.Path] = bson.M{"$each": u.values}
		case updateArrayRemove:
			group("$pull")[u.Path] = bson.M{"$in": u.values}
		}
	}
	return ops, nil
}

// Update applies updates with a single server-side update operation.
func (m *MongoStore) Update(ctx context.Context, collection, id string, updates ...Update) error {
	c, err := m.coll(collection)
	if err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if err := validateUpdates(updates); err != nil {
		return err
	}
	ops, err := mongoUpdate(updates)
	if err != nil {
		return err
	}
	res, err := c.UpdateOne(ctx, bson.M{"_id": id}, ops)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the document.
func (m *MongoStore) Delete(ctx context.Context, collection, id string) error {
	c, err := m.coll(collection)
	if err != nil {
		return err
	}
	if _, err := c.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func mongoFilter(filters []Filter) bson.M {
	out := bson.M{}
	for _, f := range filters {
		cond, ok := out[f.Field].(bson.M)
		if !ok {
			cond = bson.M{}
			out[f.Field] = cond
		}
		switch f.Op {
		case OpEq:
			cond["$eq"] = f.Value
		case OpLT:
			cond["$lt"] = f.Value
		case OpLTE:
			cond["$lte"] = f.Value
		case OpGT:
			cond["$gt"] = f.Value
		case OpGTE:
			cond["$gte"] = f.Value
		case OpIn:
			cond["$in"] = f.Value
		case OpArrayContains:
			all, _ := cond["$all"].([]any)
			cond["$all"] = append(all, f.Value)
		}
	}
	return out
}

// Query runs q as a find with sort and limit.
func (m *MongoStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	c, err := m.coll(collection)
	if err != nil {
		return nil, err
	}
	filter := mongoFilter(q.Filters)
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
		// Documents without the order field are excluded, as on the blob backends.
		cond, ok := filter[q.OrderBy].(bson.M)
		if !ok {
			cond = bson.M{}
			filter[q.OrderBy] = cond
		}
		cond["$exists"] = true
	} else {
		opts.SetSort(bson.D{{Key: "_id", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer func() {
		if closeErr := cur.Close(ctx); closeErr != nil {
			m.logger.Warn("Failed to close cursor", "collection", collection, "error", closeErr)
		}
	}()

	var out []Snapshot
	for cur.Next(ctx) {
		snap, err := bsonSnapshot(cur.Current)
		if err != nil {
			m.logger.Warn("Skipping undecodable document", "collection", collection, "error", err)
			continue
		}
		out = append(out, snap)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}
