package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const connectTimeout = 10 * time.Second

// MongoStore keeps the record as a single document keyed by its type field.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

type stateDocument struct {
	Type      string    `bson:"type"`
	Enabled   bool      `bson:"enabled"`
	Stats     Stats     `bson:"stats"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: mongo uri is required", ErrInvalidStore)
	}

	opts := options.Client().ApplyURI(uri)
	if opts.ServerSelectionTimeout == nil {
		opts.SetServerSelectionTimeout(connectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongo: %w", ErrInvalidStore, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Join(fmt.Errorf("ping mongo: %w", err), disconnect(client))
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "type", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create type index: %w", err), disconnect(client))
	}

	return &MongoStore{client: client, coll: coll, now: time.Now}, nil
}

func toDocument(st ModuleState, at time.Time) stateDocument {
	return stateDocument{
		Type:      RecordType,
		Enabled:   st.Enabled,
		Stats:     st.Stats,
		UpdatedAt: at.UTC(),
	}
}

func (d stateDocument) moduleState() ModuleState {
	st := ModuleState{Enabled: d.Enabled, Stats: d.Stats}
	st.normalize()
	return st
}

func (s *MongoStore) Load(ctx context.Context) (ModuleState, error) {
	var doc stateDocument
	err := s.coll.FindOne(ctx, bson.M{"type": RecordType}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ModuleState{}, ErrNotFound
		}
		return ModuleState{}, fmt.Errorf("find state: %w", err)
	}
	return doc.moduleState(), nil
}

func (s *MongoStore) Save(ctx context.Context, st ModuleState) error {
	doc := toDocument(st, s.now())
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"type": RecordType},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	return disconnect(s.client)
}

func disconnect(client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
