package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore binds a tenant to a MongoDB database through one pooled client.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to uri and pings the server before returning. The
// database is taken from the URI path, falling back to ehr_<tenant>.
func OpenMongo(ctx context.Context, tenantID, uri string, opts Options) (*MongoStore, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if opts.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(opts.ConnectTimeout)
		clientOpts.SetServerSelectionTimeout(opts.ConnectTimeout)
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb for tenant %s: %w", tenantID, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb for tenant %s: %w", tenantID, err)
	}

	st := &MongoStore{
		client: client,
		db:     client.Database(databaseName(tenantID, uri)),
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("prepare tenant %s: %w", tenantID, err)
	}
	return st, nil
}

func databaseName(tenantID, uri string) string {
	if u, err := url.Parse(uri); err == nil {
		if name := strings.Trim(u.Path, "/"); name != "" {
			return name
		}
	}
	return "ehr_" + strings.ToLower(tenantID)
}

// EnsureIndexes creates the unique patient key each tenant relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(CollectionPatients).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "patient_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("UniquePatientID"),
	})
	if err != nil {
		return fmt.Errorf("create patient index: %w", err)
	}
	return nil
}

func toBSON(f Filter) bson.M {
	if f == nil {
		return bson.M{}
	}
	return bson.M(f)
}

func updateDoc(u Update) bson.M {
	doc := bson.M{}
	if len(u.Set) > 0 {
		doc["$set"] = bson.M(u.Set)
	}
	if len(u.SetOnInsert) > 0 {
		doc["$setOnInsert"] = bson.M(u.SetOnInsert)
	}
	if len(u.Push) > 0 {
		doc["$push"] = bson.M(u.Push)
	}
	if len(u.Inc) > 0 {
		doc["$inc"] = bson.M(u.Inc)
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, path := range u.Unset {
			unset[path] = ""
		}
		doc["$unset"] = unset
	}
	return doc
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNoDocuments
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

func (s *MongoStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error) {
	findOpts := options.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if len(opts.Sort) > 0 {
		sort := bson.D{}
		for _, f := range opts.Sort {
			dir := 1
			if f.Descending {
				dir = -1
			}
			sort = append(sort, bson.E{Key: f.Field, Value: dir})
		}
		findOpts.SetSort(sort)
	}

	cur, err := s.db.Collection(collection).Find(ctx, toBSON(filter), findOpts)
	if err != nil {
		return nil, translateErr(err)
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, translateErr(err)
	}
	return fromBSONList(raw), nil
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	var raw bson.M
	if err := s.db.Collection(collection).FindOne(ctx, toBSON(filter)).Decode(&raw); err != nil {
		return nil, translateErr(err)
	}
	return fromBSON(raw), nil
}

func (s *MongoStore) InsertOne(ctx context.Context, collection string, doc Document) (interface{}, error) {
	res, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc))
	if err != nil {
		return nil, translateErr(err)
	}
	return res.InsertedID, nil
}

func (s *MongoStore) InsertMany(ctx context.Context, collection string, docs []Document) ([]interface{}, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	batch := make([]interface{}, len(docs))
	for i, d := range docs {
		batch[i] = bson.M(d)
	}
	res, err := s.db.Collection(collection).InsertMany(ctx, batch, options.InsertMany().SetOrdered(true))
	if err != nil {
		var ids []interface{}
		if res != nil {
			ids = res.InsertedIDs
		}
		return ids, translateErr(err)
	}
	return res.InsertedIDs, nil
}

func (s *MongoStore) UpdateOne(ctx context.Context, collection string, filter Filter, update Update, upsert bool) (*UpdateResult, error) {
	if update.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, toBSON(filter), updateDoc(update), options.UpdateOne().SetUpsert(upsert))
	if err != nil {
		return nil, translateErr(err)
	}
	return &UpdateResult{
		Matched:    res.MatchedCount,
		Modified:   res.ModifiedCount,
		UpsertedID: res.UpsertedID,
	}, nil
}

func (s *MongoStore) DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, translateErr(err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, toBSON(filter))
	return n, translateErr(err)
}

func (s *MongoStore) Aggregate(ctx context.Context, collection string, pipeline []Document) ([]Document, error) {
	stages := make([]bson.M, len(pipeline))
	for i, stage := range pipeline {
		stages[i] = bson.M(stage)
	}
	cur, err := s.db.Collection(collection).Aggregate(ctx, stages)
	if err != nil {
		return nil, translateErr(err)
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, translateErr(err)
	}
	return fromBSONList(raw), nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func fromBSONList(raw []bson.M) []Document {
	out := make([]Document, len(raw))
	for i, m := range raw {
		out[i] = fromBSON(m)
	}
	return out
}

func fromBSON(m bson.M) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = normalizeBSON(v)
	}
	return out
}

// normalizeBSON converts driver value types into the plain Go shapes the rest
// of the bridge works with. Object ids are kept so they can be filtered on.
func normalizeBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = normalizeBSON(vv)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = normalizeBSON(vv)
		}
		return out
	case bson.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	}
	return v
}

var _ TenantStore = (*MongoStore)(nil)
var _ TenantStore = (*MemoryStore)(nil)
