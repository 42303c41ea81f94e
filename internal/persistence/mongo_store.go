package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxq/pkg/api"
)

// MongoStore is a Store backed by a MongoDB collection.
//
// Collection schema:
//
//	{
//	  _id:      ObjectID,
//	  task_id:  string,
//	  payload:  []byte,   // gob-encoded payload
//	  priority: int,
//	  seq:      int64,    // arrival order
//	  lock:     string,   // "" while pending
//	}
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool

	seqMu   sync.Mutex
	lastSeq int64
}

var (
	_ api.Store      = (*MongoStore)(nil)
	_ api.LastNTaker = (*MongoStore)(nil)
	_ api.Requeuer   = (*MongoStore)(nil)
)

type mongoTaskDoc struct {
	TaskID   string `bson:"task_id"`
	Payload  []byte `bson:"payload"`
	Priority int    `bson:"priority"`
	Seq      int64  `bson:"seq"`
	Lock     string `bson:"lock"`
}

func (d mongoTaskDoc) task() (api.Task, error) {
	payload, err := decodePayload(d.Payload)
	if err != nil {
		return api.Task{}, err
	}
	return api.Task{ID: d.TaskID, Payload: payload, Priority: d.Priority}, nil
}

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "fluxq", collName to "tasks".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "fluxq"
	}
	if collName == "" {
		collName = "tasks"
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection(collName),
	}
}

// OpenMongoStore connects to uri and returns a store that owns the client.
func OpenMongoStore(ctx context.Context, uri, dbName, collName string) (*MongoStore, error) {
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s := NewMongoStore(client, dbName, collName)
	s.owned = true
	return s, nil
}

// nextSeq returns a strictly increasing arrival stamp.
func (s *MongoStore) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *MongoStore) Connect(ctx context.Context) (int, error) {
	if err := s.client.Ping(ctx, nil); err != nil {
		return 0, err
	}
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "lock", Value: 1}, {Key: "priority", Value: -1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "task_id", Value: 1}}},
	})
	if err != nil {
		return 0, fmt.Errorf("mongo indexes: %w", err)
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"lock": ""})
	return int(n), err
}

func (s *MongoStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	var doc mongoTaskDoc
	err := s.coll.FindOne(ctx, bson.M{"task_id": id, "lock": ""}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
		}
		return nil, err
	}
	t, err := doc.task()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) PutTask(ctx context.Context, t api.Task) error {
	data, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx,
		bson.M{"task_id": t.ID, "lock": ""},
		bson.M{
			"$set":         bson.M{"payload": data, "priority": t.Priority},
			"$setOnInsert": bson.M{"seq": s.nextSeq()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"task_id": id, "lock": ""})
	return err
}

func (s *MongoStore) TakeFirstN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(ctx, n, 1)
}

func (s *MongoStore) TakeLastN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(ctx, n, -1)
}

func (s *MongoStore) take(ctx context.Context, n int, seqOrder int) (string, []api.Task, error) {
	if n <= 0 {
		return "", nil, nil
	}
	sort := bson.D{{Key: "priority", Value: -1}, {Key: "seq", Value: seqOrder}}

	cur, err := s.coll.Find(ctx, bson.M{"lock": ""},
		options.Find().SetSort(sort).SetLimit(int64(n)).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return "", nil, err
	}
	var candidates []struct {
		ID any `bson:"_id"`
	}
	if err := cur.All(ctx, &candidates); err != nil {
		return "", nil, err
	}
	if len(candidates) == 0 {
		return "", nil, nil
	}
	ids := make([]any, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	// Only documents still pending are claimed; a concurrent engine may
	// have taken some of the candidates.
	lockID := uuid.NewString()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "lock": ""},
		bson.M{"$set": bson.M{"lock": lockID}},
	)
	if err != nil {
		return "", nil, err
	}
	if res.ModifiedCount == 0 {
		return "", nil, nil
	}

	docs, err := s.findDocs(ctx, bson.M{"lock": lockID}, sort)
	if err != nil {
		return "", nil, err
	}
	tasks := make([]api.Task, 0, len(docs))
	for _, d := range docs {
		t, err := d.task()
		if err != nil {
			return "", nil, err
		}
		tasks = append(tasks, t)
	}
	return lockID, tasks, nil
}

func (s *MongoStore) findDocs(ctx context.Context, filter bson.M, sort bson.D) ([]mongoTaskDoc, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	var docs []mongoTaskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) MarkDone(ctx context.Context, lockID string) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"lock": lockID})
	return err
}

func (s *MongoStore) GetRunningTasks(ctx context.Context) (map[string][]api.Task, error) {
	docs, err := s.findDocs(ctx, bson.M{"lock": bson.M{"$ne": ""}}, bson.D{{Key: "seq", Value: 1}})
	if err != nil {
		return nil, err
	}
	running := make(map[string][]api.Task)
	for _, d := range docs {
		t, err := d.task()
		if err != nil {
			return nil, err
		}
		running[d.Lock] = append(running[d.Lock], t)
	}
	return running, nil
}

// Requeue releases a lock's documents back to pending. Documents whose
// task ID already has a pending document are deleted so the newer payload
// wins.
func (s *MongoStore) Requeue(ctx context.Context, lockID string) error {
	docs, err := s.findDocs(ctx, bson.M{"lock": lockID}, bson.D{{Key: "seq", Value: 1}})
	if err != nil {
		return err
	}
	for _, d := range docs {
		n, err := s.coll.CountDocuments(ctx, bson.M{"task_id": d.TaskID, "lock": ""})
		if err != nil {
			return err
		}
		if n > 0 {
			if _, err := s.coll.DeleteMany(ctx, bson.M{"task_id": d.TaskID, "lock": lockID}); err != nil {
				return err
			}
		}
	}
	_, err = s.coll.UpdateMany(ctx, bson.M{"lock": lockID}, bson.M{"$set": bson.M{"lock": ""}})
	return err
}

// Close disconnects the client when the store opened it.
func (s *MongoStore) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
