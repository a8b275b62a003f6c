package runlog

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentscript-run/runtime/runtime/codeagent/telemetry"
)

// collection is the narrow subset of *mongo.Collection MongoSink needs,
// letting tests substitute a fake instead of a live connection.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
}

// MongoSink is a Mongo-backed Sink, adapted from the teacher's
// features/runlog/mongo client down to a single best-effort Record: there
// is no List/Page here because nothing in this runtime ever reads a runlog
// back (unlike the teacher's own dashboard use case).
type MongoSink struct {
	coll collection
	log  telemetry.Logger
}

// MongoOptions configures a MongoSink.
type MongoOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Logger     telemetry.Logger
}

const defaultCollection = "toolcode_run_events"

type entryDocument struct {
	RunID     string    `bson:"run_id"`
	Turn      string    `bson:"turn"`
	Detail    string    `bson:"detail"`
	Timestamp time.Time `bson:"timestamp"`
}

// NewMongoSink builds a Sink backed by the given Mongo client.
func NewMongoSink(opts MongoOptions) (*MongoSink, error) {
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	idx := mongo.IndexModel{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "timestamp", Value: 1}}}
	if _, err := mcoll.Indexes().CreateOne(ctx, idx, options.Index()); err != nil {
		return nil, err
	}

	return &MongoSink{coll: mcoll, log: logger}, nil
}

// Record implements Sink. Failures are logged, never propagated: a runlog
// write must not perturb the orchestrator turn it describes.
func (s *MongoSink) Record(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := entryDocument{
		RunID:     e.RunID,
		Turn:      e.Turn,
		Detail:    e.Detail,
		Timestamp: e.Timestamp.UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		s.log.Warn(ctx, "runlog: failed to record entry", "run_id", e.RunID, "turn", e.Turn, "error", err.Error())
	}
}
