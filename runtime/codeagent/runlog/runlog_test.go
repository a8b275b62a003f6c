package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestNoop_RecordIsANoOp(t *testing.T) {
	var sink Sink = Noop{}
	require.NotPanics(t, func() {
		sink.Record(context.Background(), Entry{RunID: "run-1", Turn: "sandbox"})
	})
}

// fakeCollection implements collection without a live Mongo connection,
// mirroring the teacher's fakeCollection in
// features/runlog/mongo/clients/mongo/client_test.go.
type fakeCollection struct {
	inserted []any
	err      error
}

func (f *fakeCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inserted = append(f.inserted, document)
	return &mongo.InsertOneResult{}, nil
}

type capturingLogger struct {
	warnMsg     string
	warnKeyvals []any
}

func (capturingLogger) Debug(context.Context, string, ...any) {}
func (capturingLogger) Info(context.Context, string, ...any)  {}
func (l *capturingLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.warnMsg = msg
	l.warnKeyvals = keyvals
}
func (capturingLogger) Error(context.Context, string, ...any) {}

func TestMongoSink_RecordInsertsDocument(t *testing.T) {
	coll := &fakeCollection{}
	sink := &MongoSink{coll: coll, log: &capturingLogger{}}

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink.Record(context.Background(), Entry{RunID: "run-1", Turn: "sandbox", Detail: "partial", Timestamp: ts})

	require.Len(t, coll.inserted, 1)
	doc, ok := coll.inserted[0].(entryDocument)
	require.True(t, ok)
	require.Equal(t, "run-1", doc.RunID)
	require.Equal(t, "sandbox", doc.Turn)
	require.Equal(t, "partial", doc.Detail)
	require.True(t, doc.Timestamp.Equal(ts))
}

func TestMongoSink_RecordNeverPropagatesInsertFailure(t *testing.T) {
	coll := &fakeCollection{err: errors.New("connection refused")}
	logger := &capturingLogger{}
	sink := &MongoSink{coll: coll, log: logger}

	require.NotPanics(t, func() {
		sink.Record(context.Background(), Entry{RunID: "run-2", Turn: "llm"})
	})
	require.Equal(t, "runlog: failed to record entry", logger.warnMsg)
	require.Contains(t, logger.warnKeyvals, "run-2")
}
