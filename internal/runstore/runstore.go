// Package runstore optionally persists one summary document per
// completed benchmark run to MongoDB. Persistence is a recorded-after-
// the-fact artifact, not protocol state: a run produces an identical
// stats line on stdout whether or not a store is configured.
package runstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sincronizacion-distribuida/lamutex/internal/stats"
)

// RunResult is one completed benchmark invocation.
type RunResult struct {
	NPeers          int32     `bson:"npeers"`
	Rounds          int32     `bson:"rounds"`
	TotalMemoryKB   int64     `bson:"total_memory_kb"`
	WallclockTime   float64   `bson:"wallclock_time"`
	TotalProcessSec float64   `bson:"total_process_time_sec"`
	TotalUserSec    float64   `bson:"total_user_time_sec"`
	RecordedAt      time.Time `bson:"recorded_at"`
}

// Store writes RunResult documents to a single collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect dials uri and returns a Store backed by db.runs. Callers must
// call Close when done.
func Connect(ctx context.Context, uri, db string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &Store{
		client:     client,
		collection: client.Database(db).Collection("runs"),
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Record builds a RunResult from a finished run's summary and npeers,
// rounds, then inserts it.
func (s *Store) Record(ctx context.Context, npeers, rounds int32, summary stats.Summary, recordedAt time.Time) error {
	processTime := summary.TotalUserTime.Add(summary.TotalSystemTime)
	result := RunResult{
		NPeers:          npeers,
		Rounds:          rounds,
		TotalMemoryKB:   summary.TotalMemory,
		WallclockTime:   summary.WallclockTime,
		TotalProcessSec: float64(processTime.Sec) + float64(processTime.Usec)/1e6,
		TotalUserSec:    float64(summary.TotalUserTime.Sec) + float64(summary.TotalUserTime.Usec)/1e6,
		RecordedAt:      recordedAt,
	}
	_, err := s.collection.InsertOne(ctx, bson.M{
		"npeers":                 result.NPeers,
		"rounds":                 result.Rounds,
		"total_memory_kb":        result.TotalMemoryKB,
		"wallclock_time":         result.WallclockTime,
		"total_process_time_sec": result.TotalProcessSec,
		"total_user_time_sec":    result.TotalUserSec,
		"recorded_at":            result.RecordedAt,
	})
	return err
}
