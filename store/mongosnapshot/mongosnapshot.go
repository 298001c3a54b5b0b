// Package mongosnapshot mirrors ExecutionFlow snapshots to MongoDB after
// every scheduler wave, so an external operator process can inspect a
// still-running task's progress without attaching to the engine itself.
// This is read-only observability: the engine's Non-goals still exclude
// durable resumption across restarts, and nothing here is read back into a
// live ExecutionFlow.
//
// Grounded on features/run/mongo and its clients/mongo/client.go: the same
// options-struct-plus-collection-interface shape, upsert-by-key semantics,
// and per-call context.WithTimeout discipline, retargeted here from
// upserting a single run.Record keyed by run id to upserting a flow
// snapshot keyed by task id.
package mongosnapshot

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/nimbusforge/swarm/flow"
)

const (
	defaultCollection = "flow_snapshots"
	defaultTimeout    = 5 * time.Second
)

// StepView is a flattened, JSON/BSON-friendly projection of a flow.Step:
// Output keeps a string output as is (any other output type is stored
// empty) and Err is rendered to its message, since
// neither `any` nor `error` round-trips faithfully through BSON and this
// store is read-only observability, not state reconstruction.
type StepView struct {
	ID          string     `bson:"id"`
	Name        string     `bson:"name"`
	Role        string     `bson:"role"`
	Status      string     `bson:"status"`
	Ordinal     int        `bson:"ordinal"`
	StartedAt   *time.Time `bson:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	RetryCount  int        `bson:"retry_count"`
	Output      string     `bson:"output,omitempty"`
	Err         string     `bson:"error,omitempty"`
}

// Record is the mirrored document for one task.
type Record struct {
	TaskID   string           `bson:"task_id"`
	Steps    []StepView       `bson:"steps"`
	Progress flow.Progress    `bson:"progress"`
	Waves    []flow.WaveStats `bson:"waves"`
	SyncedAt time.Time        `bson:"synced_at"`
}

// Client is the mirror boundary consumed by scheduler.SnapshotMirror.
type Client interface {
	Ping(ctx context.Context) error
	UpsertSnapshot(ctx context.Context, snap flow.Snapshot) error
	LoadSnapshot(ctx context.Context, taskID string) (Record, bool, error)
}

// Options configures the Mongo-backed mirror.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongosnapshot: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongosnapshot: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertSnapshot mirrors snap, replacing any prior document for the same
// task id.
func (c *client) UpsertSnapshot(ctx context.Context, snap flow.Snapshot) error {
	doc := fromSnapshot(snap)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"task_id": doc.TaskID}
	update := bson.M{"$set": doc}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadSnapshot retrieves the mirrored Record for taskID, or ok=false if
// nothing has been mirrored yet.
func (c *client) LoadSnapshot(ctx context.Context, taskID string) (Record, bool, error) {
	if taskID == "" {
		return Record{}, false, errors.New("mongosnapshot: task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc Record
	err := c.coll.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return doc, true, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func fromSnapshot(snap flow.Snapshot) Record {
	steps := make([]StepView, 0, len(snap.Steps))
	for _, id := range snap.Order {
		s, ok := snap.Steps[id]
		if !ok {
			continue
		}
		steps = append(steps, StepView{
			ID:          s.ID,
			Name:        s.Name,
			Role:        string(s.Role),
			Status:      string(s.Status),
			Ordinal:     s.Ordinal,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			RetryCount:  s.RetryCount,
			Output:      outputString(s.Output),
			Err:         errString(s.Err),
		})
	}
	return Record{
		TaskID:   snap.TaskID,
		Steps:    steps,
		Progress: snap.Progress,
		Waves:    snap.Waves,
		SyncedAt: time.Now().UTC(),
	}
}

func outputString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection narrows *mongodriver.Collection to the handful of methods this
// package calls, so tests can substitute a fake instead of a live server
// (this module's tests are unit/property-based, not Docker-backed).
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
