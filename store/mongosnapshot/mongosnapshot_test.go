package mongosnapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/role"
)

type fakeCollection struct {
	lastFilter any
	lastUpdate any
	upsertErr  error

	stored   Record
	hasStored bool
	findErr  error
}

func (f *fakeCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	if f.findErr != nil {
		return fakeSingleResult{err: f.findErr}
	}
	if !f.hasStored {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{rec: f.stored}
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	f.lastFilter = filter
	f.lastUpdate = update
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	if setDoc, ok := update.(bson.M)["$set"].(Record); ok {
		f.stored = setDoc
		f.hasStored = true
	}
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "task_id_1", nil
}

type fakeSingleResult struct {
	rec Record
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	ptr, ok := val.(*Record)
	if !ok {
		return errors.New("mongosnapshot: unexpected decode target in test fake")
	}
	*ptr = r.rec
	return nil
}

func newTestClient(coll *fakeCollection) *client {
	return &client{coll: coll, timeout: time.Second}
}

func TestUpsertSnapshotStoresProjectedSteps(t *testing.T) {
	now := time.Now()
	snap := flow.Snapshot{
		TaskID: "t1",
		Order:  []string{"s1"},
		Steps: map[string]flow.Step{
			"s1": {ID: "s1", Name: "research", Role: role.Researcher, Status: flow.StatusCompleted, Ordinal: 0, CompletedAt: &now, Output: "the findings"},
		},
		Progress: flow.Progress{Total: 1, Completed: 1},
	}

	coll := &fakeCollection{}
	c := newTestClient(coll)
	require.NoError(t, c.UpsertSnapshot(context.Background(), snap))

	require.True(t, coll.hasStored)
	require.Len(t, coll.stored.Steps, 1)
	assert.Equal(t, "s1", coll.stored.Steps[0].ID)
	assert.Equal(t, "the findings", coll.stored.Steps[0].Output)
	assert.Equal(t, "completed", coll.stored.Steps[0].Status)
}

func TestLoadSnapshotReturnsFalseWhenNothingMirrored(t *testing.T) {
	c := newTestClient(&fakeCollection{})
	rec, ok, err := c.LoadSnapshot(context.Background(), "missing-task")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rec.Steps)
}

func TestLoadSnapshotReturnsMirroredRecord(t *testing.T) {
	coll := &fakeCollection{}
	c := newTestClient(coll)
	snap := flow.Snapshot{TaskID: "t1", Order: []string{"s1"}, Steps: map[string]flow.Step{
		"s1": {ID: "s1", Role: role.Writer, Status: flow.StatusCompleted, Output: "body"},
	}}
	require.NoError(t, c.UpsertSnapshot(context.Background(), snap))

	rec, ok, err := c.LoadSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", rec.TaskID)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, "body", rec.Steps[0].Output)
}

func TestOutputStringIgnoresNonStringValues(t *testing.T) {
	assert.Equal(t, "", outputString(nil))
	assert.Equal(t, "", outputString(map[string]any{"path": "main.go"}))
	assert.Equal(t, "hello", outputString("hello"))
}

func TestErrStringFormatsWrappedError(t *testing.T) {
	assert.Equal(t, "", errString(nil))
	assert.Equal(t, "boom", errString(errors.New("boom")))
}
