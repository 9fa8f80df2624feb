package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"river/internal/bulk"
)

func lookup(d bson.D, key string) interface{} {
	for _, e := range d {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func TestWriteModelIndex(t *testing.T) {
	model, err := writeModel(op(bulk.ActionIndex, "1", `{"type1":{"field1":"value1"}}`))
	require.NoError(t, err)

	m, ok := model.(*mongo.UpdateOneModel)
	require.True(t, ok)
	require.NotNil(t, m.Upsert)
	assert.True(t, *m.Upsert)
	assert.Equal(t, bson.D{{Key: "_id", Value: "1"}}, m.Filter)

	update := m.Update.(bson.D)
	set := lookup(update, "$set").(bson.D)
	assert.Equal(t, "type1", lookup(set, "_type"))
	source := lookup(set, "_source").(bson.D)
	require.Len(t, source, 1)
	assert.Equal(t, "type1", source[0].Key)
	assert.NotNil(t, lookup(update, "$inc"))
}

func TestWriteModelExternalVersion(t *testing.T) {
	model, err := writeModel(versioned(op(bulk.ActionIndex, "1", `{}`), 7, "external"))
	require.NoError(t, err)

	m := model.(*mongo.UpdateOneModel)
	filter := m.Filter.(bson.D)
	assert.Equal(t, bson.D{{Key: "$lt", Value: int64(7)}}, lookup(filter, "_version"))

	set := lookup(m.Update.(bson.D), "$set").(bson.D)
	assert.Equal(t, int64(7), lookup(set, "_version"))
	assert.Nil(t, lookup(m.Update.(bson.D), "$inc"))
}

func TestWriteModelCreateAndDelete(t *testing.T) {
	model, err := writeModel(op(bulk.ActionCreate, "1", `{"a":1}`))
	require.NoError(t, err)
	insert := model.(*mongo.InsertOneModel)
	doc := insert.Document.(bson.D)
	assert.Equal(t, "1", lookup(doc, "_id"))
	assert.Equal(t, int64(1), lookup(doc, "_version"))

	model, err = writeModel(op(bulk.ActionDelete, "2", ""))
	require.NoError(t, err)
	del := model.(*mongo.DeleteOneModel)
	assert.Equal(t, bson.D{{Key: "_id", Value: "2"}}, del.Filter)
}

func TestWriteModelUpdateFlattensDoc(t *testing.T) {
	model, err := writeModel(op(bulk.ActionUpdate, "1", `{"doc":{"a":1,"nested":{"y":3}},"doc_as_upsert":true}`))
	require.NoError(t, err)

	m := model.(*mongo.UpdateOneModel)
	require.NotNil(t, m.Upsert)
	assert.True(t, *m.Upsert)

	set := lookup(m.Update.(bson.D), "$set").(bson.D)
	assert.Equal(t, json.Number("1"), lookup(set, "_source.a"))
	assert.Equal(t, json.Number("3"), lookup(set, "_source.nested.y"))

	onInsert := lookup(m.Update.(bson.D), "$setOnInsert").(bson.D)
	assert.Equal(t, "type1", lookup(onInsert, "_type"))
}

func TestWriteModelUpdateWithoutUpsertDoesNotInsert(t *testing.T) {
	model, err := writeModel(op(bulk.ActionUpdate, "1", `{"doc":{"a":1}}`))
	require.NoError(t, err)
	m := model.(*mongo.UpdateOneModel)
	assert.Nil(t, m.Upsert)
	assert.Nil(t, lookup(m.Update.(bson.D), "$setOnInsert"))
}

func TestWriteModelRejectsBadBodies(t *testing.T) {
	_, err := writeModel(op(bulk.ActionIndex, "1", `"just a string"`))
	assert.Error(t, err)

	_, err = writeModel(op(bulk.ActionUpdate, "1", `{"script":"x"}`))
	assert.Error(t, err)
}

func TestClassifyMongoError(t *testing.T) {
	assert.True(t, IsUnavailable(classifyMongoError(context.DeadlineExceeded)))
	assert.True(t, IsUnavailable(classifyMongoError(mongo.ErrClientDisconnected)))
	assert.False(t, IsUnavailable(classifyMongoError(mongo.CommandError{Code: 13, Message: "unauthorized"})))
}
