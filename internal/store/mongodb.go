package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"river/internal/bulk"
	"river/internal/constants"
	"river/internal/logger"
	"river/pkg/metrics"
)

const mongoDuplicateKey = 11000

// MongoStore keeps each index in a collection of the same name. Documents are
// stored as {_id, _type, _version, _source}.
//
// Each run of consecutive operations on one collection is sent as an ordered
// BulkWrite. MongoDB stops an ordered write at the first failing operation;
// the store records that failure and resubmits the rest, so one bad
// operation never blocks its siblings and order is preserved. Deleting or
// updating a missing document is not reported by BulkWrite and succeeds
// silently.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger logger.Logger
}

func NewMongoStore(client *mongo.Client, database string, log logger.Logger) *MongoStore {
	return &MongoStore{client: client, db: client.Database(database), logger: log}
}

type mongoDocument struct {
	ID      string   `bson:"_id"`
	Type    string   `bson:"_type"`
	Version int64    `bson:"_version"`
	Source  bson.Raw `bson:"_source"`
}

type pendingWrite struct {
	pos   int
	model mongo.WriteModel
}

func (s *MongoStore) Bulk(ctx context.Context, batch bulk.Batch) (*BulkResponse, error) {
	start := time.Now()
	items := make([]ItemResult, batch.Len())

	for from := 0; from < batch.Len(); {
		to := from + 1
		for to < batch.Len() && batch.Operations[to].Index == batch.Operations[from].Index {
			to++
		}
		if err := s.writeRun(ctx, batch.Operations, from, to, items); err != nil {
			metrics.ObserveStoreRequest(constants.StoreTypeMongoDB, "bulk", constants.StatusError, time.Since(start))
			return nil, err
		}
		from = to
	}

	resp := &BulkResponse{Items: items, Took: time.Since(start)}
	metrics.ObserveStoreRequest(constants.StoreTypeMongoDB, "bulk", constants.StatusOK, resp.Took)
	return resp, nil
}

// writeRun applies ops[from:to], which all target one collection, filling
// items at the same positions.
func (s *MongoStore) writeRun(ctx context.Context, ops []bulk.Operation, from, to int, items []ItemResult) error {
	coll := s.db.Collection(ops[from].Index)

	pending := make([]pendingWrite, 0, to-from)
	for pos := from; pos < to; pos++ {
		model, err := writeModel(ops[pos])
		if err != nil {
			items[pos] = newItem(ops[pos], http.StatusBadRequest, itemError(ops[pos], http.StatusBadRequest, err.Error()))
			continue
		}
		pending = append(pending, pendingWrite{pos: pos, model: model})
	}

	for len(pending) > 0 {
		models := make([]mongo.WriteModel, len(pending))
		for i, p := range pending {
			models[i] = p.model
		}

		_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
		if err == nil {
			for _, p := range pending {
				items[p.pos] = newItem(ops[p.pos], successStatus(ops[p.pos].Action), nil)
			}
			return nil
		}

		var bwe mongo.BulkWriteException
		if !stderrors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
			return classifyMongoError(err)
		}

		failed := bwe.WriteErrors[0]
		for _, p := range pending[:failed.Index] {
			items[p.pos] = newItem(ops[p.pos], successStatus(ops[p.pos].Action), nil)
		}
		bad := pending[failed.Index]
		status := http.StatusBadRequest
		if failed.Code == mongoDuplicateKey {
			status = http.StatusConflict
		}
		items[bad.pos] = newItem(ops[bad.pos], status, itemError(ops[bad.pos], status, failed.Message))

		s.logger.DebugwCtx(ctx, "Resubmitting remainder of ordered bulk write",
			"collection", coll.Name(),
			"failed_id", ops[bad.pos].ID,
			"remaining", len(pending)-failed.Index-1,
		)
		pending = pending[failed.Index+1:]
	}
	return nil
}

func successStatus(action bulk.Action) int {
	if action == bulk.ActionCreate {
		return http.StatusCreated
	}
	return http.StatusOK
}

func writeModel(op bulk.Operation) (mongo.WriteModel, error) {
	switch op.Action {
	case bulk.ActionIndex:
		source, err := sourceDocument(op)
		if err != nil {
			return nil, err
		}
		filter := bson.D{{Key: "_id", Value: op.ID}}
		set := bson.D{{Key: "_type", Value: op.Type}, {Key: "_source", Value: source}}
		update := bson.D{}

		switch {
		case isExternal(op):
			cmp := "$lt"
			if op.VersionType == "external_gte" {
				cmp = "$lte"
			}
			filter = append(filter, bson.E{Key: "_version", Value: bson.D{{Key: cmp, Value: *op.Version}}})
			set = append(set, bson.E{Key: "_version", Value: *op.Version})
		case op.Version != nil:
			// A mismatching internal version misses the filter and the upsert
			// collides with the existing _id.
			filter = append(filter, bson.E{Key: "_version", Value: *op.Version})
			update = append(update, bson.E{Key: "$inc", Value: bson.D{{Key: "_version", Value: int64(1)}}})
		default:
			update = append(update, bson.E{Key: "$inc", Value: bson.D{{Key: "_version", Value: int64(1)}}})
		}
		update = append(bson.D{{Key: "$set", Value: set}}, update...)

		return mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true), nil

	case bulk.ActionCreate:
		source, err := sourceDocument(op)
		if err != nil {
			return nil, err
		}
		version := int64(1)
		if isExternal(op) {
			version = *op.Version
		}
		return mongo.NewInsertOneModel().SetDocument(bson.D{
			{Key: "_id", Value: op.ID},
			{Key: "_type", Value: op.Type},
			{Key: "_version", Value: version},
			{Key: "_source", Value: source},
		}), nil

	case bulk.ActionDelete:
		return mongo.NewDeleteOneModel().SetFilter(bson.D{{Key: "_id", Value: op.ID}}), nil

	case bulk.ActionUpdate:
		req, err := parseUpdate(op.Body)
		if err != nil {
			return nil, err
		}

		set := bson.D{}
		flattenInto(&set, "_source", req.Doc)
		update := bson.D{{Key: "$inc", Value: bson.D{{Key: "_version", Value: int64(1)}}}}
		if len(set) > 0 {
			update = append(update, bson.E{Key: "$set", Value: set})
		}

		model := mongo.NewUpdateOneModel().SetFilter(bson.D{{Key: "_id", Value: op.ID}})
		if upsert := req.upsertDocument(); upsert != nil {
			onInsert := bson.D{{Key: "_type", Value: op.Type}}
			for k, v := range upsert {
				if _, inDoc := req.Doc[k]; !inDoc {
					onInsert = append(onInsert, bson.E{Key: "_source." + k, Value: v})
				}
			}
			update = append(update, bson.E{Key: "$setOnInsert", Value: onInsert})
			model.SetUpsert(true)
		}
		return model.SetUpdate(update), nil
	}

	return nil, fmt.Errorf("unsupported action %q", op.Action)
}

func isExternal(op bulk.Operation) bool {
	if op.Version == nil {
		return false
	}
	switch op.VersionType {
	case "external", "external_gt", "external_gte":
		return true
	}
	return false
}

// sourceDocument converts the JSON body into BSON, keeping field order.
func sourceDocument(op bulk.Operation) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(op.Body, false, &doc); err != nil {
		return nil, fmt.Errorf("document body is not a JSON object: %w", err)
	}
	return doc, nil
}

// flattenInto writes patch as dotted $set paths so nested objects merge
// instead of replacing whole subdocuments.
func flattenInto(set *bson.D, prefix string, patch map[string]interface{}) {
	for k, v := range patch {
		path := prefix + "." + k
		if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
			flattenInto(set, path, nested)
			continue
		}
		*set = append(*set, bson.E{Key: path, Value: v})
	}
}

func (s *MongoStore) Get(ctx context.Context, index, typ, id string) (*Document, error) {
	start := time.Now()
	var doc mongoDocument
	err := s.db.Collection(index).FindOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "_type", Value: typ}}).Decode(&doc)
	metrics.ObserveStoreRequest(constants.StoreTypeMongoDB, "get", statusOf(err), time.Since(start))
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(index, typ, id)
	}
	if err != nil {
		return nil, classifyMongoError(err)
	}

	source, err := bson.MarshalExtJSON(doc.Source, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s as JSON: %w", id, err)
	}

	return &Document{
		Index:   index,
		Type:    doc.Type,
		ID:      doc.ID,
		Version: doc.Version,
		Source:  source,
	}, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// classifyMongoError treats network, timeout and write concern failures as
// transient and everything else as a rejected request.
func classifyMongoError(err error) error {
	var bwe mongo.BulkWriteException
	switch {
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return unavailable(err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return unavailable(err)
	case stderrors.As(err, &bwe) && bwe.WriteConcernError != nil:
		return unavailable(err)
	case stderrors.Is(err, mongo.ErrClientDisconnected):
		return unavailable(err)
	}

	var serverErr mongo.ServerError
	if stderrors.As(err, &serverErr) {
		return rejected(err)
	}
	return unavailable(err)
}

func statusOf(err error) string {
	if err != nil && !stderrors.Is(err, mongo.ErrNoDocuments) {
		return constants.StatusError
	}
	return constants.StatusOK
}
