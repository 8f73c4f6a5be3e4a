// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mongodb provides the MongoLike vendor backend.
//
// Documents are stored as is, with string _id fields.
// Databases are created with an empty marker collection,
// so they exist until dropped, even without user collections.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/codec"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
	"github.com/FerretDB/docstore/internal/util/logging"
)

// Feature flags of the MongoLike vendor.
// Unset flags keep connection string and driver defaults.
const (
	FlagRetryWrites      = "retryWrites"
	FlagDirectConnection = "directConnection"
)

// markerCollection is the collection created in every database; it is never listed.
const markerCollection = "_docstore"

// MongoDB server error codes.
const (
	errBadValue        = 2
	errTypeMismatch    = 14
	errPathNotViable   = 28
	errNamespaceExists = 48
)

// systemDatabases are never listed.
var systemDatabases = []string{"admin", "config", "local"}

// Backend implements persistence.Backend for the MongoLike vendor.
type Backend struct {
	config  *persistence.Config
	codec   *codec.Registry
	l       *zap.Logger
	metrics *poolMetrics

	rw     sync.RWMutex
	client *mongo.Client
}

// NewBackend creates a new MongoLike backend.
func NewBackend(config *persistence.Config, l *zap.Logger) (*Backend, error) {
	if err := config.CheckFlags(persistence.MongoLike, FlagRetryWrites, FlagDirectConnection); err != nil {
		return nil, err
	}

	return &Backend{
		config:  config,
		codec:   codec.NewRegistry(),
		l:       l,
		metrics: newPoolMetrics(),
	}, nil
}

// Vendor implements persistence.Backend.
func (b *Backend) Vendor() persistence.Vendor {
	return persistence.MongoLike
}

// Validate implements connmgr.Connector.
//
// SRV records of mongodb+srv:// URIs are resolved only by Open.
func (b *Backend) Validate(uri string) error {
	if uri == "" {
		return docerrors.New(docerrors.ErrorCodeInvalidConfiguration, "connection string is required")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid connection string: %w", err)
	}

	switch u.Scheme {
	case "mongodb":
		if err = options.Client().ApplyURI(uri).Validate(); err != nil {
			return docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid connection string: %w", err)
		}

		return nil

	case "mongodb+srv":
		return nil

	default:
		return docerrors.Newf(
			docerrors.ErrorCodeInvalidConfiguration,
			"unexpected connection string scheme %q, expected %q", u.Scheme, "mongodb",
		)
	}
}

// Open implements connmgr.Connector.
func (b *Backend) Open(ctx context.Context, uri string) error {
	opts := options.Client().ApplyURI(uri).
		SetRegistry(b.codec.BSON()).
		SetMonitor(otelmongo.NewMonitor()).
		SetPoolMonitor(b.metrics.monitor()).
		SetLoggerOptions(
			options.Logger().
				SetSink(logging.NewMongoSink(b.l.Named("driver"))).
				SetComponentLevel(options.LogComponentConnection, options.LogLevelInfo),
		)

	if b.config.DefaultTimeout > 0 {
		opts.SetTimeout(b.config.DefaultTimeout)
	}

	if b.config.PoolSize > 0 {
		opts.SetMaxPoolSize(uint64(b.config.PoolSize))
	}

	if v, ok := b.config.FeatureFlags[FlagRetryWrites]; ok {
		opts.SetRetryWrites(v)
	}

	if v, ok := b.config.FeatureFlags[FlagDirectConnection]; ok {
		opts.SetDirect(v)
	}

	if err := opts.Validate(); err != nil {
		return docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid connection string: %w", err)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return lazyerrors.Error(err)
	}

	b.rw.Lock()
	b.client = client
	b.rw.Unlock()

	b.l.Debug("Connected to MongoDB", zap.Strings("hosts", opts.Hosts))

	return nil
}

// Close implements connmgr.Connector.
func (b *Backend) Close(ctx context.Context) error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if b.client == nil {
		return nil
	}

	err := b.client.Disconnect(ctx)
	b.client = nil

	return err
}

// conn returns the client, or NotConnected error.
func (b *Backend) conn() (*mongo.Client, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	if b.client == nil {
		return nil, docerrors.New(docerrors.ErrorCodeNotConnected, "not connected")
	}

	return b.client, nil
}

// NewID implements persistence.Backend.
//
// IDs are hex-encoded ObjectIDs.
func (b *Backend) NewID() string {
	return primitive.NewObjectID().Hex()
}

// Ping implements persistence.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}

	return client.Ping(ctx, readpref.Primary())
}

// CompileFilter implements persistence.Backend.
//
// The native filter is a bson.D query document.
func (b *Backend) CompileFilter(c *filter.Condition) (any, error) {
	return compile(c)
}

// CompileRaw implements persistence.Backend.
//
// Raw queries are MongoDB query documents in relaxed Extended JSON.
func (b *Backend) CompileRaw(raw string) (any, error) {
	return compileRaw(raw)
}

// CreateDatabase implements persistence.Backend.
func (b *Backend) CreateDatabase(ctx context.Context, name string) (any, bool, error) {
	client, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	db := client.Database(name)

	exists, err := b.databaseExists(ctx, client, name)
	if err != nil {
		return nil, false, err
	}

	if exists {
		return db, false, nil
	}

	created, err := createCollection(ctx, db, markerCollection)
	if err != nil {
		return nil, false, err
	}

	return db, created, nil
}

// GetDatabase implements persistence.Backend.
func (b *Backend) GetDatabase(ctx context.Context, name string) (any, bool, error) {
	client, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	exists, err := b.databaseExists(ctx, client, name)
	if err != nil || !exists {
		return nil, false, err
	}

	return client.Database(name), true, nil
}

// databaseExists returns true if the database exists.
func (b *Backend) databaseExists(ctx context.Context, client *mongo.Client, name string) (bool, error) {
	names, err := client.ListDatabaseNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, lazyerrors.Error(err)
	}

	return len(names) > 0, nil
}

// ListDatabases implements persistence.Backend.
func (b *Backend) ListDatabases(ctx context.Context) ([]string, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	names, err := client.ListDatabaseNames(ctx, bson.D{
		{Key: "name", Value: bson.D{{Key: "$nin", Value: systemDatabases}}},
	})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	slices.Sort(names)

	return names, nil
}

// DropDatabase implements persistence.Backend.
func (b *Backend) DropDatabase(ctx context.Context, name string) error {
	client, err := b.conn()
	if err != nil {
		return err
	}

	return client.Database(name).Drop(ctx)
}

// CreateCollection implements persistence.Backend.
func (b *Backend) CreateCollection(ctx context.Context, db, name string) (any, bool, error) {
	client, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	if err = checkCollectionName(name); err != nil {
		return nil, false, err
	}

	database := client.Database(db)

	if _, err = createCollection(ctx, database, markerCollection); err != nil {
		return nil, false, err
	}

	created, err := createCollection(ctx, database, name)
	if err != nil {
		return nil, false, err
	}

	return database.Collection(name), created, nil
}

// createCollection creates a collection; it returns false if it already exists.
func createCollection(ctx context.Context, db *mongo.Database, name string) (bool, error) {
	err := db.CreateCollection(ctx, name)

	var se mongo.ServerError

	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &se) && se.HasErrorCode(errNamespaceExists):
		return false, nil
	default:
		return false, lazyerrors.Error(err)
	}
}

// GetCollection implements persistence.Backend.
func (b *Backend) GetCollection(ctx context.Context, db, name string) (any, bool, error) {
	client, err := b.conn()
	if err != nil {
		return nil, false, err
	}

	if name == markerCollection {
		return nil, false, nil
	}

	database := client.Database(db)

	names, err := database.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return nil, false, lazyerrors.Error(err)
	}

	if len(names) == 0 {
		return nil, false, nil
	}

	return database.Collection(name), true, nil
}

// ListCollections implements persistence.Backend.
func (b *Backend) ListCollections(ctx context.Context, db string) ([]string, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	names, err := client.Database(db).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := make([]string, 0, len(names))

	for _, name := range names {
		if name == markerCollection || strings.HasPrefix(name, "system.") {
			continue
		}

		res = append(res, name)
	}

	slices.Sort(res)

	return res, nil
}

// DropCollection implements persistence.Backend.
func (b *Backend) DropCollection(ctx context.Context, db, name string) error {
	coll, err := b.collection(db, name)
	if err != nil {
		return err
	}

	return coll.Drop(ctx)
}

// ClearCollection implements persistence.Backend.
func (b *Backend) ClearCollection(ctx context.Context, db, name string) error {
	coll, err := b.collection(db, name)
	if err != nil {
		return err
	}

	_, err = coll.DeleteMany(ctx, bson.D{})

	return err
}

// collection returns the collection handle without checking its existence.
func (b *Backend) collection(db, name string) (*mongo.Collection, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	if err = checkCollectionName(name); err != nil {
		return nil, err
	}

	return client.Database(db).Collection(name), nil
}

// checkCollectionName returns InvalidArgument error for reserved collection names.
func checkCollectionName(name string) error {
	if name == markerCollection || strings.HasPrefix(name, "system.") {
		return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "collection name %q is reserved", name)
	}

	return nil
}

// Find implements persistence.Backend.
//
// Documents are returned in _id order.
func (b *Backend) Find(ctx context.Context, params *persistence.FindParams) (iterator.Interface[string, *persistence.Record], error) {
	coll, err := b.collection(params.Database, params.Collection)
	if err != nil {
		return nil, err
	}

	q, err := where(params.Filter)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: codec.IDKey, Value: 1}})

	cursor, err := coll.Find(ctx, q, opts)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return newCursorIterator(ctx, cursor), nil
}

// Count implements persistence.Backend.
func (b *Backend) Count(ctx context.Context, params *persistence.FindParams) (int64, error) {
	coll, err := b.collection(params.Database, params.Collection)
	if err != nil {
		return 0, err
	}

	q, err := where(params.Filter)
	if err != nil {
		return 0, err
	}

	return coll.CountDocuments(ctx, q)
}

// where returns the query document for the native filter.
func where(native any) (bson.D, error) {
	switch f := native.(type) {
	case nil:
		return bson.D{}, nil
	case bson.D:
		return f, nil
	default:
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidFilter, "unexpected native filter type %T", native)
	}
}

// byID returns the query document for the given document ID.
func byID(id string) bson.D {
	return bson.D{{Key: codec.IDKey, Value: id}}
}

// FindOne implements persistence.Backend.
func (b *Backend) FindOne(ctx context.Context, ref *persistence.DocumentRef) (*persistence.Record, error) {
	coll, err := b.collection(ref.Database, ref.Collection)
	if err != nil {
		return nil, err
	}

	raw, err := coll.FindOne(ctx, byID(ref.ID)).Raw()

	switch {
	case err == nil:
		raw = slices.Clone(raw)
		return &persistence.Record{Native: raw, Doc: raw, ID: ref.ID}, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, nil
	default:
		return nil, lazyerrors.Error(err)
	}
}

// Exists implements persistence.Backend.
func (b *Backend) Exists(ctx context.Context, ref *persistence.DocumentRef) (bool, error) {
	coll, err := b.collection(ref.Database, ref.Collection)
	if err != nil {
		return false, err
	}

	n, err := coll.CountDocuments(ctx, byID(ref.ID), options.Count().SetLimit(1))
	if err != nil {
		return false, lazyerrors.Error(err)
	}

	return n > 0, nil
}

// Upsert implements persistence.Backend.
func (b *Backend) Upsert(ctx context.Context, ref *persistence.DocumentRef, doc bson.Raw) (*persistence.Record, error) {
	coll, err := b.collection(ref.Database, ref.Collection)
	if err != nil {
		return nil, err
	}

	if _, err = coll.ReplaceOne(ctx, byID(ref.ID), doc, options.Replace().SetUpsert(true)); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &persistence.Record{Native: doc, Doc: doc, ID: ref.ID}, nil
}

// Replace implements persistence.Backend.
func (b *Backend) Replace(ctx context.Context, ref *persistence.DocumentRef, doc bson.Raw) (*persistence.Record, error) {
	coll, err := b.collection(ref.Database, ref.Collection)
	if err != nil {
		return nil, err
	}

	res, err := coll.ReplaceOne(ctx, byID(ref.ID), doc)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if res.MatchedCount == 0 {
		return nil, nil
	}

	return &persistence.Record{Native: doc, Doc: doc, ID: ref.ID}, nil
}

// Delete implements persistence.Backend.
func (b *Backend) Delete(ctx context.Context, ref *persistence.DocumentRef) error {
	coll, err := b.collection(ref.Database, ref.Collection)
	if err != nil {
		return err
	}

	if _, err = coll.DeleteOne(ctx, byID(ref.ID)); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// UpdateProperties implements persistence.Backend.
//
// Paths are set with a single $set update.
func (b *Backend) UpdateProperties(ctx context.Context, params *persistence.PatchBackendParams) (*persistence.PatchBackendResult, error) {
	coll, err := b.collection(params.Database, params.Collection)
	if err != nil {
		return nil, err
	}

	update := bson.D{{Key: "$set", Value: setDocument("", params.Properties)}}

	res, err := coll.UpdateOne(ctx, byID(params.ID), update, options.Update().SetUpsert(params.Upsert))
	if err != nil {
		return nil, updateError(err)
	}

	return &persistence.PatchBackendResult{
		Matched:  res.MatchedCount > 0,
		Upserted: res.UpsertedCount > 0,
	}, nil
}

// UpdateArrayElement implements persistence.Backend.
//
// The first matching element is updated with the positional $ operator.
// If nothing matched, the array field is checked, and the insertion is done by a separate update,
// so concurrent updates of the same array may interleave.
func (b *Backend) UpdateArrayElement(ctx context.Context, params *persistence.ArrayBackendParams) (*persistence.ArrayBackendResult, error) {
	coll, err := b.collection(params.Database, params.Collection)
	if err != nil {
		return nil, err
	}

	var set bson.D
	if params.Element != nil {
		set = bson.D{{Key: params.ArrayField + ".$", Value: params.Element}}
	} else {
		set = setDocument(params.ArrayField+".$.", params.Patch)
	}

	q := bson.D{
		{Key: codec.IDKey, Value: params.ID},
		{Key: params.ArrayField + "." + params.ElementIDField, Value: params.ElementID},
	}

	updated, err := coll.UpdateOne(ctx, q, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return nil, updateError(err)
	}

	if updated.MatchedCount > 0 {
		return &persistence.ArrayBackendResult{Matched: true, Updated: true}, nil
	}

	opts := options.FindOne().SetProjection(bson.D{{Key: params.ArrayField, Value: 1}})

	raw, err := coll.FindOne(ctx, byID(params.ID), opts).Raw()

	switch {
	case err == nil:
		// checked below
	case errors.Is(err, mongo.ErrNoDocuments):
		return new(persistence.ArrayBackendResult), nil
	default:
		return nil, lazyerrors.Error(err)
	}

	var doc bson.D
	if err = b.codec.Unmarshal(raw, &doc); err != nil {
		return nil, lazyerrors.Error(err)
	}

	arr, _ := docpath.Get(doc, params.ArrayField)

	switch arr.(type) {
	case nil, bson.A:
	default:
		return nil, docerrors.Newf(
			docerrors.ErrorCodeInvalidArgument,
			"field %q of document %q is not an array", params.ArrayField, params.ID,
		)
	}

	res := &persistence.ArrayBackendResult{Matched: true}

	if params.Insert == nil {
		return res, nil
	}

	// $push fails on null values
	update := bson.D{{Key: "$push", Value: bson.D{{Key: params.ArrayField, Value: params.Insert}}}}
	if arr == nil {
		update = bson.D{{Key: "$set", Value: bson.D{{Key: params.ArrayField, Value: bson.A{params.Insert}}}}}
	}

	if _, err = coll.UpdateOne(ctx, byID(params.ID), update); err != nil {
		return nil, updateError(err)
	}

	res.Inserted = true

	return res, nil
}

// setDocument returns $set operator document for the given paths, in sorted order.
func setDocument(prefix string, properties map[string]any) bson.D {
	paths := maps.Keys(properties)
	slices.Sort(paths)

	res := make(bson.D, len(paths))
	for i, path := range paths {
		res[i] = bson.E{Key: prefix + path, Value: properties[path]}
	}

	return res
}

// updateError converts server errors caused by document shape to InvalidArgument errors.
func updateError(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range []int{errBadValue, errTypeMismatch, errPathNotViable} {
			if se.HasErrorCode(code) {
				return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "%w", err)
			}
		}
	}

	return lazyerrors.Error(err)
}

// Describe implements prometheus.Collector.
func (b *Backend) Describe(ch chan<- *prometheus.Desc) {
	b.metrics.Describe(ch)
}

// Collect implements prometheus.Collector.
func (b *Backend) Collect(ch chan<- prometheus.Metric) {
	b.metrics.Collect(ch)
}

// check interfaces
var (
	_ persistence.Backend  = (*Backend)(nil)
	_ prometheus.Collector = (*Backend)(nil)
)
