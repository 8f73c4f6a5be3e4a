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

// Package persistence provides a vendor-neutral document database driver.
//
// A Driver wraps a vendor Backend with connection lifecycle management,
// filter compilation, handle bookkeeping and uniform error reporting.
// Vendor backends live in subpackages and are selected by the registry package.
//
// All returned errors are *docerrors.Error values.
// Not-found lookups return nil results, not errors.
package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/persistence/codec"
	"github.com/FerretDB/docstore/internal/persistence/connmgr"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
	"github.com/FerretDB/docstore/internal/util/ctxutil"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
	"github.com/FerretDB/docstore/internal/util/must"
	"github.com/FerretDB/docstore/internal/util/observability"
)

// emptyDocument is an encoded empty document.
var emptyDocument = bson.Raw(must.NotFail(bson.Marshal(bson.D{})))

// Driver is a vendor-neutral document database driver.
//
// It is safe for concurrent use.
//
//nolint:vet // for readability
type Driver struct {
	b      Backend
	cm     *connmgr.Manager
	codec  *codec.Registry
	config *Config
	l      *zap.Logger
	m      *driverMetrics
	vendor string
}

// NewDriver creates a new disconnected driver for the given backend.
//
// The configuration is copied.
func NewDriver(b Backend, config *Config, l *zap.Logger) *Driver {
	if config == nil {
		config = new(Config)
	}

	return &Driver{
		b:      b,
		cm:     connmgr.New(b, l.Named("connmgr")),
		codec:  codec.NewRegistry(),
		config: config.clone(),
		l:      l,
		m:      newDriverMetrics(),
		vendor: b.Vendor().String(),
	}
}

// Vendor returns the vendor of the driver.
func (d *Driver) Vendor() Vendor {
	return d.b.Vendor()
}

// Config returns a copy of the driver configuration.
func (d *Driver) Config() *Config {
	return d.config.clone()
}

// Codec returns the driver's document codec.
//
// Polymorphic types should be registered with codec.RegisterVariant before the first use.
func (d *Driver) Codec() *codec.Registry {
	return d.codec
}

// Initialize maps the type of prototype for persistence.
//
// Calling it is optional; types are mapped on first use.
func (d *Driver) Initialize(prototype any) error {
	if err := d.codec.Initialize(prototype); err != nil {
		return d.wrapError("Initialize", invalidArgument(err))
	}

	return nil
}

// State returns the current connection state.
func (d *Driver) State() connmgr.State {
	return d.cm.State()
}

// IsConnected returns true if the driver is connected.
func (d *Driver) IsConnected() bool {
	return d.cm.IsConnected()
}

// Err returns the cause of the last connectivity failure, if any.
func (d *Driver) Err() error {
	return d.cm.Err()
}

// Subscribe registers a function called synchronously on every connection state transition.
//
// The function must not call Connect or Disconnect. The returned function unsubscribes it.
func (d *Driver) Subscribe(f func(connmgr.Transition)) func() {
	return d.cm.Subscribe(f)
}

// Connect connects the driver.
//
// If uri is empty, the configured connection string is used.
// It returns true if already connected.
// Connectivity failures return (false, nil) and leave the driver in the Faulted state;
// invalid connection strings return InvalidConfiguration error.
func (d *Driver) Connect(ctx context.Context, uri string) (res bool, err error) {
	ctx, finish := d.start(ctx, "Connect")
	defer finish(&err)

	if uri == "" {
		uri = d.config.ConnectionString
	}

	return d.cm.Connect(ctx, uri)
}

// Disconnect disconnects the driver.
//
// All handles obtained before are invalidated.
// It returns true if already disconnected, and false if the native client failed to close cleanly.
func (d *Driver) Disconnect(ctx context.Context) bool {
	ctx, finish := d.start(ctx, "Disconnect")

	var err error
	defer finish(&err)

	return d.cm.Disconnect(ctx)
}

// Ping checks connectivity to the store.
func (d *Driver) Ping(ctx context.Context) (err error) {
	ctx, finish := d.start(ctx, "Ping")
	defer finish(&err)

	if err = d.checkConnected(); err != nil {
		return
	}

	return d.b.Ping(ctx)
}

// CreateDatabase creates a database.
//
// If deleteExisting is true, an existing database with the same name is dropped first.
// Otherwise, DatabaseAlreadyExists error is returned for existing databases.
func (d *Driver) CreateDatabase(ctx context.Context, name string, deleteExisting bool) (res *Database, err error) {
	ctx, finish := d.start(ctx, "CreateDatabase")
	defer finish(&err)

	if err = d.checkConnected(); err != nil {
		return
	}

	if err = checkName("database", name); err != nil {
		return
	}

	if deleteExisting {
		if err = d.b.DropDatabase(ctx, name); err != nil {
			return
		}
	}

	native, created, err := d.b.CreateDatabase(ctx, name)
	if err != nil {
		return
	}

	if !created {
		err = docerrors.Newf(docerrors.ErrorCodeDatabaseAlreadyExists, "database %q already exists", name)
		return
	}

	res = d.newDatabase(name, native)

	return
}

// GetDatabase returns the database with the given name, or nil if it does not exist.
func (d *Driver) GetDatabase(ctx context.Context, name string) (res *Database, err error) {
	ctx, finish := d.start(ctx, "GetDatabase")
	defer finish(&err)

	if err = d.checkConnected(); err != nil {
		return
	}

	if err = checkName("database", name); err != nil {
		return
	}

	native, exists, err := d.b.GetDatabase(ctx, name)
	if err != nil || !exists {
		return
	}

	res = d.newDatabase(name, native)

	return
}

// GetAllDatabases returns all databases sorted by name.
func (d *Driver) GetAllDatabases(ctx context.Context) (res []*Database, err error) {
	ctx, finish := d.start(ctx, "GetAllDatabases")
	defer finish(&err)

	if err = d.checkConnected(); err != nil {
		return
	}

	names, err := d.b.ListDatabases(ctx)
	if err != nil {
		return
	}

	res = make([]*Database, 0, len(names))

	for _, name := range names {
		native, exists, e := d.b.GetDatabase(ctx, name)
		if e != nil {
			err = e
			return
		}

		// dropped concurrently
		if !exists {
			continue
		}

		res = append(res, d.newDatabase(name, native))
	}

	return
}

// DropDatabase drops the database with all its collections.
//
// Dropping an absent database returns true.
func (d *Driver) DropDatabase(ctx context.Context, db *Database) (res bool, err error) {
	ctx, finish := d.start(ctx, "DropDatabase")
	defer finish(&err)

	if err = d.checkDatabase(db); err != nil {
		return
	}

	if err = d.b.DropDatabase(ctx, db.Name); err != nil {
		return
	}

	res = true

	return
}

// CreateCollection creates a collection in the database.
//
// CollectionAlreadyExists error is returned for existing collections.
func (d *Driver) CreateCollection(ctx context.Context, db *Database, name string) (res *Collection, err error) {
	ctx, finish := d.start(ctx, "CreateCollection")
	defer finish(&err)

	if err = d.checkDatabase(db); err != nil {
		return
	}

	if err = checkName("collection", name); err != nil {
		return
	}

	native, created, err := d.b.CreateCollection(ctx, db.Name, name)
	if err != nil {
		return
	}

	if !created {
		err = docerrors.Newf(
			docerrors.ErrorCodeCollectionAlreadyExists,
			"collection %q already exists in database %q", name, db.Name,
		)

		return
	}

	res = &Collection{Native: native, Database: db, Name: name}

	return
}

// GetCollection returns the collection with the given name, or nil if it does not exist.
func (d *Driver) GetCollection(ctx context.Context, db *Database, name string) (res *Collection, err error) {
	ctx, finish := d.start(ctx, "GetCollection")
	defer finish(&err)

	if err = d.checkDatabase(db); err != nil {
		return
	}

	if err = checkName("collection", name); err != nil {
		return
	}

	native, exists, err := d.b.GetCollection(ctx, db.Name, name)
	if err != nil || !exists {
		return
	}

	res = &Collection{Native: native, Database: db, Name: name}

	return
}

// CollectionExists returns true if the collection exists in the database.
func (d *Driver) CollectionExists(ctx context.Context, db *Database, name string) (res bool, err error) {
	ctx, finish := d.start(ctx, "CollectionExists")
	defer finish(&err)

	if err = d.checkDatabase(db); err != nil {
		return
	}

	if err = checkName("collection", name); err != nil {
		return
	}

	_, res, err = d.b.GetCollection(ctx, db.Name, name)

	return
}

// GetAllCollections returns all collections of the database sorted by name.
func (d *Driver) GetAllCollections(ctx context.Context, db *Database) (res []*Collection, err error) {
	ctx, finish := d.start(ctx, "GetAllCollections")
	defer finish(&err)

	if err = d.checkDatabase(db); err != nil {
		return
	}

	names, err := d.b.ListCollections(ctx, db.Name)
	if err != nil {
		return
	}

	res = make([]*Collection, 0, len(names))

	for _, name := range names {
		native, exists, e := d.b.GetCollection(ctx, db.Name, name)
		if e != nil {
			err = e
			return
		}

		if !exists {
			continue
		}

		res = append(res, &Collection{Native: native, Database: db, Name: name})
	}

	return
}

// DropCollection drops the collection.
//
// Dropping an absent collection returns true.
func (d *Driver) DropCollection(ctx context.Context, coll *Collection) (res bool, err error) {
	ctx, finish := d.start(ctx, "DropCollection")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	if err = d.b.DropCollection(ctx, coll.Database.Name, coll.Name); err != nil {
		return
	}

	res = true

	return
}

// ClearCollection removes all documents from the collection, keeping the collection itself.
//
// Clearing an absent collection returns true.
func (d *Driver) ClearCollection(ctx context.Context, coll *Collection) (res bool, err error) {
	ctx, finish := d.start(ctx, "ClearCollection")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	if err = d.b.ClearCollection(ctx, coll.Database.Name, coll.Name); err != nil {
		return
	}

	res = true

	return
}

// GetByID returns the document with the given ID, or nil if it does not exist.
func (d *Driver) GetByID(ctx context.Context, coll *Collection, id string) (res *Document, err error) {
	ctx, finish := d.start(ctx, "GetByID")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	if id == "" {
		return
	}

	rec, err := d.b.FindOne(ctx, documentRef(coll, id))
	if err != nil || rec == nil {
		return
	}

	res = newDocument(coll, rec)

	return
}

// Exists returns true if the document with the given ID exists.
func (d *Driver) Exists(ctx context.Context, coll *Collection, id string) (res bool, err error) {
	ctx, finish := d.start(ctx, "Exists")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	if id == "" {
		return
	}

	return d.b.Exists(ctx, documentRef(coll, id))
}

// Save inserts or replaces the document.
//
// If data has no ID, a new one is generated and, for Persistable values, set.
// If del is true, the document with data's ID is deleted instead, and nil is returned.
func (d *Driver) Save(ctx context.Context, coll *Collection, data any, del bool) (res *Document, err error) {
	ctx, finish := d.start(ctx, "Save")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	raw, err := d.encode(data)
	if err != nil {
		return
	}

	id := documentID(data, raw)

	if del {
		if id != "" {
			err = d.b.Delete(ctx, documentRef(coll, id))
		}

		return
	}

	if id == "" {
		id = d.b.NewID()

		if p, ok := data.(Persistable); ok {
			p.SetID(id)
		}
	}

	if raw, err = codec.WithID(raw, id); err != nil {
		return
	}

	rec, err := d.b.Upsert(ctx, documentRef(coll, id), raw)
	if err != nil {
		return
	}

	res = newDocument(coll, rec)

	return
}

// Update replaces the content of the document, keeping its ID.
//
// If the document no longer exists, nil is returned.
func (d *Driver) Update(ctx context.Context, doc *Document, data any) (res *Document, err error) {
	ctx, finish := d.start(ctx, "Update")
	defer finish(&err)

	if doc == nil || doc.ID == "" {
		err = docerrors.New(docerrors.ErrorCodeInvalidArgument, "document has no ID")
		return
	}

	if err = d.checkCollection(doc.Collection); err != nil {
		return
	}

	raw, err := d.encode(data)
	if err != nil {
		return
	}

	if p, ok := data.(Persistable); ok {
		p.SetID(doc.ID)
	}

	if raw, err = codec.WithID(raw, doc.ID); err != nil {
		return
	}

	rec, err := d.b.Replace(ctx, documentRef(doc.Collection, doc.ID), raw)
	if err != nil || rec == nil {
		return
	}

	res = newDocument(doc.Collection, rec)

	return
}

// UpdateProperties sets only the given dotted field paths of the document.
//
// Fields absent from the patch are untouched.
func (d *Driver) UpdateProperties(ctx context.Context, coll *Collection, params *PatchParams, opts *UpdateOptions) (res *UpdateResult, err error) {
	ctx, finish := d.start(ctx, "UpdateProperties")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	if params == nil || params.ID == "" {
		err = docerrors.New(docerrors.ErrorCodeInvalidArgument, "document ID is required")
		return
	}

	if opts == nil {
		opts = new(UpdateOptions)
	}

	if err = checkPaths(params.Properties, false); err != nil {
		return
	}

	props, err := d.values(params.Properties)
	if err != nil {
		return
	}

	ref := documentRef(coll, params.ID)
	res = new(UpdateResult)

	if len(props) == 0 {
		if res.Matched, err = d.b.Exists(ctx, ref); err != nil {
			return
		}

		if !res.Matched && opts.Upsert {
			raw := must.NotFail(codec.WithID(emptyDocument, params.ID))
			if _, err = d.b.Upsert(ctx, ref, raw); err != nil {
				return
			}

			res.Upserted = true
		}
	} else {
		var r *PatchBackendResult
		if r, err = d.b.UpdateProperties(ctx, &PatchBackendParams{DocumentRef: *ref, Properties: props, Upsert: opts.Upsert}); err != nil {
			return
		}

		res.Matched, res.Upserted = r.Matched, r.Upserted
	}

	if opts.ReturnDocument && (res.Matched || res.Upserted) {
		res.Document, err = d.findOne(ctx, coll, params.ID)
	}

	return
}

// UpdateArrayElement updates the first element of the array field whose ID field matches.
//
// The element is either patched with Properties or replaced with Element.
// If no element matches, ElementNotFound error is returned,
// unless UpdateOptions.InsertIfMissing is set; then a new element is appended.
// If the document does not exist, the result is not matched and no error is returned.
func (d *Driver) UpdateArrayElement(ctx context.Context, coll *Collection, params *ArrayElementParams, opts *UpdateOptions) (res *UpdateResult, err error) {
	ctx, finish := d.start(ctx, "UpdateArrayElement")
	defer finish(&err)

	if err = d.checkCollection(coll); err != nil {
		return
	}

	if opts == nil {
		opts = new(UpdateOptions)
	}

	bp, err := d.arrayParams(coll, params, opts)
	if err != nil {
		return
	}

	r, err := d.b.UpdateArrayElement(ctx, bp)
	if err != nil {
		return
	}

	if r.Matched && !r.Updated && !r.Inserted {
		err = docerrors.Newf(
			docerrors.ErrorCodeElementNotFound,
			"collection %q: document %q: array %q has no element with %s = %v",
			coll.Name, params.ID, params.ArrayField, params.ElementIDField, params.ElementID,
		)

		return
	}

	res = &UpdateResult{
		Matched:  r.Matched,
		Inserted: r.Inserted,
	}

	if opts.ReturnDocument && r.Matched {
		res.Document, err = d.findOne(ctx, coll, params.ID)
	}

	return
}

// arrayParams validates and converts array element parameters for the backend.
func (d *Driver) arrayParams(coll *Collection, params *ArrayElementParams, opts *UpdateOptions) (*ArrayBackendParams, error) {
	if params == nil || params.ID == "" {
		return nil, docerrors.New(docerrors.ErrorCodeInvalidArgument, "document ID is required")
	}

	if params.ArrayField == "" || params.ElementIDField == "" {
		return nil, docerrors.New(docerrors.ErrorCodeInvalidArgument, "array field and element ID field are required")
	}

	if err := checkPaths(map[string]any{params.ArrayField: nil}, false); err != nil {
		return nil, err
	}

	if err := checkPaths(map[string]any{params.ElementIDField: nil}, true); err != nil {
		return nil, err
	}

	if (params.Properties == nil) == (params.Element == nil) {
		return nil, docerrors.New(docerrors.ErrorCodeInvalidArgument, "exactly one of element properties and element is required")
	}

	elementID, err := d.value(params.ElementID)
	if err != nil {
		return nil, err
	}

	if elementID == nil {
		return nil, docerrors.New(docerrors.ErrorCodeInvalidArgument, "element ID is required")
	}

	res := &ArrayBackendParams{
		DocumentRef:    *documentRef(coll, params.ID),
		ElementID:      elementID,
		ArrayField:     params.ArrayField,
		ElementIDField: params.ElementIDField,
	}

	var insert bson.D

	if params.Element != nil {
		element, err := d.value(params.Element)
		if err != nil {
			return nil, err
		}

		doc, ok := element.(bson.D)
		if !ok {
			return nil, docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "element must be a document, got %T", params.Element)
		}

		res.Element = doc

		if opts.InsertIfMissing {
			insert = doc

			if _, ok = docpath.Get(doc, params.ElementIDField); !ok {
				insert = append(bson.D{}, doc...)
				if insert, err = docpath.Set(insert, params.ElementIDField, elementID); err != nil {
					return nil, invalidArgument(err)
				}
			}
		}
	} else {
		if err = checkPaths(params.Properties, true); err != nil {
			return nil, err
		}

		if res.Patch, err = d.values(params.Properties); err != nil {
			return nil, err
		}

		if opts.InsertIfMissing {
			if insert, err = docpath.Set(bson.D{}, params.ElementIDField, elementID); err != nil {
				return nil, invalidArgument(err)
			}

			if insert, err = docpath.ApplyPatch(insert, res.Patch); err != nil {
				return nil, invalidArgument(err)
			}
		}
	}

	if insert != nil {
		res.Insert = insert
	}

	return res, nil
}

// Delete deletes the document.
//
// Deleting an absent document returns true.
func (d *Driver) Delete(ctx context.Context, doc *Document) (res bool, err error) {
	ctx, finish := d.start(ctx, "Delete")
	defer finish(&err)

	if doc == nil {
		err = docerrors.New(docerrors.ErrorCodeInvalidArgument, "document is nil")
		return
	}

	if err = d.checkCollection(doc.Collection); err != nil {
		return
	}

	if doc.ID != "" {
		if err = d.b.Delete(ctx, documentRef(doc.Collection, doc.ID)); err != nil {
			return
		}
	}

	res = true

	return
}

// Describe implements prometheus.Collector.
func (d *Driver) Describe(ch chan<- *prometheus.Desc) {
	d.m.Describe(ch)

	if c, ok := d.b.(prometheus.Collector); ok {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (d *Driver) Collect(ch chan<- prometheus.Metric) {
	d.m.operations.Collect(ch)
	d.m.durations.Collect(ch)

	current := d.cm.State()

	for _, s := range []connmgr.State{connmgr.Disconnected, connmgr.Connecting, connmgr.Connected, connmgr.Faulted} {
		var v float64
		if s == current {
			v = 1
		}

		ch <- prometheus.MustNewConstMetric(d.m.state, prometheus.GaugeValue, v, d.vendor, s.String())
	}

	if c, ok := d.b.(prometheus.Collector); ok {
		c.Collect(ch)
	}
}

// start begins a driver operation.
//
// The returned function must be called with a pointer to the operation error when it finishes;
// it converts the error, records metrics and ends the span.
func (d *Driver) start(ctx context.Context, op string) (context.Context, func(*error)) {
	started := time.Now()

	ctx, cancel := ctxutil.WithTimeout(ctx, d.config.DefaultTimeout)
	ctx, end := observability.StartSpan(ctx, d.vendor, op)

	return ctx, func(errp *error) {
		result := "ok"

		if *errp != nil {
			*errp = d.wrapError(op, *errp)
			result = errorResult(*errp)

			d.l.Debug("Operation failed", zap.String("op", op), zap.Error(*errp))
		}

		end(*errp)
		cancel()

		d.m.operations.WithLabelValues(d.vendor, op, result).Inc()
		d.m.durations.WithLabelValues(d.vendor, op).Observe(time.Since(started).Seconds())
	}
}

// wrapError converts any error to *docerrors.Error annotated with vendor and operation.
//
// Errors without a *docerrors.Error in the chain are native driver errors.
func (d *Driver) wrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *docerrors.Error
	if errors.As(err, &e) {
		return e.WithVendor(d.vendor, op)
	}

	return docerrors.NewNativeDriverError(d.vendor, op, err)
}

// errorResult returns the metrics label for the error.
func errorResult(err error) string {
	var e *docerrors.Error
	if errors.As(err, &e) {
		return e.Code().String()
	}

	return "unknown"
}

// checkConnected returns NotConnected error if the driver is not connected.
func (d *Driver) checkConnected() error {
	if !d.cm.IsConnected() {
		return docerrors.Newf(docerrors.ErrorCodeNotConnected, "driver is %s", d.cm.State())
	}

	return nil
}

// checkDatabase checks that the database handle is usable.
func (d *Driver) checkDatabase(db *Database) error {
	if db == nil {
		return docerrors.New(docerrors.ErrorCodeInvalidArgument, "database is nil")
	}

	if db.driver != d {
		return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "database %q belongs to another driver", db.Name)
	}

	if err := d.checkConnected(); err != nil {
		return err
	}

	if db.session != d.cm.Session() {
		return docerrors.Newf(
			docerrors.ErrorCodeNotConnected,
			"database %q handle was obtained in a previous connection session", db.Name,
		)
	}

	return nil
}

// checkCollection checks that the collection handle is usable.
func (d *Driver) checkCollection(coll *Collection) error {
	if coll == nil || coll.Database == nil {
		return docerrors.New(docerrors.ErrorCodeInvalidArgument, "collection is nil")
	}

	return d.checkDatabase(coll.Database)
}

// newDatabase returns a new database handle for the current session.
func (d *Driver) newDatabase(name string, native any) *Database {
	return &Database{
		Native:  native,
		driver:  d,
		Name:    name,
		session: d.cm.Session(),
	}
}

// findOne returns the document handle or nil.
func (d *Driver) findOne(ctx context.Context, coll *Collection, id string) (*Document, error) {
	rec, err := d.b.FindOne(ctx, documentRef(coll, id))
	if err != nil || rec == nil {
		return nil, err
	}

	return newDocument(coll, rec), nil
}

// encode maps and encodes the value as a document.
func (d *Driver) encode(data any) (bson.Raw, error) {
	if data == nil {
		return nil, docerrors.New(docerrors.ErrorCodeInvalidArgument, "data is nil")
	}

	if err := d.codec.Initialize(data); err != nil {
		return nil, invalidArgument(err)
	}

	raw, err := d.codec.Marshal(data)
	if err != nil {
		return nil, invalidArgument(err)
	}

	return raw, nil
}

// value converts a single value to its generic form.
func (d *Driver) value(v any) (any, error) {
	res, err := d.codec.Value(v)
	if err != nil {
		return nil, invalidArgument(err)
	}

	return res, nil
}

// values converts patch values to their generic form.
func (d *Driver) values(properties map[string]any) (map[string]any, error) {
	res := make(map[string]any, len(properties))

	for k, v := range properties {
		gv, err := d.value(v)
		if err != nil {
			return nil, err
		}

		res[k] = gv
	}

	return res, nil
}

// invalidArgument converts encoding errors to InvalidArgument errors.
//
// *docerrors.Error values in the chain (like UnregisteredSubtype) are returned as is.
func invalidArgument(err error) error {
	var e *docerrors.Error
	if errors.As(err, &e) {
		return e
	}

	return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "%w", lazyerrors.UnwrapAll(err))
}

// checkName validates database and collection names.
func checkName(kind, name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "invalid %s name %q", kind, name)
	}

	return nil
}

// documentRef returns a reference to the document of the collection.
func documentRef(coll *Collection, id string) *DocumentRef {
	return &DocumentRef{
		Database:   coll.Database.Name,
		Collection: coll.Name,
		ID:         id,
	}
}

// documentID returns the ID of the value being saved, if any.
func documentID(data any, raw bson.Raw) string {
	if p, ok := data.(Persistable); ok {
		return p.GetID()
	}

	id, _ := codec.ID(raw)

	return id
}

// check interfaces
var (
	_ prometheus.Collector = (*Driver)(nil)
)
