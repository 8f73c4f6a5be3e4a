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

package persistence

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/filter"
	"github.com/FerretDB/docstore/internal/persistence/connmgr"
	"github.com/FerretDB/docstore/internal/persistence/docpath"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// Backend is implemented by every vendor.
//
// Backend is expected to be stateful and wrap the native client.
// Its connectivity-dependent methods are called by the Driver only while connected;
// they may be called concurrently and should be thread-safe.
//
// Documents are exchanged as bson.Raw with a string "_id" field.
// Values in patches and element parameters are generic bson values
// (nil, bool, int32, int64, float64, string, bson.D, bson.A, and other primitive types).
//
// Methods may return *docerrors.Error values with codes documented for each method;
// any other error is treated as a native driver error and wrapped by the Driver.
type Backend interface {
	connmgr.Connector

	// Vendor returns the vendor of the backend.
	Vendor() Vendor

	// NewID returns a new unique document ID.
	NewID() string

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// CompileFilter translates a validated condition into the native filter.
	// It must not perform any I/O.
	// Errors: UnsupportedFilterOperator, InvalidFilter.
	CompileFilter(c *filter.Condition) (any, error)

	// CompileRaw validates a raw vendor query and returns the native filter.
	// It must not perform any I/O.
	// Errors: InvalidFilter.
	CompileRaw(raw string) (any, error)

	// CreateDatabase creates a database.
	// If it already exists, created is false.
	CreateDatabase(ctx context.Context, name string) (native any, created bool, err error)

	// GetDatabase returns the native database handle, or false if it does not exist.
	GetDatabase(ctx context.Context, name string) (native any, exists bool, err error)

	// ListDatabases returns a sorted list of database names.
	ListDatabases(ctx context.Context) ([]string, error)

	// DropDatabase drops the database with all collections; it is a no-op for absent databases.
	DropDatabase(ctx context.Context, name string) error

	// CreateCollection creates a collection, creating the database if needed.
	// If it already exists, created is false.
	CreateCollection(ctx context.Context, db, name string) (native any, created bool, err error)

	// GetCollection returns the native collection handle, or false if it does not exist.
	GetCollection(ctx context.Context, db, name string) (native any, exists bool, err error)

	// ListCollections returns a sorted list of collection names.
	ListCollections(ctx context.Context, db string) ([]string, error)

	// DropCollection drops the collection; it is a no-op for absent collections.
	DropCollection(ctx context.Context, db, name string) error

	// ClearCollection deletes all documents of the collection, keeping the collection itself.
	ClearCollection(ctx context.Context, db, name string) error

	// Find returns an iterator over documents matching the compiled filter (nil means all).
	// Iterator must check the context on every Next call and release native cursors on Close.
	Find(ctx context.Context, params *FindParams) (iterator.Interface[string, *Record], error)

	// Count returns the number of documents matching the compiled filter (nil means all).
	Count(ctx context.Context, params *FindParams) (int64, error)

	// FindOne returns the document with the given ID, or nil if it does not exist.
	FindOne(ctx context.Context, ref *DocumentRef) (*Record, error)

	// Exists returns true if the document with the given ID exists.
	Exists(ctx context.Context, ref *DocumentRef) (bool, error)

	// Upsert inserts or replaces the document with the given ID.
	Upsert(ctx context.Context, ref *DocumentRef, doc bson.Raw) (*Record, error)

	// Replace replaces the existing document; nil is returned if it does not exist.
	Replace(ctx context.Context, ref *DocumentRef, doc bson.Raw) (*Record, error)

	// Delete deletes the document; it is a no-op for absent documents.
	Delete(ctx context.Context, ref *DocumentRef) error

	// UpdateProperties sets the given (non-empty) set of dotted paths.
	UpdateProperties(ctx context.Context, params *PatchBackendParams) (*PatchBackendResult, error)

	// UpdateArrayElement updates the first array element with the matching ID field.
	UpdateArrayElement(ctx context.Context, params *ArrayBackendParams) (*ArrayBackendResult, error)
}

// Record is a single document returned by the backend.
type Record struct {
	// Native document payload.
	Native any

	// Document with the "_id" field.
	Doc bson.Raw

	ID string
}

// DocumentRef identifies a single document.
type DocumentRef struct {
	Database   string
	Collection string
	ID         string
}

// FindParams represents parameters of Backend.Find and Backend.Count methods.
type FindParams struct {
	// Compiled native filter; nil means all documents.
	Filter any

	Database   string
	Collection string
}

// PatchBackendParams represents parameters of Backend.UpdateProperties method.
type PatchBackendParams struct {
	DocumentRef

	// Dotted paths with generic values; never empty.
	Properties map[string]any

	// Create the document if it does not exist.
	Upsert bool
}

// PatchBackendResult represents the result of Backend.UpdateProperties method.
type PatchBackendResult struct {
	Matched  bool
	Upserted bool
}

// ArrayBackendParams represents parameters of Backend.UpdateArrayElement method.
//
// Exactly one of Patch and Element is set.
type ArrayBackendParams struct {
	DocumentRef

	// Element ID value, a generic bson value.
	ElementID any

	// Element-relative dotted paths with generic values.
	Patch map[string]any

	// Replacement element, a generic bson value.
	Element any

	// Element to append if no element matches; nil means no insertion.
	Insert any

	// Dotted path of the array field.
	ArrayField string

	// Element field holding the element ID.
	ElementIDField string
}

// ArrayBackendResult represents the result of Backend.UpdateArrayElement method.
type ArrayBackendResult struct {
	// Document exists.
	Matched bool

	// Matching element exists and was updated.
	Updated bool

	// No element matched and Insert was appended.
	Inserted bool
}

// Apply applies the array element update to the decoded document on the client side.
//
// A missing or null array field is treated as an empty array.
func (params *ArrayBackendParams) Apply(doc bson.D) (res bson.D, updated, inserted bool, err error) {
	var arr bson.A

	switch v, _ := docpath.Get(doc, params.ArrayField); v := v.(type) {
	case nil:
		// empty
	case bson.A:
		arr = v
	default:
		err = docerrors.Newf(
			docerrors.ErrorCodeInvalidArgument,
			"field %q of document %q is not an array", params.ArrayField, params.ID,
		)

		return
	}

	i := docpath.FindElement(arr, params.ElementIDField, params.ElementID)

	switch {
	case i >= 0:
		if params.Element != nil {
			arr[i] = params.Element
		} else {
			element := arr[i].(bson.D)
			if arr[i], err = docpath.ApplyPatch(element, params.Patch); err != nil {
				err = docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "%w", lazyerrors.UnwrapAll(err))
				return
			}
		}

		updated = true

	case params.Insert != nil:
		arr = append(arr, params.Insert)
		inserted = true

	default:
		res = doc
		return
	}

	if res, err = docpath.Set(doc, params.ArrayField, arr); err != nil {
		err = docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "%w", lazyerrors.UnwrapAll(err))
	}

	return
}

// Apply applies the patch to the decoded document on the client side.
func (params *PatchBackendParams) Apply(doc bson.D) (bson.D, error) {
	res, err := docpath.ApplyPatch(doc, params.Properties)
	if err != nil {
		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "%w", lazyerrors.UnwrapAll(err))
	}

	return res, nil
}
