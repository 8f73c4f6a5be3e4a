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
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/FerretDB/docstore/internal/docerrors"
)

// Database represents one logical database inside a vendor instance.
//
// It holds a non-owning reference to the driver and is valid only
// for the connection session it was obtained in.
type Database struct {
	// Native database handle owned by the native client; it is not copied.
	Native any

	driver  *Driver
	Name    string
	session uint64
}

// Driver returns the driver the database belongs to.
func (db *Database) Driver() *Driver {
	return db.driver
}

// Equal returns true if both handles refer to the same database of the same vendor.
func (db *Database) Equal(other *Database) bool {
	if db == nil || other == nil {
		return db == other
	}

	return db.driver.Vendor() == other.driver.Vendor() && db.Name == other.Name
}

// String implements fmt.Stringer.
func (db *Database) String() string {
	return fmt.Sprintf("%s/%s", db.driver.Vendor(), db.Name)
}

// Collection represents one collection inside a database.
type Collection struct {
	// Native collection handle owned by the native client; it is not copied.
	Native any

	Database *Database
	Name     string
}

// Driver returns the driver the collection belongs to.
func (c *Collection) Driver() *Driver {
	return c.Database.driver
}

// Equal returns true if both handles refer to the same collection of the same vendor.
func (c *Collection) Equal(other *Collection) bool {
	if c == nil || other == nil {
		return c == other
	}

	return c.Database.Equal(other.Database) && c.Name == other.Name
}

// String implements fmt.Stringer.
func (c *Collection) String() string {
	return fmt.Sprintf("%s/%s", c.Database, c.Name)
}

// Document represents a single persisted document.
//
//nolint:vet // for readability
type Document struct {
	// Native document payload: bson.Raw for MongoLike and InMemory, JSON bytes for SqlLike.
	Native any

	Collection *Collection
	ID         string

	m   sync.Mutex
	raw bson.Raw
}

// newDocument creates a new document handle from the backend record.
func newDocument(c *Collection, r *Record) *Document {
	return &Document{
		Native:     r.Native,
		Collection: c,
		ID:         r.ID,
		raw:        r.Doc,
	}
}

// Raw returns the document as BSON, or nil if the document was closed.
func (doc *Document) Raw() bson.Raw {
	doc.m.Lock()
	defer doc.m.Unlock()

	return doc.raw
}

// Decode decodes the document into v using the driver's codec.
//
// Errors: UnregisteredSubtype.
func (doc *Document) Decode(v any) error {
	raw := doc.Raw()
	if raw == nil {
		return docerrors.New(docerrors.ErrorCodeInvalidArgument, "document is closed")
	}

	d := doc.Collection.Driver()

	if err := d.codec.Initialize(v); err != nil {
		return d.wrapError("Decode", err)
	}

	if err := d.codec.Unmarshal(raw, v); err != nil {
		return d.wrapError("Decode", err)
	}

	return nil
}

// Close releases the document payload.
// Exported fields are never modified after creation.
//
// It is safe to call Close multiple times.
func (doc *Document) Close() {
	doc.m.Lock()
	defer doc.m.Unlock()

	doc.raw = nil
}

// Equal returns true if both handles refer to the same document of the same vendor.
func (doc *Document) Equal(other *Document) bool {
	if doc == nil || other == nil {
		return doc == other
	}

	return doc.Collection.Equal(other.Collection) && doc.ID == other.ID
}

// String implements fmt.Stringer.
func (doc *Document) String() string {
	return fmt.Sprintf("%s/%s", doc.Collection, doc.ID)
}

// Persistable is implemented by pointers to document types.
//
// It identifies a value as persistable and gives access to its ID.
type Persistable interface {
	GetID() string
	SetID(string)
}

// PersistablePtr is a constraint for pointers to persistable types.
type PersistablePtr[T any] interface {
	*T
	Persistable
}

// TypedDocument is a Document bound to a decoded value of type T.
type TypedDocument[T any] struct {
	*Document
	Value *T
}
