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

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/util/iterator"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// findParams represents parameters of the find command.
type findParams struct {
	Where string
	Raw   string
	Limit int
	Count bool
}

// listDatabases writes database names, one per line.
func listDatabases(ctx context.Context, d *persistence.Driver, w io.Writer) error {
	dbs, err := d.GetAllDatabases(ctx)
	if err != nil {
		return err
	}

	for _, db := range dbs {
		fmt.Fprintln(w, db.Name)
	}

	return nil
}

// listCollections writes collection names of the database, one per line.
func listCollections(ctx context.Context, d *persistence.Driver, w io.Writer, dbName string) error {
	db, err := getDatabase(ctx, d, dbName)
	if err != nil {
		return err
	}

	colls, err := d.GetAllCollections(ctx, db)
	if err != nil {
		return err
	}

	for _, coll := range colls {
		fmt.Fprintln(w, coll.Name)
	}

	return nil
}

// findDocuments writes matching documents as relaxed Extended JSON, one per line.
//
// If p.Count is set, only the number of matching documents is written.
func findDocuments(ctx context.Context, d *persistence.Driver, w io.Writer, dbName, collName string, p *findParams) error {
	coll, err := getCollection(ctx, d, dbName, collName)
	if err != nil {
		return err
	}

	var params persistence.QueryParams

	switch {
	case p.Where != "" && p.Raw != "":
		return fmt.Errorf("--where and --raw are mutually exclusive")
	case p.Where != "":
		if params.Filter, err = d.CreateFilterFromExpression(p.Where); err != nil {
			return err
		}
	case p.Raw != "":
		params.Raw = p.Raw
	}

	if p.Count {
		var n int64
		if n, err = d.Count(ctx, coll, &params); err != nil {
			return err
		}

		fmt.Fprintln(w, n)

		return nil
	}

	q, err := d.Get(ctx, coll, &params)
	if err != nil {
		return err
	}

	iter, err := q.Iterator(ctx)
	if err != nil {
		return err
	}

	defer iter.Close()

	if p.Limit > 0 {
		var docs []*persistence.Document
		if docs, err = iterator.ConsumeValuesN(iter, p.Limit); err != nil {
			return err
		}

		for _, doc := range docs {
			err = writeDocument(w, doc.Raw())
			doc.Close()

			if err != nil {
				return err
			}
		}

		return nil
	}

	for {
		_, doc, err := iter.Next()
		if err == iterator.ErrIteratorDone {
			return nil
		}

		if err != nil {
			return err
		}

		err = writeDocument(w, doc.Raw())
		doc.Close()

		if err != nil {
			return err
		}
	}
}

// getDocument writes the document with the given ID.
func getDocument(ctx context.Context, d *persistence.Driver, w io.Writer, dbName, collName, id string) error {
	coll, err := getCollection(ctx, d, dbName, collName)
	if err != nil {
		return err
	}

	doc, err := d.GetByID(ctx, coll, id)
	if err != nil {
		return err
	}

	if doc == nil {
		return fmt.Errorf("document %q not found in %s", id, coll)
	}

	defer doc.Close()

	return writeDocument(w, doc.Raw())
}

// saveDocument inserts or replaces the document given as Extended JSON and writes the stored document.
//
// Missing database and collection are created.
func saveDocument(ctx context.Context, d *persistence.Driver, w io.Writer, dbName, collName, ext string) error {
	var data bson.D
	if err := bson.UnmarshalExtJSON([]byte(ext), false, &data); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	coll, err := ensureCollection(ctx, d, dbName, collName)
	if err != nil {
		return err
	}

	doc, err := d.Save(ctx, coll, data, false)
	if err != nil {
		return err
	}

	defer doc.Close()

	return writeDocument(w, doc.Raw())
}

// deleteDocument deletes the document with the given ID.
func deleteDocument(ctx context.Context, d *persistence.Driver, dbName, collName, id string) error {
	coll, err := getCollection(ctx, d, dbName, collName)
	if err != nil {
		return err
	}

	_, err = d.Save(ctx, coll, bson.D{{Key: "_id", Value: id}}, true)

	return err
}

// patchDocument sets the given dotted paths of the document and writes the updated document.
//
// Values are parsed as Extended JSON values; values that fail to parse are used as strings.
func patchDocument(ctx context.Context, d *persistence.Driver, w io.Writer, dbName, collName, id string, set map[string]string, upsert bool) error {
	coll, err := getCollection(ctx, d, dbName, collName)
	if err != nil {
		return err
	}

	props := make(map[string]any, len(set))
	for k, v := range set {
		props[k] = parseValue(v)
	}

	res, err := d.UpdateProperties(ctx, coll, &persistence.PatchParams{ID: id, Properties: props}, &persistence.UpdateOptions{
		Upsert:         upsert,
		ReturnDocument: true,
	})
	if err != nil {
		return err
	}

	if res.Document == nil {
		return fmt.Errorf("document %q not found in %s", id, coll)
	}

	defer res.Document.Close()

	return writeDocument(w, res.Document.Raw())
}

// writeMetrics writes all gathered metrics in the Prometheus text format, sorted by name.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return lazyerrors.Error(err)
	}

	for _, mf := range mfs {
		if _, err = expfmt.MetricFamilyToText(w, mf); err != nil {
			return lazyerrors.Error(err)
		}
	}

	return nil
}

// getDatabase returns an existing database.
func getDatabase(ctx context.Context, d *persistence.Driver, dbName string) (*persistence.Database, error) {
	db, err := d.GetDatabase(ctx, dbName)
	if err != nil {
		return nil, err
	}

	if db == nil {
		return nil, fmt.Errorf("database %q does not exist", dbName)
	}

	return db, nil
}

// getCollection returns an existing collection.
func getCollection(ctx context.Context, d *persistence.Driver, dbName, collName string) (*persistence.Collection, error) {
	db, err := getDatabase(ctx, d, dbName)
	if err != nil {
		return nil, err
	}

	coll, err := d.GetCollection(ctx, db, collName)
	if err != nil {
		return nil, err
	}

	if coll == nil {
		return nil, fmt.Errorf("collection %q does not exist in database %q", collName, dbName)
	}

	return coll, nil
}

// ensureCollection returns a collection, creating it and its database if needed.
func ensureCollection(ctx context.Context, d *persistence.Driver, dbName, collName string) (*persistence.Collection, error) {
	db, err := d.GetDatabase(ctx, dbName)
	if err != nil {
		return nil, err
	}

	if db == nil {
		if db, err = d.CreateDatabase(ctx, dbName, false); err != nil {
			return nil, err
		}
	}

	coll, err := d.GetCollection(ctx, db, collName)
	if err != nil || coll != nil {
		return coll, err
	}

	return d.CreateCollection(ctx, db, collName)
}

// parseValue parses a single Extended JSON value.
func parseValue(s string) any {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"v":`+s+`}`), false, &doc); err != nil || len(doc) != 1 {
		return s
	}

	return doc[0].Value
}

// writeDocument writes the document as a single line of relaxed Extended JSON.
func writeDocument(w io.Writer, raw bson.Raw) error {
	b, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return lazyerrors.Error(err)
	}

	_, err = fmt.Fprintf(w, "%s\n", b)

	return err
}

// sortedFlags returns feature flag names in a stable order for logging.
func sortedFlags(flags map[string]bool) string {
	keys := maps.Keys(flags)
	slices.Sort(keys)

	return strings.Join(keys, ",")
}
