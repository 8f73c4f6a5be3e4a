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

// Package codec provides per-driver document serialization.
//
// All vendors share the same codec based on mongo-driver's bson package:
// documents are mapped with `bson` struct tags, polymorphic interface fields
// are round-tripped with a discriminator field.
package codec

import (
	"fmt"
	"reflect"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// DiscriminatorKey is the document field holding the variant tag.
const DiscriminatorKey = "_t"

// IDKey is the document field holding the document ID.
const IDKey = "_id"

// documentTypes are non-struct, non-map types that map to documents.
var documentTypes = map[reflect.Type]struct{}{
	reflect.TypeOf(bson.D{}):   {},
	reflect.TypeOf(bson.Raw{}): {},
}

// Registry maps Go types to documents for one driver instance.
//
// It is safe for concurrent use, but variants should be registered
// before the first use of types containing them.
//
//nolint:vet // for readability
type Registry struct {
	reg *bsoncodec.Registry

	rw          sync.RWMutex
	initialized map[reflect.Type]struct{}
	variants    map[reflect.Type]*variantSet
}

// variantSet holds registered concrete types of one interface type.
type variantSet struct {
	iface  reflect.Type
	byTag  map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry creates a new Registry with default mappings.
func NewRegistry() *Registry {
	return &Registry{
		reg:         bson.NewRegistry(),
		initialized: map[reflect.Type]struct{}{},
		variants:    map[reflect.Type]*variantSet{},
	}
}

// BSON returns the underlying bsoncodec registry.
func (r *Registry) BSON() *bsoncodec.Registry {
	return r.reg
}

// Initialize maps the type of prototype.
//
// The type (or the type it points to) must encode to a document.
// It is safe to call Initialize multiple times for the same type.
func (r *Registry) Initialize(prototype any) error {
	t := reflect.TypeOf(prototype)
	if t == nil {
		return lazyerrors.New("prototype is nil")
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.rw.RLock()
	_, ok := r.initialized[t]
	r.rw.RUnlock()

	if ok {
		return nil
	}

	if _, ok := documentTypes[t]; !ok && t.Kind() != reflect.Struct && t.Kind() != reflect.Map {
		return lazyerrors.Errorf("%s does not map to a document", t)
	}

	if _, err := r.reg.LookupEncoder(t); err != nil {
		return lazyerrors.Error(err)
	}

	if _, err := r.reg.LookupDecoder(t); err != nil {
		return lazyerrors.Error(err)
	}

	// encode a zero value to surface mapping problems like unsupported field types early
	if t.Kind() == reflect.Struct {
		if _, err := bson.MarshalWithRegistry(r.reg, reflect.New(t).Interface()); err != nil {
			return err
		}
	}

	r.rw.Lock()
	r.initialized[t] = struct{}{}
	r.rw.Unlock()

	return nil
}

// IsInitialized returns true if Initialize was called for the type of prototype.
func (r *Registry) IsInitialized(prototype any) bool {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.rw.RLock()
	defer r.rw.RUnlock()

	_, ok := r.initialized[t]

	return ok
}

// RegisterVariant registers concrete type T for fields of interface type I.
//
// Encoded values of T get DiscriminatorKey field with the given tag.
// Decoding a document with an unknown tag fails with UnregisteredSubtype error.
func RegisterVariant[I, T any](r *Registry, tag string) error {
	iface := reflect.TypeOf((*I)(nil)).Elem()
	if iface.Kind() != reflect.Interface {
		return lazyerrors.Errorf("%s is not an interface", iface)
	}

	concrete := reflect.TypeOf((*T)(nil)).Elem()
	if !concrete.Implements(iface) {
		return lazyerrors.Errorf("%s does not implement %s", concrete, iface)
	}

	if tag == "" {
		return lazyerrors.New("tag is empty")
	}

	r.rw.Lock()
	defer r.rw.Unlock()

	set := r.variants[iface]
	if set == nil {
		set = &variantSet{
			iface:  iface,
			byTag:  map[string]reflect.Type{},
			byType: map[reflect.Type]string{},
		}
		r.variants[iface] = set

		r.reg.RegisterTypeEncoder(iface, bsoncodec.ValueEncoderFunc(r.encodeVariant))
		r.reg.RegisterTypeDecoder(iface, bsoncodec.ValueDecoderFunc(r.decodeVariant))
	}

	if prev, ok := set.byTag[tag]; ok && prev != concrete {
		return lazyerrors.Errorf("tag %q is already registered for %s", tag, prev)
	}

	set.byTag[tag] = concrete
	set.byType[concrete] = tag

	return nil
}

// variantsFor returns registered variants of the given interface type.
func (r *Registry) variantsFor(iface reflect.Type) *variantSet {
	r.rw.RLock()
	defer r.rw.RUnlock()

	return r.variants[iface]
}

// interfaceFor returns the interface type the concrete type is registered for, if any.
func (r *Registry) interfaceFor(concrete reflect.Type) reflect.Type {
	r.rw.RLock()
	defer r.rw.RUnlock()

	for iface, set := range r.variants {
		if _, ok := set.byType[concrete]; ok {
			return iface
		}
	}

	return nil
}

// encodeVariant implements bsoncodec.ValueEncoderFunc for registered interface types.
func (r *Registry) encodeVariant(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	set := r.variantsFor(val.Type())
	if set == nil {
		return lazyerrors.Errorf("no variants for %s", val.Type())
	}

	if val.IsNil() {
		return vw.WriteNull()
	}

	concrete := val.Elem()

	tag, ok := set.byType[concrete.Type()]
	if !ok {
		return docerrors.Newf(
			docerrors.ErrorCodeUnregisteredSubtype,
			"type %s is not registered as a variant of %s", concrete.Type(), set.iface,
		)
	}

	b, err := bson.MarshalWithRegistry(r.reg, concrete.Interface())
	if err != nil {
		return err
	}

	elems, err := bson.Raw(b).Elements()
	if err != nil {
		return lazyerrors.Error(err)
	}

	doc := bson.D{{Key: DiscriminatorKey, Value: tag}}

	for _, e := range elems {
		if e.Key() == DiscriminatorKey {
			continue
		}

		doc = append(doc, bson.E{Key: e.Key(), Value: e.Value()})
	}

	if b, err = bson.MarshalWithRegistry(r.reg, doc); err != nil {
		return lazyerrors.Error(err)
	}

	return bsonrw.Copier{}.CopyDocumentFromBytes(vw, b)
}

// decodeVariant implements bsoncodec.ValueDecoderFunc for registered interface types.
func (r *Registry) decodeVariant(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	set := r.variantsFor(val.Type())
	if set == nil {
		return lazyerrors.Errorf("no variants for %s", val.Type())
	}

	switch vr.Type() {
	case bsontype.Null:
		val.Set(reflect.Zero(val.Type()))
		return vr.ReadNull()
	case bsontype.EmbeddedDocument:
	default:
		return lazyerrors.Errorf("can't decode %s into %s", vr.Type(), set.iface)
	}

	b, err := bsonrw.Copier{}.CopyDocumentToBytes(vr)
	if err != nil {
		return lazyerrors.Error(err)
	}

	raw := bson.Raw(b)

	v, err := raw.LookupErr(DiscriminatorKey)
	if err != nil {
		return docerrors.Newf(
			docerrors.ErrorCodeUnregisteredSubtype,
			"document for %s has no %q discriminator", set.iface, DiscriminatorKey,
		)
	}

	tag, ok := v.StringValueOK()
	if !ok {
		return docerrors.Newf(
			docerrors.ErrorCodeUnregisteredSubtype,
			"discriminator for %s is not a string: %s", set.iface, v.Type,
		)
	}

	concrete, ok := set.byTag[tag]
	if !ok {
		return docerrors.Newf(
			docerrors.ErrorCodeUnregisteredSubtype,
			"subtype %q of %s is not registered", tag, set.iface,
		)
	}

	ptr := reflect.New(concrete)
	if err = bson.UnmarshalWithRegistry(r.reg, raw, ptr.Interface()); err != nil {
		return err
	}

	val.Set(ptr.Elem())

	return nil
}

// Marshal encodes v into a document.
func (r *Registry) Marshal(v any) (bson.Raw, error) {
	b, err := bson.MarshalWithRegistry(r.reg, v)
	if err != nil {
		return nil, err
	}

	return bson.Raw(b), nil
}

// Unmarshal decodes a document into v.
func (r *Registry) Unmarshal(raw bson.Raw, v any) error {
	return bson.UnmarshalWithRegistry(r.reg, raw, v)
}

// Value converts a Go value into its generic bson representation:
// nil, bool, int32, int64, float64, string, bson.D, bson.A, and other primitive types.
//
// Registered variants get their discriminator.
func (r *Registry) Value(v any) (any, error) {
	if t := reflect.TypeOf(v); t != nil {
		if iface := r.interfaceFor(t); iface != nil {
			// encode through the interface encoder to get the discriminator
			p := reflect.New(iface)
			p.Elem().Set(reflect.ValueOf(v))
			v = p.Interface()
		}
	}

	b, err := bson.MarshalWithRegistry(r.reg, bson.D{{Key: "v", Value: v}})
	if err != nil {
		return nil, err
	}

	var doc bson.D
	if err = bson.UnmarshalWithRegistry(r.reg, b, &doc); err != nil {
		return nil, lazyerrors.Error(err)
	}

	if len(doc) != 1 {
		return nil, lazyerrors.Errorf("unexpected document %v", doc)
	}

	return doc[0].Value, nil
}

// ToExtJSON encodes a document as relaxed Extended JSON.
func (r *Registry) ToExtJSON(raw bson.Raw) ([]byte, error) {
	b, err := bson.MarshalExtJSONWithRegistry(r.reg, raw, false, false)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return b, nil
}

// FromExtJSON decodes relaxed or canonical Extended JSON into a document.
func (r *Registry) FromExtJSON(b []byte) (bson.Raw, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSONWithRegistry(r.reg, b, false, &doc); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return r.Marshal(doc)
}

// WithID returns a copy of the document with IDKey set to id as the first field.
func WithID(raw bson.Raw, id string) (bson.Raw, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	doc := make(bson.D, 0, len(elems)+1)
	doc = append(doc, bson.E{Key: IDKey, Value: id})

	for _, e := range elems {
		if e.Key() == IDKey {
			continue
		}

		doc = append(doc, bson.E{Key: e.Key(), Value: e.Value()})
	}

	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return bson.Raw(b), nil
}

// ID returns the string document ID, if present.
func ID(raw bson.Raw) (string, bool) {
	v, err := raw.LookupErr(IDKey)
	if err != nil {
		return "", false
	}

	return v.StringValueOK()
}

// String returns a short description of the registry for logging.
func (r *Registry) String() string {
	r.rw.RLock()
	defer r.rw.RUnlock()

	return fmt.Sprintf("codec.Registry{types: %d, interfaces: %d}", len(r.initialized), len(r.variants))
}
