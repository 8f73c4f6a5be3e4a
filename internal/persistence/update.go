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
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docstore/internal/docerrors"
	"github.com/FerretDB/docstore/internal/persistence/codec"
)

// UpdateOptions represents optional vendor features for partial updates.
type UpdateOptions struct {
	// Create the document if it does not exist (property patches only).
	Upsert bool

	// Append a new element if no element matches (array element updates only).
	InsertIfMissing bool

	// Return the updated document.
	ReturnDocument bool
}

// PatchParams describes a property patch of a single document.
type PatchParams struct {
	// Dotted field paths and their new values.
	Properties map[string]any

	ID string
}

// ArrayElementParams describes an update of a single element of an array field.
//
// Exactly one of Properties and Element must be set.
type ArrayElementParams struct {
	// Value of the element ID field.
	ElementID any

	// Element-relative dotted paths and their new values.
	Properties map[string]any

	// Replacement element.
	Element any

	ID string

	// Dotted path of the array field.
	ArrayField string

	// Name of the element field holding the element ID.
	ElementIDField string
}

// UpdateResult represents the result of a partial update.
type UpdateResult struct {
	// Updated document, if requested with UpdateOptions.ReturnDocument.
	Document *Document

	// Document existed.
	Matched bool

	// Document was created by the update.
	Upserted bool

	// No array element matched and a new one was appended.
	Inserted bool
}

// checkPaths validates dotted paths of a patch.
//
// Paths must be non-empty, must not touch the document ID, and must not overlap.
func checkPaths(properties map[string]any, allowID bool) error {
	paths := maps.Keys(properties)
	slices.Sort(paths)

	for i, p := range paths {
		for _, part := range strings.Split(p, ".") {
			if part == "" {
				return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "invalid field path %q", p)
			}
		}

		if !allowID && (p == codec.IDKey || strings.HasPrefix(p, codec.IDKey+".")) {
			return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "field %q is immutable", codec.IDKey)
		}

		// a prefix always sorts before the paths it is a prefix of
		for _, prev := range paths[:i] {
			if strings.HasPrefix(p, prev+".") {
				return docerrors.Newf(docerrors.ErrorCodeInvalidArgument, "paths %q and %q overlap", prev, p)
			}
		}
	}

	return nil
}
