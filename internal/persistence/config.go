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
	"errors"
	"io"
	"math"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/FerretDB/docstore/internal/docerrors"
)

// Recognized configuration keys.
const (
	configConnectionString = "connectionString"
	configDefaultTimeoutMs = "defaultTimeoutMs"
	configPoolSize         = "poolSize"
	configFeatureFlags     = "vendorFeatureFlags"
)

// maxTimeoutMs is the largest defaultTimeoutMs value representable as time.Duration.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// Config is a per-driver configuration.
//
// It is set at driver construction and is read-only after that.
type Config struct {
	// Vendor connection URI; used by Connect when no other URI is given.
	ConnectionString string

	// Per-operation timeout; zero means no timeout.
	DefaultTimeout time.Duration

	// Maximum number of native connections; zero means the vendor default.
	PoolSize int

	// Vendor-specific feature flags.
	FeatureFlags map[string]bool
}

// ParseConfig builds a Config from a map of recognized options.
//
// Unrecognized options and values of wrong types are rejected with InvalidConfiguration error.
func ParseConfig(m map[string]any) (*Config, error) {
	var c Config

	keys := maps.Keys(m)
	slices.Sort(keys)

	for _, k := range keys {
		v := m[k]

		switch k {
		case configConnectionString:
			s, ok := v.(string)
			if !ok {
				return nil, invalidOption(k, v)
			}

			c.ConnectionString = s

		case configDefaultTimeoutMs:
			ms, ok := nonNegativeInt(v)
			if !ok || ms > maxTimeoutMs {
				return nil, invalidOption(k, v)
			}

			c.DefaultTimeout = time.Duration(ms) * time.Millisecond

		case configPoolSize:
			n, ok := nonNegativeInt(v)
			if !ok || n > math.MaxInt32 {
				return nil, invalidOption(k, v)
			}

			c.PoolSize = int(n)

		case configFeatureFlags:
			flags, ok := v.(map[string]any)
			if !ok {
				if bflags, bok := v.(map[string]bool); bok {
					c.FeatureFlags = maps.Clone(bflags)
					continue
				}

				return nil, invalidOption(k, v)
			}

			c.FeatureFlags = make(map[string]bool, len(flags))

			for name, fv := range flags {
				b, ok := fv.(bool)
				if !ok {
					return nil, docerrors.Newf(
						docerrors.ErrorCodeInvalidConfiguration,
						"feature flag %q must be a boolean, got %T", name, fv,
					)
				}

				c.FeatureFlags[name] = b
			}

		default:
			return nil, docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "unrecognized option %q", k)
		}
	}

	return &c, nil
}

// LoadConfig reads a YAML document with recognized options.
func LoadConfig(r io.Reader) (*Config, error) {
	var m map[string]any

	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return new(Config), nil
		}

		return nil, docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "failed to parse configuration: %w", err)
	}

	return ParseConfig(m)
}

// Flag returns the value of the feature flag; unset flags are false.
func (c *Config) Flag(name string) bool {
	return c.FeatureFlags[name]
}

// CheckFlags returns InvalidConfiguration error if any feature flag is not in the allowed list.
func (c *Config) CheckFlags(vendor Vendor, allowed ...string) error {
	names := maps.Keys(c.FeatureFlags)
	slices.Sort(names)

	for _, name := range names {
		if !slices.Contains(allowed, name) {
			return docerrors.Newf(
				docerrors.ErrorCodeInvalidConfiguration,
				"feature flag %q is not supported by %s", name, vendor,
			).WithVendor(vendor.String(), "")
		}
	}

	return nil
}

// clone returns a deep copy of the configuration.
func (c *Config) clone() *Config {
	res := *c
	res.FeatureFlags = maps.Clone(c.FeatureFlags)

	return &res
}

// nonNegativeInt converts YAML and JSON numbers to a non-negative integer.
func nonNegativeInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), v >= 0
	case int32:
		return int64(v), v >= 0
	case int64:
		return v, v >= 0
	case uint64:
		return int64(v), v <= math.MaxInt64
	case float64:
		// float64(math.MaxInt64) is 2^63 and does not fit
		if v < 0 || v != math.Trunc(v) || v >= math.MaxInt64 {
			return 0, false
		}

		return int64(v), true
	default:
		return 0, false
	}
}

// invalidOption returns an error for the option with a value of a wrong type.
func invalidOption(k string, v any) error {
	return docerrors.Newf(docerrors.ErrorCodeInvalidConfiguration, "invalid value %v (%T) for option %q", v, v, k)
}
