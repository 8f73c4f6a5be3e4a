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
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/vendors"
	"github.com/FerretDB/docstore/internal/util/ctxutil"
	"github.com/FerretDB/docstore/internal/util/lazyerrors"
)

// testStores lists environment variables with test store URIs.
var testStores = []struct {
	env    string
	vendor persistence.Vendor
}{
	{"DOCSTORE_TEST_MONGODB_URI", persistence.MongoLike},
	{"DOCSTORE_TEST_POSTGRESQL_URI", persistence.SqlLike},
	{"DOCSTORE_TEST_MYSQL_URI", persistence.SqlLike},
}

// redact returns the URI without password for logging.
func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid URI>"
	}

	return u.Redacted()
}

// waitForStore connects to the store until it responds to ping or ctx is canceled.
func waitForStore(ctx context.Context, vendor persistence.Vendor, uri string, l *zap.SugaredLogger) error {
	d, err := vendors.NewDriver(vendor, &persistence.Config{ConnectionString: uri, DefaultTimeout: 5 * time.Second}, l.Desugar())
	if err != nil {
		return lazyerrors.Error(err)
	}

	addr := redact(uri)
	l.Infof("Waiting for %s to be up.", addr)

	var attempt int64

	for ctx.Err() == nil {
		connected, err := d.Connect(ctx, "")
		if err != nil {
			return lazyerrors.Error(err)
		}

		if connected {
			err = d.Ping(ctx)
		} else {
			err = d.Err()
		}

		d.Disconnect(context.WithoutCancel(ctx))

		if err == nil {
			l.Infof("%s is up.", addr)
			return nil
		}

		l.Infof("Connecting to %s: %s", addr, err)

		attempt++
		ctxutil.SleepWithJitter(ctx, time.Second, attempt)
	}

	return fmt.Errorf("failed to connect to %s", addr)
}

// setup waits for all configured test stores.
func setup(ctx context.Context, getenv func(string) string, l *zap.SugaredLogger) error {
	for _, s := range testStores {
		uri := getenv(s.env)
		if uri == "" {
			l.Debugf("%s is not set, skipping.", s.env)
			continue
		}

		if err := waitForStore(ctx, s.vendor, uri, l.Named(s.vendor.String())); err != nil {
			return err
		}
	}

	l.Info("Done.")

	return nil
}
