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

package logging

import (
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// mongoSink sends MongoDB driver log messages to zap.
type mongoSink struct {
	l *zap.SugaredLogger
}

// NewMongoSink returns a MongoDB driver log sink backed by the given logger.
//
// Driver's info messages with level 0 are logged at info level, others at debug level.
func NewMongoSink(l *zap.Logger) options.LogSink {
	return &mongoSink{
		l: l.WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

// Info implements options.LogSink.
func (s *mongoSink) Info(level int, message string, keysAndValues ...any) {
	if level == 0 {
		s.l.Infow(message, keysAndValues...)
		return
	}

	s.l.Debugw(message, keysAndValues...)
}

// Error implements options.LogSink.
func (s *mongoSink) Error(err error, message string, keysAndValues ...any) {
	s.l.With(zap.Error(err)).Errorw(message, keysAndValues...)
}

// check interfaces
var (
	_ options.LogSink = (*mongoSink)(nil)
)
