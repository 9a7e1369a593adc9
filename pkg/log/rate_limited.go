// Copyright 2022 The gVisor Authors.
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

package log

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages once its limiter runs out of tokens.
// Messages below the logger's level do not consume tokens.
type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) allow(level Level) bool {
	return rl.logger.IsLogging(level) && rl.limit.Allow()
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.allow(Debug) {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.allow(Info) {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.allow(Warning) {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger at
// most once per every.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to logger at most once per
// every.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return BurstRateLimitedLogger(logger, every, 1)
}

// BurstRateLimitedLogger is like RateLimitedLogger, but lets bursts of up to
// burst messages through before throttling.
func BurstRateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
