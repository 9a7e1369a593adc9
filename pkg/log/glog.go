// Copyright 2018 Google LLC
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
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the first letter of the level and pid is padded to 7 columns.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the process column of every header.
var pid = fmt.Sprintf("%7d", os.Getpid())

var levelLetters = [...]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := local[:0]

	if int(level) < len(levelLetters) {
		b = append(b, levelLetters[level])
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')

	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		b = append(b, filepath.Base(file)...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(line), 10)
	} else {
		b = append(b, "x:0"...)
	}
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')

	// The header becomes part of the format; args are applied downstream.
	g.Emitter.Emit(depth, level, timestamp, string(b), args...)
}
