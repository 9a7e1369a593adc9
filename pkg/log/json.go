// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return []byte(strconv.Quote(levelNames[l])), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts both
// the level names and their integer values.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	for i, name := range levelNames {
		if s == strconv.Itoa(i) || s == strconv.Quote(name) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

// formatWithCaller formats the message and prefixes it with the file and line
// of the caller depth frames above the emitter.
func formatWithCaller(depth int, format string, v ...any) string {
	msg := fmt.Sprintf(format, v...)
	if _, file, line, ok := runtime.Caller(depth + 2); ok {
		msg = fmt.Sprintf("%s:%d] %s", filepath.Base(file), line, msg)
	}
	return msg
}

// writeJSON writes one encoded record to w.
func writeJSON(w *Writer, record any) {
	b, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	w.Write(b)
}

type jsonLog struct {
	Msg   string    `json:"msg"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
}

// JSONEmitter logs messages in json format.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	writeJSON(e.Writer, jsonLog{
		Msg:   formatWithCaller(depth, format, v...),
		Level: level,
		Time:  timestamp,
	})
}

type k8sJSONLog struct {
	Log   string    `json:"log"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
}

// K8sJSONEmitter logs messages in json format that is compatible with
// Kubernetes fluent configuration.
type K8sJSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e K8sJSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	writeJSON(e.Writer, k8sJSONLog{
		Log:   formatWithCaller(depth, format, v...),
		Level: level,
		Time:  timestamp,
	})
}
