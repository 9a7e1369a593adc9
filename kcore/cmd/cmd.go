// Copyright 2026 The gVisor Authors.
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

// Package cmd holds implementations of the kcore commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/kcore/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by whoever launched kcore to report the failure.
var ErrorLogger io.Writer

// Errorf logs error to the error log (--log), to stderr, and debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	writeError(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the workloads.
	os.Exit(128)
}

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger == nil {
		return
	}
	// Write the error in the same format the error log consumers expect.
	b, err := json.Marshal(jsonError{Msg: msg, Level: "error", Time: time.Now()})
	if err != nil {
		log.Warningf("encoding error message: %v", err)
		return
	}
	_, _ = ErrorLogger.Write(append(b, '\n'))
}
