// Copyright 2024 The gVisor Authors.
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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"prisync.dev/prisync/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user running ktest, unlike the debug log.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs the same message to the error logger and to the debug log,
// then exits with status 128.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(format, args...)
	// Return an error that is unlikely to be used by a test.
	os.Exit(128)
}

// Errorf logs the same message to the error logger and to the debug log.
func Errorf(format string, args ...any) {
	log.Warningf(format, args...)
	writeError(format, args...)
}

func writeError(format string, args ...any) {
	if ErrorLogger == nil {
		return
	}
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
}
