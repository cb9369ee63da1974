// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"io"
	"os"
)

// exit is replaced in tests.
var exit = os.Exit

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fatal(os.Stderr, err)
}

func fatal(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	exit(1)
}
