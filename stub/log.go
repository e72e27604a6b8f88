// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stub

import (
	"io"
	"log"
	"os"
)

// PrintDebugInfo routes padding decisions to stderr.  It is read once,
// at package initialization; changing it later has no effect.
var PrintDebugInfo = false

var logger *log.Logger

func init() {
	w := io.Discard

	if PrintDebugInfo {
		w = os.Stderr
	}

	logger = log.New(w, "", log.Lshortfile)
}
