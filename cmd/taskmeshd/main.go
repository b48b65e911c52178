// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Command taskmeshd runs the TaskMesh orchestration server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
