// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package main

import (
	"os"

	"github.com/zeroscale/zeroscale/daemon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
