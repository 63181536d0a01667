// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command bgcalc runs the background computation service.
//
// # Commands
//
//   - serve: HTTP API, runner and (with the pool backend) the in-process
//     workers.
//   - worker: Drains the Postgres task queue.
//   - sweep: Removes expired cache artifacts once and prints the counters.
//   - migrate: Creates the Postgres task queue schema.
//
// # Configuration
//
// A YAML file given with --config, a .env file in the working directory and
// BGCALC_* environment variables, in increasing priority.
//
// # Usage
//
//	go build -o bgcalc ./cmd/bgcalc
//	./bgcalc serve --config config.yaml
//	./bgcalc sweep --ttl 24h
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
