// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("Right Rudder Sync - Flight Training Record Synchronization")
	fmt.Println("==========================================================")
	fmt.Println()
	fmt.Println("Replicates flight-training records between an instructor's private")
	fmt.Println("store and per-student shared zones, with conflict resolution and an")
	fmt.Println("offline operation queue.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  syncengine/  - Client-side engine: local SQLite store, entity/record")
	fmt.Println("                 mapper, conflict detector, offline queue, orchestrator")
	fmt.Println("  zonestore/   - Server-side zoned record store on Postgres with the")
	fmt.Println("                 share invite/accept lifecycle")
	fmt.Println()

	fmt.Println("Example:")
	fmt.Println()
	fmt.Println("  Record store server (examples/syncserver/)")
	fmt.Println("  JWT auth, per-student shared zones, share lifecycle endpoints")
	fmt.Println("  Run: cd examples/syncserver && go run .")
	fmt.Println()
}
