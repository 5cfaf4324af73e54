// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔄 recipesync - Continuous Recipe Synchronization Engine")
	fmt.Println("========================================================")
	fmt.Println()
	fmt.Println("recipesync keeps a local recipe collection in sync with a remote recipe")
	fmt.Println("store using pull-based change enumeration, a durable operation queue,")
	fmt.Println("and explicit conflict detection with user-driven resolution.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Recipe Server Example (examples/recipeserver/)")
	fmt.Println("   A PostgreSQL-backed remote recipe store with a change feed")
	fmt.Println("   Features: JWT auth, versioned resources, change-log pagination")
	fmt.Println("   Run: cd examples/recipeserver && go run .")
	fmt.Println()
}
