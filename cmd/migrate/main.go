// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bob-cd/apiserver/internal/config"
	"github.com/bob-cd/apiserver/internal/store"
)

func main() {
	cfg, err := config.NewConfig(os.Getenv("BOB_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(context.Background(), cfg.Storage, cfg.Connection)
	if err != nil {
		fmt.Printf("Error connecting to state store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("Migrating %s state store...\n", cfg.Storage.Driver)

	if err := db.AutoMigrate(); err != nil {
		fmt.Printf("Migration failed: %v\n", err)
		db.Close()
		os.Exit(1)
	}

	if err := db.Status(context.Background()); err != nil {
		fmt.Printf("State store is not answering after migration: %v\n", err)
		db.Close()
		os.Exit(1)
	}

	fmt.Println("State store is ready.")
}
