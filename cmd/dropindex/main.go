// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command dropindex empties collections of a bolt lookup index so they can
// be rebuilt by resubmitting their transactions.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/utxoverlay/overlayd/internal/cfgutil"
	"github.com/utxoverlay/overlayd/internal/prompt"
	"github.com/utxoverlay/overlayd/lookup/kvstore"
)

var datadir = btcutil.AppDataDir("overlayd", false)

// Flags.
var opts = struct {
	Force       bool     `short:"f" description:"Force removal without prompt"`
	DbPath      string   `long:"db" description:"Path to the index database"`
	List        bool     `short:"l" long:"list" description:"List the stored collections and exit"`
	Collections []string `short:"c" long:"collection" description:"Collection to drop (may be repeated; default all)"`
}{
	DbPath: filepath.Join(datadir, "index.db"),
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	if _, err := flags.Parse(&opts); err != nil {
		return 1
	}

	fmt.Println("Database path:", opts.DbPath)
	ok, err := cfgutil.FileExists(opts.DbPath)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	if !ok {
		fmt.Println("Database file does not exist")
		return 1
	}

	store, err := kvstore.Open(opts.DbPath, kvstore.DefaultDBTimeout)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer store.Close()

	stored, err := kvstore.Collections(store.DB())
	if err != nil {
		fmt.Println("Failed to read collections:", err)
		return 1
	}
	if opts.List {
		for _, name := range stored {
			fmt.Println(name)
		}
		return 0
	}

	drop := opts.Collections
	if len(drop) == 0 {
		drop = stored
	}
	if len(drop) == 0 {
		fmt.Println("Nothing to drop")
		return 0
	}

	if !opts.Force {
		reader := bufio.NewReader(os.Stdin)
		yes, err := prompt.Confirm(reader, fmt.Sprintf("Drop all "+
			"records of %d collection(s)?", len(drop)), false)
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		if !yes {
			return 0
		}
	}

	for _, name := range drop {
		fmt.Println("Dropping collection", name)
		if err := kvstore.DropCollection(store.DB(), name); err != nil {
			fmt.Println("Failed to drop collection:", err)
			return 1
		}
	}

	return 0
}
