package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"raceserver/internal/content"
	"raceserver/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled (the caller should not fall through to server startup).
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("raceserver %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "catalog":
		return cliCatalog(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	ctx := context.Background()
	name, err := st.Setting(ctx, "server_name")
	if err != nil {
		name = "(unset)"
	}
	cars, err := st.CachedCarConfigs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading cached car configs: %v\n", err)
		os.Exit(1)
	}
	tracks, err := st.CachedTrackConfigs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading cached track configs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Cached car configs: %d\n", len(cars))
	fmt.Printf("Cached track configs: %d\n", len(tracks))
	fmt.Printf("Version: %s\n", Version)
	return true
}

// cliCatalog inspects or refreshes the cached content catalog without
// booting the network stack.
func cliCatalog(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		cars, err := st.CachedCarConfigs(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		tracks, err := st.CachedTrackConfigs(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Car configs:")
		for _, c := range cars {
			fmt.Printf("  [%s] %s\n", c.ID, c.Name)
		}
		fmt.Println("Track configs:")
		for _, t := range tracks {
			fmt.Printf("  [%s] %s (closed=%v)\n", t.ID, t.Name, t.Closed)
		}
		return true
	}

	if args[0] == "reload" && len(args) > 1 {
		dir := args[1]
		cars, tracks, err := content.Load(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading content from %s: %v\n", dir, err)
			os.Exit(1)
		}
		if err := st.CacheCatalog(ctx, cars, tracks); err != nil {
			fmt.Fprintf(os.Stderr, "error caching catalog: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Reloaded %d car configs and %d track configs from %s\n", len(cars), len(tracks), dir)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: raceserver catalog [list|reload <content-dir>]\n")
	os.Exit(1)
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "get" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: raceserver settings get <key>\n")
			os.Exit(1)
		}
		value, err := st.Setting(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.Marshal(value)
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(ctx, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: raceserver settings [get <key>|set <key> <value>]\n")
	os.Exit(1)
	return true
}
