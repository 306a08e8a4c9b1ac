package main

import (
	"fmt"
	"os"

	"github.com/newsdrift/newsdrift/internal/buildinfo"
)

// Exit codes: 0 success, 1 crawl failure, 2 usage error, 130 stopped by signal.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitAborted = 130
)

const usage = `newsdrift - polite news-site crawler

Usage:
  newsdrift crawl <startUrl> [flags]
  newsdrift version

Crawl flags:
  --type MODE          crawl mode: basic, intelligent, gazetteer, structure-only
  --config PATH        YAML runtime config, layered over defaults
  --max-downloads N    stop after N successful downloads (0 = unbounded)
  --max-depth N        maximum link depth from the seed
  --rate-limit MS      global minimum delay between any two requests
  --db PATH            sqlite database path (overrides NEWSDRIFT_DB_PATH)
  --prefer-cache       serve cached entries regardless of age
  --verbose N          verbosity level
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}
	switch args[0] {
	case "crawl":
		return runCrawl(args[1:])
	case "version":
		fmt.Printf("newsdrift %s (%s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return exitOK
	case "help", "-h", "--help":
		fmt.Print(usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "newsdrift: unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}
