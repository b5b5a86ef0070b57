// matopiba-inspect dumps the hot cache contents for debugging. Exit
// status 2 means the cache is empty.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/evaonline/matopiba/internal/cache"
	"github.com/evaonline/matopiba/internal/log"
	"github.com/evaonline/matopiba/pkg/config"
)

func main() {
	metadataOnly := flag.Bool("metadata", false, "Print only the run metadata")
	validationOnly := flag.Bool("validation", false, "Print only the validation metrics")
	cityCode := flag.String("city", "", "Print only the forecast for one city code")
	flag.Parse()

	if err := log.Init(false); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// The inspector only reads the cache, so it skips full validation:
	// a missing provider endpoint must not block a debugging session.
	cfg := config.NewEnvProvider().GetRawConfig()
	if cfg.KVURL == "" {
		log.Errorf("Configuration error: KV_URL must be set")
		os.Exit(1)
	}

	hot, err := cache.NewGateway(cfg.KVURL, log.GetSugaredLogger())
	if err != nil {
		log.Errorf("Cannot connect to hot cache: %v", err)
		os.Exit(1)
	}
	defer hot.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *metadataOnly {
		meta, err := hot.GetMetadata(ctx)
		if err != nil {
			exitOnLookupError("metadata", err)
		}
		printJSON(meta)
		return
	}

	snap, err := hot.GetSnapshot(ctx)
	if err != nil {
		exitOnLookupError("snapshot", err)
	}

	switch {
	case *validationOnly:
		printJSON(snap.Validation)
	case *cityCode != "":
		city, ok := snap.Forecasts[*cityCode]
		if !ok {
			log.Errorf("City %s not present in the snapshot (%d cities)", *cityCode, len(snap.Forecasts))
			os.Exit(1)
		}
		printJSON(city)
	default:
		printJSON(snap)
	}
}

func exitOnLookupError(what string, err error) {
	if errors.Is(err, cache.ErrNotFound) {
		fmt.Printf("Cache is empty: no %s published yet\n", what)
		os.Exit(2)
	}
	log.Errorf("Cannot read %s: %v", what, err)
	os.Exit(1)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("Cannot marshal output: %v", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
