// matopiba-trigger runs one pipeline pass outside the schedule and
// prints the task report. Exit status 0 means the snapshot was
// published.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/evaonline/matopiba/internal/app"
	"github.com/evaonline/matopiba/internal/log"
	"github.com/evaonline/matopiba/internal/pipeline"
	"github.com/evaonline/matopiba/pkg/config"
)

func main() {
	debug := flag.Bool("debug", false, "Turn on debugging output")
	timeout := flag.Duration("timeout", pipeline.TaskDeadline, "Overall deadline for the run")
	skipAudit := flag.Bool("skip-audit", false, "Skip the audit log write even when DB_URL is set")
	flag.Parse()

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	provider := config.NewEnvProvider()
	cfg, err := provider.GetConfig()
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		os.Exit(1)
	}
	if *skipAudit {
		cfg.DBURL = ""
	}

	runner, hot, err := app.BuildRunner(cfg, log.GetSugaredLogger())
	if err != nil {
		log.Errorf("Setup error: %v", err)
		os.Exit(1)
	}
	defer hot.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	report, err := runner.Run(ctx)
	if err != nil {
		log.Errorf("Run failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
	}

	if report != nil {
		out, merr := json.MarshalIndent(report, "", "  ")
		if merr != nil {
			log.Errorf("Cannot marshal report: %v", merr)
		} else {
			fmt.Println(string(out))
		}
	}

	if err != nil || report == nil || !report.Success {
		os.Exit(1)
	}
}
