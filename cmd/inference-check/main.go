package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gil906/witnessreplay-inference/config"
)

// inference-check loads the effective configuration, prints the model,
// chain and budget tables, and reports validation warnings. Run it before
// deploying a config change:
//
//	inference-check [config.yaml]
//
// With INFERENCE_CHECK_STRICT=true any warning exits nonzero.
func main() {
	fmt.Println("WitnessReplay Inference - Configuration Check")

	var (
		cfg *config.Config
		err error
	)
	if len(os.Args) > 1 {
		cfg, err = config.LoadFile(os.Args[1])
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	printModels(cfg)
	printChains(cfg)
	printWindows(cfg)

	warnings := cfg.Validate()
	if len(warnings) == 0 {
		fmt.Println("\nOK: no warnings")
		return
	}

	fmt.Printf("\n%d warning(s):\n", len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	if os.Getenv("INFERENCE_CHECK_STRICT") == "true" {
		os.Exit(1)
	}
}

func printModels(cfg *config.Config) {
	names := make([]string, 0, len(cfg.Models))
	for name := range cfg.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\nModels (%d):\n", len(names))
	for _, name := range names {
		m := cfg.Models[name]
		fmt.Printf("  %-28s rpm=%-6d rpd=%-8d tpm=%-8d tpd=%d\n",
			name, m.RequestsPerMinute, m.RequestsPerDay, m.TokensPerMinute, m.TokensPerDay)
	}
}

func printChains(cfg *config.Config) {
	tasks := make([]string, 0, len(cfg.Chains))
	for task := range cfg.Chains {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	fmt.Printf("\nFallback chains (%d):\n", len(tasks))
	for _, task := range tasks {
		fmt.Printf("  %-16s %s\n", task, strings.Join(cfg.Chains[task], " -> "))
	}
}

func printWindows(cfg *config.Config) {
	fmt.Printf("\nBudget windows (exceed action: %s):\n", cfg.Budget.ExceedAction)
	for _, w := range cfg.Budget.Windows {
		peak := ""
		if w.Peak {
			peak = "  [peak]"
		}
		fmt.Printf("  %-12s %02d:00-%02d:00  %5.1f%%%s\n",
			w.Name, w.StartHour, w.EndHour, w.Percent, peak)
	}
}
