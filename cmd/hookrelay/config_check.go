package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/hookrelay/internal/config"
)

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("RELAY_CONFIG"), "Path to YAML configuration file (optional)")
	envFile := fs.String("env-file", config.DefaultEnvFile, "Path to dotenv file (optional)")
	quiet := fs.Bool("quiet", false, "Only report pass or fail")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadWith(config.Options{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED:\n%v\n", err)
		return 1
	}

	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fingerprint config: %v\n", err)
		return 1
	}

	if !*quiet {
		out, err := cfg.EncodeRedacted()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
			return 1
		}
		fmt.Print(string(out))
		fmt.Println("---")
	}

	fmt.Printf("fingerprint: %s\n", fingerprint)
	if *configPath != "" {
		fileHash, err := config.ComputeBlake3Hash(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash %s: %v\n", *configPath, err)
			return 1
		}
		fmt.Printf("file: %s blake3:%s\n", *configPath, fileHash)
	}
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}
