// Package main provides the command-line interface for the file transfer
// integration test suite.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/opd-ai/xmppft/config"
	"github.com/opd-ai/xmppft/testnet/internal"
)

// CLI configuration
type CLIConfig struct {
	scenarios       []string
	fileSize        int64
	configPath      string
	overallTimeout  time.Duration
	scenarioTimeout time.Duration
	logLevel        string
	logFile         string
	verbose         bool
	collectMetrics  bool
	metricsAddr     string
	help            bool
}

// parseCLIFlags parses args and returns the configuration.
func parseCLIFlags(args []string) (*CLIConfig, *pflag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet("testnet", pflag.ContinueOnError)

	// Scenario configuration
	fs.StringSliceVarP(&cfg.scenarios, "scenario", "s", internal.ScenarioNames(), "Scenarios to run ("+strings.Join(internal.ScenarioNames(), ", ")+")")
	fs.Int64Var(&cfg.fileSize, "size", 256*1024, "Size in bytes of the file sent in each scenario")
	fs.StringVarP(&cfg.configPath, "config", "c", "", "YAML file with transfer timeouts and block sizes")

	// Timeout configuration
	fs.DurationVar(&cfg.overallTimeout, "overall-timeout", 5*time.Minute, "Overall test timeout")
	fs.DurationVar(&cfg.scenarioTimeout, "scenario-timeout", 30*time.Second, "Timeout of each scenario")

	// Logging configuration
	fs.StringVar(&cfg.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&cfg.logFile, "log-file", "", "Log file path (default: stdout)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", true, "Enable verbose output")

	// Metrics
	fs.BoolVar(&cfg.collectMetrics, "metrics", true, "Enable metrics collection")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Serve metrics at this address during the run")

	// Help
	fs.BoolVarP(&cfg.help, "help", "h", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return cfg, fs, nil
}

// printUsage prints the usage information.
func printUsage(fs *pflag.FlagSet) {
	fmt.Println("XMPP File Transfer Integration Test Suite")
	fmt.Println("=========================================")
	fmt.Println()
	fmt.Println("This tool sends a file between two peers on an in-memory XMPP network")
	fmt.Println("with a SOCKS5 bytestream proxy, once per scenario:")
	for _, name := range internal.ScenarioNames() {
		fmt.Printf("  • %-9s %s\n", name, internal.Scenarios[name].Description)
	}
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Run every scenario\n")
	fmt.Printf("  %s\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Run the proxy and fallback scenarios with a 4 MiB file\n")
	fmt.Printf("  %s -s proxy,fallback --size 4194304\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Expose metrics while running\n")
	fmt.Printf("  %s --metrics-addr 127.0.0.1:9090\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cfg *CLIConfig) error {
	if len(cfg.scenarios) == 0 {
		return fmt.Errorf("at least one scenario is required")
	}

	for _, name := range cfg.scenarios {
		if _, ok := internal.Scenarios[name]; !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
	}

	if cfg.fileSize <= 0 {
		return fmt.Errorf("file size must be positive")
	}

	if cfg.overallTimeout <= 0 {
		return fmt.Errorf("overall timeout must be positive")
	}

	if cfg.scenarioTimeout <= 0 {
		return fmt.Errorf("scenario timeout must be positive")
	}

	if cfg.metricsAddr != "" && !cfg.collectMetrics {
		return fmt.Errorf("metrics address requires metrics collection")
	}

	return nil
}

// createTestConfig converts CLI configuration to internal test configuration.
func createTestConfig(cfg *CLIConfig) (*internal.TestConfig, error) {
	endpoint := config.DefaultConfig()
	if cfg.configPath != "" {
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, err
		}
		endpoint = loaded
	}

	return &internal.TestConfig{
		Scenarios:       cfg.scenarios,
		FileSize:        cfg.fileSize,
		OverallTimeout:  cfg.overallTimeout,
		ScenarioTimeout: cfg.scenarioTimeout,
		Transfer:        endpoint.FileConfig(),
		LogLevel:        cfg.logLevel,
		LogFile:         cfg.logFile,
		VerboseOutput:   cfg.verbose,
		CollectMetrics:  cfg.collectMetrics,
		MetricsAddr:     cfg.metricsAddr,
	}, nil
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		fmt.Printf("\n🛑 Received signal %v, initiating graceful shutdown...\n", sig)
		cancel()
	}()
}

// main is the entry point for the test suite.
func main() {
	cliConfig, fs, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	if cliConfig.help {
		printUsage(fs)
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use --help for usage information.\n")
		os.Exit(1)
	}

	testConfig, err := createTestConfig(cliConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	orchestrator, err := internal.NewTestOrchestrator(testConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to create test orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer orchestrator.Close()

	if err := orchestrator.ValidateConfiguration(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	fmt.Println("🚀 Starting XMPP File Transfer Integration Test Suite...")
	fmt.Println()

	results, err := orchestrator.RunTests(ctx)

	exitCode := 0
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ Test execution failed: %v\n", err)
		exitCode = 1
	} else if results.FinalStatus != internal.TestStatusPassed {
		fmt.Fprintf(os.Stderr, "\n❌ Test suite completed with failures\n")
		exitCode = 1
	} else {
		fmt.Println("\n🎉 Test suite completed successfully!")
	}

	if results != nil {
		fmt.Printf("\n📊 Summary: %d scenarios, %d passed, %d failed (execution time: %v)\n",
			results.TotalTests, results.PassedTests, results.FailedTests, results.ExecutionTime)
	}

	orchestrator.Close()
	os.Exit(exitCode)
}
