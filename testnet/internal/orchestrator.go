package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/xmppft/file"
)

// TestOrchestrator manages the complete test execution workflow.
type TestOrchestrator struct {
	config    *TestConfig
	logger    *logrus.Logger
	logFile   io.Closer
	startTime time.Time
	results   *TestResults
	registry  *prometheus.Registry
	metrics   *file.Metrics
}

// TestConfig holds configuration for the entire test suite.
type TestConfig struct {
	// Scenarios to run, by name, in order.
	Scenarios []string
	FileSize  int64

	// Timeout configuration
	OverallTimeout  time.Duration
	ScenarioTimeout time.Duration

	// Transfer is the manager configuration of every peer.
	Transfer file.Config

	// Logging configuration
	LogLevel      string
	LogFile       string
	VerboseOutput bool

	// CollectMetrics records transfer counters; MetricsAddr additionally
	// serves them over HTTP.
	CollectMetrics bool
	MetricsAddr    string
}

// TestResults holds the outcomes of test execution.
type TestResults struct {
	TotalTests    int
	PassedTests   int
	FailedTests   int
	SkippedTests  int
	ExecutionTime time.Duration
	TestSteps     []TestStepResult
	FinalStatus   TestStatus
	ErrorDetails  string
}

// TestStepResult represents the result of an individual test step.
type TestStepResult struct {
	StepName      string
	Status        TestStatus
	ExecutionTime time.Duration
	ErrorMessage  string
	Metrics       map[string]interface{}
}

// TestStatus represents the status of a test or test step.
type TestStatus int

const (
	TestStatusPending TestStatus = iota
	TestStatusRunning
	TestStatusPassed
	TestStatusFailed
	TestStatusSkipped
	TestStatusTimeout
)

// String returns a string representation of the test status.
func (ts TestStatus) String() string {
	switch ts {
	case TestStatusPending:
		return "PENDING"
	case TestStatusRunning:
		return "RUNNING"
	case TestStatusPassed:
		return "PASSED"
	case TestStatusFailed:
		return "FAILED"
	case TestStatusSkipped:
		return "SKIPPED"
	case TestStatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// DefaultTestConfig returns a default configuration for the test suite.
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		Scenarios:       ScenarioNames(),
		FileSize:        256 * 1024,
		OverallTimeout:  5 * time.Minute,
		ScenarioTimeout: 30 * time.Second,
		Transfer:        file.DefaultConfig(),
		LogLevel:        "INFO",
		LogFile:         "",
		VerboseOutput:   true,
		CollectMetrics:  true,
	}
}

// NewTestOrchestrator creates a new test orchestrator.
func NewTestOrchestrator(config *TestConfig) (*TestOrchestrator, error) {
	if config == nil {
		config = DefaultTestConfig()
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(config.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	to := &TestOrchestrator{
		config: config,
		logger: logger,
		results: &TestResults{
			TestSteps:   make([]TestStepResult, 0),
			FinalStatus: TestStatusPending,
		},
	}

	if config.LogFile != "" {
		logFile, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(logFile)
		to.logFile = logFile
	}

	if config.CollectMetrics {
		to.registry = prometheus.NewRegistry()
		to.metrics = file.NewMetrics(to.registry)
	}
	return to, nil
}

// RunTests executes the complete test suite.
func (to *TestOrchestrator) RunTests(ctx context.Context) (*TestResults, error) {
	to.startTime = time.Now()
	to.results.FinalStatus = TestStatusRunning

	to.logger.Println("🧪 XMPP File Transfer Integration Test Suite")
	to.logger.Println("============================================")
	to.logger.Printf("⏰ Test execution started at %s", to.startTime.Format(time.RFC3339))

	if to.config.VerboseOutput {
		to.logConfiguration()
	}

	// Create context with overall timeout
	testCtx, cancel := context.WithTimeout(ctx, to.config.OverallTimeout)
	defer cancel()

	// Execute test workflow with proper error handling
	err := to.executeTestWorkflow(testCtx)

	// Calculate final execution time
	to.results.ExecutionTime = time.Since(to.startTime)

	// Determine final status
	to.results.TotalTests = len(to.results.TestSteps)
	for _, step := range to.results.TestSteps {
		switch step.Status {
		case TestStatusPassed:
			to.results.PassedTests++
		case TestStatusSkipped:
			to.results.SkippedTests++
		default:
			to.results.FailedTests++
		}
	}
	if err != nil {
		to.results.FinalStatus = TestStatusFailed
		to.results.ErrorDetails = err.Error()
	} else {
		to.results.FinalStatus = TestStatusPassed
	}

	// Generate final report
	to.generateFinalReport()

	return to.results, err
}

// executeTestWorkflow runs every configured scenario, continuing after
// failures, and returns the combined error.
func (to *TestOrchestrator) executeTestWorkflow(ctx context.Context) error {
	if to.config.MetricsAddr != "" && to.registry != nil {
		srv, err := StartMetricsServer(to.config.MetricsAddr, to.registry)
		if err != nil {
			return err
		}
		defer srv.Close()
		to.logger.WithField("addr", srv.Addr()).Info("📈 Serving metrics")
	}

	var errs error
	for _, name := range to.config.Scenarios {
		sc, ok := Scenarios[name]
		if !ok {
			errs = multierr.Append(errs, to.skipStep(name, "unknown scenario"))
			continue
		}
		if ctx.Err() != nil {
			errs = multierr.Append(errs, to.skipStep(name, ctx.Err().Error()))
			continue
		}

		suite := NewProtocolTestSuite(&ProtocolConfig{
			Transfer: to.config.Transfer,
			Metrics:  to.metrics,
			FileSize: to.config.FileSize,
			Timeout:  to.config.ScenarioTimeout,
			Logger:   to.logger.WithField("component", "protocol"),
		})
		errs = multierr.Append(errs, to.executeWithStepTracking(name, func() error {
			return suite.RunScenario(ctx, sc)
		}))
	}
	return errs
}

// skipStep records a scenario that did not run.
func (to *TestOrchestrator) skipStep(name, reason string) error {
	to.logger.Printf("⏭️  Skipping %s: %s", name, reason)
	to.results.TestSteps = append(to.results.TestSteps, TestStepResult{
		StepName:     name,
		Status:       TestStatusSkipped,
		ErrorMessage: reason,
	})
	return fmt.Errorf("%s: %s", name, reason)
}

// executeWithStepTracking executes a test step with result tracking.
func (to *TestOrchestrator) executeWithStepTracking(stepName string, operation func() error) error {
	stepStart := time.Now()

	to.logger.Printf("🎯 Executing: %s", stepName)

	stepResult := TestStepResult{
		StepName: stepName,
		Status:   TestStatusRunning,
		Metrics:  make(map[string]interface{}),
	}

	err := operation()

	stepResult.ExecutionTime = time.Since(stepStart)
	stepResult.Metrics["file_size"] = to.config.FileSize

	if err != nil {
		stepResult.Status = TestStatusFailed
		stepResult.ErrorMessage = err.Error()
		to.logger.Printf("❌ %s failed: %v", stepName, err)
	} else {
		stepResult.Status = TestStatusPassed
		to.logger.Printf("✅ %s completed in %v", stepName, stepResult.ExecutionTime)
	}

	to.results.TestSteps = append(to.results.TestSteps, stepResult)
	return err
}

// logConfiguration prints the current test configuration.
func (to *TestOrchestrator) logConfiguration() {
	to.logger.Println("📋 Test Configuration:")
	to.logger.Printf("   Scenarios: %s", strings.Join(to.config.Scenarios, ", "))
	to.logger.Printf("   File size: %d bytes", to.config.FileSize)
	to.logger.Printf("   Overall timeout: %v", to.config.OverallTimeout)
	to.logger.Printf("   Scenario timeout: %v", to.config.ScenarioTimeout)
	to.logger.Printf("   Offer response timeout: %v", to.config.Transfer.SIResponseTimeout)
	to.logger.Printf("   Transport timeout: %v", to.config.Transfer.TransportTimeout)
	to.logger.Printf("   Capability probe: %v", to.config.Transfer.Bytestream.ProbeCapability)
	to.logger.Printf("   Metrics collection: %v", to.config.CollectMetrics)
	if to.config.MetricsAddr != "" {
		to.logger.Printf("   Metrics address: %s", to.config.MetricsAddr)
	}
	to.logger.Println()
}

// generateFinalReport creates and logs the final test report.
func (to *TestOrchestrator) generateFinalReport() {
	to.logReportHeader()
	to.logOverallResults()
	to.logStepDetails()
	to.logErrorDetails()
	to.logFinalStatus()
	to.logReportFooter()
}

// logReportHeader prints the test report header.
func (to *TestOrchestrator) logReportHeader() {
	to.logger.Println()
	to.logger.Println("📊 Test Execution Summary")
	to.logger.Println("========================")
}

// logOverallResults prints the overall test execution statistics.
func (to *TestOrchestrator) logOverallResults() {
	to.logger.Printf("🎯 Overall Status: %s", to.results.FinalStatus)
	to.logger.Printf("⏱️  Total Execution Time: %v", to.results.ExecutionTime)
	to.logger.Printf("📈 Tests: %d total, %d passed, %d failed, %d skipped",
		to.results.TotalTests, to.results.PassedTests, to.results.FailedTests, to.results.SkippedTests)
}

// logStepDetails prints detailed information about each test step.
func (to *TestOrchestrator) logStepDetails() {
	if len(to.results.TestSteps) == 0 {
		return
	}

	to.logger.Println("\n📋 Step Details:")
	for _, step := range to.results.TestSteps {
		statusIcon := to.getStatusIcon(step.Status)
		to.logger.Printf("   %s %s (%v)", statusIcon, step.StepName, step.ExecutionTime)

		if step.ErrorMessage != "" {
			to.logger.Printf("      Error: %s", step.ErrorMessage)
		}
	}
}

// getStatusIcon returns the appropriate icon for a test status.
func (to *TestOrchestrator) getStatusIcon(status TestStatus) string {
	switch status {
	case TestStatusFailed:
		return "❌"
	case TestStatusSkipped:
		return "⏭️"
	default:
		return "✅"
	}
}

// logErrorDetails prints error details if any errors occurred.
func (to *TestOrchestrator) logErrorDetails() {
	if to.results.ErrorDetails == "" {
		return
	}

	to.logger.Println("\n❌ Error Details:")
	to.logger.Printf("   %s", to.results.ErrorDetails)
}

// logFinalStatus prints the final status message based on test results.
func (to *TestOrchestrator) logFinalStatus() {
	if to.results.FinalStatus == TestStatusPassed {
		to.logSuccessMessage()
	} else {
		to.logFailureMessage()
	}
}

// logSuccessMessage prints success messages for passed tests.
func (to *TestOrchestrator) logSuccessMessage() {
	to.logger.Println("\n🎉 All scenarios completed successfully!")
	for _, step := range to.results.TestSteps {
		to.logger.Printf("✅ %s: %s", step.StepName, Scenarios[step.StepName].Description)
	}
}

// logFailureMessage prints failure messages for failed tests.
func (to *TestOrchestrator) logFailureMessage() {
	to.logger.Println("\n⚠️  Test execution completed with failures")
	to.logger.Println("   Review the error details above for troubleshooting")
}

// logReportFooter prints the test report footer with completion timestamp.
func (to *TestOrchestrator) logReportFooter() {
	to.logger.Printf("\n🏁 Test run completed at %s", time.Now().Format(time.RFC3339))
	to.logger.Println(strings.Repeat("=", 50))
}

// GetResults returns the current test results.
func (to *TestOrchestrator) GetResults() *TestResults {
	return to.results
}

// ValidateConfiguration validates the test configuration.
func (to *TestOrchestrator) ValidateConfiguration() error {
	if len(to.config.Scenarios) == 0 {
		return fmt.Errorf("no scenarios selected")
	}

	for _, name := range to.config.Scenarios {
		if _, ok := Scenarios[name]; !ok {
			return fmt.Errorf("unknown scenario %q (known: %s)", name, strings.Join(ScenarioNames(), ", "))
		}
	}

	if to.config.FileSize <= 0 {
		return fmt.Errorf("file size must be positive")
	}

	if to.config.OverallTimeout <= 0 {
		return fmt.Errorf("overall timeout must be positive")
	}

	if to.config.ScenarioTimeout <= 0 {
		return fmt.Errorf("scenario timeout must be positive")
	}

	if to.config.MetricsAddr != "" && !to.config.CollectMetrics {
		return fmt.Errorf("metrics address requires metrics collection")
	}

	return nil
}

// SetLogOutput configures the logger output destination.
func (to *TestOrchestrator) SetLogOutput(output io.Writer) {
	to.logger.SetOutput(output)
}

// SetVerbose enables or disables verbose logging.
func (to *TestOrchestrator) SetVerbose(verbose bool) {
	to.config.VerboseOutput = verbose
}

// Metrics returns the registry holding transfer counters, or nil when
// collection is disabled.
func (to *TestOrchestrator) Metrics() *prometheus.Registry {
	return to.registry
}

// Close releases the log file.
func (to *TestOrchestrator) Close() error {
	if to.logFile == nil {
		return nil
	}
	return to.logFile.Close()
}
