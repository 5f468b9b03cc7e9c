// Package internal provides the components of the file transfer integration
// test suite.
//
// The suite runs two peers and a bytestream proxy on an in-memory XMPP
// network and moves a file between them with each stream method, checking
// that the bytes arrive intact over the expected transport.
//
// # Architecture Overview
//
//   - TestOrchestrator: runs the selected scenarios, collects results and
//     prints the report
//   - Network: the simulated server with a SOCKS5 bytestream proxy attached
//   - Peer: a stream endpoint with discovery and a file.Manager
//   - ProtocolTestSuite: performs one scenario on a fresh network
//
// # Scenarios
//
//	proxy     bytestream through the network's proxy
//	direct    bytestream to the sender's local streamhost
//	inband    in-band bytestream only
//	fallback  bytestream without candidates, completed in band
//
// Example orchestrator usage:
//
//	config := internal.DefaultTestConfig()
//	config.Scenarios = []string{"proxy", "fallback"}
//
//	orchestrator, err := internal.NewTestOrchestrator(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer orchestrator.Close()
//
//	results, err := orchestrator.RunTests(ctx)
//
// # Metrics
//
// With CollectMetrics set every peer shares one file.Metrics registered on
// the orchestrator's registry. MetricsAddr serves it at /metrics for the
// duration of the run.
package internal
