// Command testnet runs the file transfer integration suite against an
// in-memory XMPP network.
//
// Each scenario starts a fresh network with a SOCKS5 bytestream proxy,
// connects two peers and sends a generated file from one to the other.
// The suite passes when every byte arrives intact over the expected
// stream method.
//
// # Usage
//
//	testnet [options]
//
// # Options
//
//	-s, --scenario strings      scenarios to run (default all)
//	    --size int              file size in bytes (default 262144)
//	-c, --config string         YAML file with transfer timeouts and block sizes
//	    --overall-timeout dur   overall test timeout (default 5m)
//	    --scenario-timeout dur  timeout of each scenario (default 30s)
//	    --log-level string      DEBUG, INFO, WARN or ERROR (default INFO)
//	    --log-file string       log file path (default stdout)
//	-v, --verbose               verbose output (default true)
//	    --metrics               record transfer counters (default true)
//	    --metrics-addr string   serve counters at /metrics on this address
//
// # Scenarios
//
//   - proxy: bytestream mediated by the network's proxy
//   - direct: bytestream to a streamhost run by the sender
//   - inband: in-band bytestream only
//   - fallback: bytestream with no usable streamhost, retried in band
//
// # Exit Codes
//
//   - 0: all scenarios passed
//   - 1: configuration error, scenario failure or execution error
//   - 2: unparseable command line
//
// # Signal Handling
//
// An interrupt cancels the running scenario; peers and the network are
// torn down before the process exits.
package main
