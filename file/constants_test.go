package file

import "time"

// Test addresses.
const (
	testAlice = "alice@example.com/desk"
	testBob   = "bob@example.com/laptop"
	testProxy = "proxy.example.com"
)

// testWait bounds every wait for a transfer outcome.
const testWait = 10 * time.Second

// Common test file size constants.
const (
	testFileSize1KB   = 1024
	testFileSize100KB = 100 * 1024
)
