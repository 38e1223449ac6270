//go:build race

package server

// boltdb/bolt trips checkptr under the race detector, tests use the sqlite catalog instead
const testCatalogDriver = "sqlite"
