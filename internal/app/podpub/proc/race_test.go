//go:build race

package proc

// boltdb/bolt trips checkptr under the race detector, tests use the sqlite catalog instead
const testCatalogDriver = "sqlite"
