//go:build race

package podpub

// boltdb/bolt trips checkptr under the race detector, tests use the sqlite catalog instead
const testCatalogDriver = "sqlite"
