//go:build !race

package proc

const testCatalogDriver = "bolt"
