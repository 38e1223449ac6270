//go:build !race

package podpub

const testCatalogDriver = "bolt"
