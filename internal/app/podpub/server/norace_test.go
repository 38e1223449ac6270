//go:build !race

package server

const testCatalogDriver = "bolt"
