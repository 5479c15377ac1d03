// Package backend opens a content.Backend from a store address.
package backend
