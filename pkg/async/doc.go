// Package async provides safe goroutine helpers with panic recovery and
// timeout enforcement.
package async
