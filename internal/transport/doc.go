// Package transport forwards routed requests to replicas and manages the
// client connections used to reach them.
package transport
