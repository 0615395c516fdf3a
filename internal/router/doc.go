// Package router resolves request keys to replicas and forwards requests.
package router
