// Package journal persists membership events and the replica id high-water
// mark in a Pebble store, so a restarted balancer never hands out an id that
// a previous run already used. Ring contents are not persisted.
package journal
