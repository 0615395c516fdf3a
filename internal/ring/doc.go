// Package ring implements a fixed-size consistent hashing ring with virtual
// nodes. Each physical replica owns V virtual nodes placed into numeric slots;
// a request key resolves to the first virtual node found scanning clockwise
// from the key's slot. Reads work on immutable snapshots and never block on
// membership changes.
package ring
