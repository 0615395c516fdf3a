// Package health implements the replica failure detector.
//
// Every cycle the detector probes each known replica. One missed heartbeat
// makes a replica SUSPECT; it keeps routing traffic and returns to ACTIVE on
// the next successful probe. MaxMissed consecutive misses make it REMOVED,
// which is terminal and triggers exactly one membership leave.
package health
