// Package membership sequences replica provisioning with ring mutation.
//
// A join provisions the instance first and places it on the ring only after
// provisioning succeeded; a leave takes the replica off the ring before the
// instance is torn down. Provisioning never runs under the membership lock,
// and replica ids are allocated monotonically and never reused.
package membership
