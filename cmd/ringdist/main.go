// Command ringdist prints how sequential request keys spread over a ring and
// how many of them move when one replica joins.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"ringlb/internal/ring"
)

func main() {
	slots := flag.Int("slots", ring.DefaultSlots, "number of ring slots")
	vnodes := flag.Int("vnodes", ring.DefaultVNodes, "virtual nodes per replica")
	replicas := flag.Int("replicas", 3, "number of replicas")
	keys := flag.Int("keys", 100000, "number of sequential keys to route")
	flag.Parse()

	if err := report(os.Stdout, *slots, *vnodes, *replicas, *keys); err != nil {
		log.Fatalf("[ringdist] %v", err)
	}
}

func buildRing(slots, vnodes, replicas int) (*ring.Ring, error) {
	r, err := ring.NewRing(slots, vnodes)
	if err != nil {
		return nil, err
	}
	for id := 1; id <= replicas; id++ {
		if err := r.AddReplica(id); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func report(w io.Writer, slots, vnodes, replicas, numKeys int) error {
	if replicas <= 0 || numKeys <= 0 {
		return fmt.Errorf("replicas and keys must be positive")
	}
	r, err := buildRing(slots, vnodes, replicas)
	if err != nil {
		return err
	}

	keys := make([]uint64, numKeys)
	for i := range keys {
		keys[i] = uint64(i)
	}
	dist := r.Distribution(keys)

	fmt.Fprintf(w, "%d slots, %d vnodes, %d replicas, %d occupied slots\n\n", r.Slots(), r.VNodes(), r.Len(), r.Occupied())
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Replica\tKeys\tShare\t")
	for _, id := range r.Replicas() {
		fmt.Fprintf(tw, "server_%d\t%d\t%.2f%%\t\n", id, dist[id], 100*float64(dist[id])/float64(numKeys))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	moved, err := remapped(r, keys, replicas+1)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nAdding server_%d moves %d of %d keys (%.2f%%)\n", replicas+1, moved, numKeys, 100*float64(moved)/float64(numKeys))
	return nil
}

// remapped adds replica id to r and counts keys whose owner changed.
func remapped(r *ring.Ring, keys []uint64, id int) (int, error) {
	before := make([]int, len(keys))
	for i, k := range keys {
		before[i], _ = r.Lookup(k)
	}
	if err := r.AddReplica(id); err != nil {
		return 0, err
	}
	moved := 0
	for i, k := range keys {
		if owner, _ := r.Lookup(k); owner != before[i] {
			moved++
		}
	}
	return moved, nil
}
