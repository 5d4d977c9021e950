package main

import (
	"context"
	"log"

	"github.com/agentworkforce/fieldalert/internal/kvstore"
	"github.com/agentworkforce/fieldalert/internal/realtime"
)

const directorySnapshotKey = "directory:snapshot"

// restoreDirectory loads the last snapshot into directory and saves a fresh
// one after every published change. The returned func stops persisting.
func restoreDirectory(ctx context.Context, store *kvstore.Store, directory *realtime.MemoryLookup, broker *realtime.Broker) (func(), error) {
	var snap realtime.Snapshot
	if store.GetJSON(directorySnapshotKey, &snap, kvstore.ScopeDurable) {
		directory.Restore(snap)
		log.Printf("restored directory: %d entities, %d assignments", len(snap.Entities), len(snap.Assignments))
	}
	return broker.Subscribe(ctx, realtime.Filter{}, func(context.Context, realtime.ChangeEvent) {
		if !store.SetJSON(directorySnapshotKey, directory.Snapshot(), kvstore.ScopeDurable) {
			log.Printf("directory snapshot not saved")
		}
	})
}
