package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grafana/cdpframes/frames"
)

// Snapshot is the frame registry of every tracked unit at one point in time.
type Snapshot struct {
	Taken time.Time      `json:"taken"`
	Units []UnitSnapshot `json:"units"`
}

// UnitSnapshot holds the frames of one unit.
type UnitSnapshot struct {
	ID     int64               `json:"id"`
	Frames []frames.ClientInfo `json:"frames"`
}

// Registry is the part of frames.Manager a snapshot is taken from.
type Registry interface {
	Units() []int64
	Clients(ctx context.Context, unitID int64) ([]frames.ClientInfo, error)
}

// TakeSnapshot reads the frames of every unit in reg. Units that are
// detached while the snapshot is taken are left out.
func TakeSnapshot(ctx context.Context, reg Registry, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{Taken: now.UTC(), Units: []UnitSnapshot{}}
	for _, id := range reg.Units() {
		clients, err := reg.Clients(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		snap.Units = append(snap.Units, UnitSnapshot{ID: id, Frames: clients})
	}

	return snap, nil
}

// PersistSnapshot writes snap as indented JSON to path.
func PersistSnapshot(ctx context.Context, p FilePersister, path string, snap *Snapshot) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := p.Persist(ctx, path, &buf); err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}

	return nil
}
