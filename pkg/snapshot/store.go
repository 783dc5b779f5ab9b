// Package snapshot keeps per-step screen captures of a run: a PNG
// screenshot plus the parsed accessibility elements.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/hierarchy"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
)

// Snapshot is the screen state after one step. Never mutated after
// creation.
type Snapshot struct {
	StepIndex  int                 `json:"stepIndex"`
	Screenshot []byte              `json:"-"`
	Elements   []hierarchy.Element `json:"elements"`
	CapturedAt time.Time           `json:"capturedAt"`
}

// Capturer is the device surface a store reads from.
type Capturer interface {
	core.DumpSource
	CaptureScreenImage(ctx context.Context, deviceID string) ([]byte, error)
}

// Store holds the snapshots of one run, keyed by step index.
type Store struct {
	device   Capturer
	deviceID string

	mu    sync.RWMutex
	shots map[int]*Snapshot
}

// New creates a store capturing from deviceID.
func New(device Capturer, deviceID string) *Store {
	return &Store{device: device, deviceID: deviceID, shots: make(map[int]*Snapshot)}
}

// Capture takes a screenshot and a dump concurrently and stores the result
// under stepIndex, replacing any earlier snapshot for that index. A failed
// dump leaves the element list empty; a failed screenshot fails the capture.
func (s *Store) Capture(ctx context.Context, stepIndex int) (*Snapshot, error) {
	snap := &Snapshot{StepIndex: stepIndex}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		png, err := s.device.CaptureScreenImage(gctx, s.deviceID)
		if err != nil {
			return fmt.Errorf("screenshot for step %d: %w", stepIndex, err)
		}
		snap.Screenshot = png
		return nil
	})
	g.Go(func() error {
		raw, err := s.device.FetchRawDump(gctx, s.deviceID)
		if err == nil {
			snap.Elements, err = hierarchy.Parse(raw)
		}
		if err != nil {
			logger.L().Warn("snapshot dump unavailable", zap.Int("step", stepIndex), zap.Error(err))
			snap.Elements = []hierarchy.Element{}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.CapturedAt = time.Now()
	s.mu.Lock()
	s.shots[stepIndex] = snap
	s.mu.Unlock()
	return snap, nil
}

// Get returns the snapshot for a step.
func (s *Store) Get(index int) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.shots[index]
	return snap, ok
}

// GetAll returns all snapshots by ascending step index.
func (s *Store) GetAll() []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Snapshot, 0, len(s.shots))
	for _, snap := range s.shots {
		all = append(all, snap)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StepIndex < all[j].StepIndex })
	return all
}

// Len returns the number of stored snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shots)
}

// Clear drops every snapshot.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shots = make(map[int]*Snapshot)
}

// WriteTo exports every snapshot as step-NNN.png and step-NNN.json in dir.
func (s *Store) WriteTo(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	for _, snap := range s.GetAll() {
		base := filepath.Join(dir, fmt.Sprintf("step-%03d", snap.StepIndex))
		if len(snap.Screenshot) > 0 {
			if err := os.WriteFile(base+".png", snap.Screenshot, 0o644); err != nil {
				return fmt.Errorf("write screenshot: %w", err)
			}
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("encode snapshot %d: %w", snap.StepIndex, err)
		}
		if err := os.WriteFile(base+".json", data, 0o644); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return nil
}
