// Package slot holds the static pool topology and the allocator that hands
// out exclusive leases on it.
package slot

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zpdzap/slotpool/internal/config"
)

// Slot is one fixed pool position. Slots are created by NewRegistry and are
// never mutated afterwards.
type Slot struct {
	Index     int
	Container string
	Dir       string // per-slot state directory
	Workspace string // host directory bind-mounted into the container
	LockPath  string
	Address   string // optional network address
}

func (s Slot) String() string {
	return fmt.Sprintf("slot %d (%s)", s.Index, s.Container)
}

// Registry is the read-only, ordered set of slots. It is safe for concurrent
// use because nothing in it changes after construction.
type Registry struct {
	slots []Slot
}

// NewRegistry derives every slot from the pool config. Slot i lives under
// <state_dir>/slots/<i>/ with its workspace in work/ and its lock in
// slot.lock, so the lock file is never inside the snapshot target.
func NewRegistry(cfg *config.Pool) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	overrides := make(map[int]config.SlotOverride, len(cfg.SlotOverrides))
	for _, o := range cfg.SlotOverrides {
		overrides[o.Index] = o
	}

	slots := make([]Slot, 0, cfg.Slots)
	for i := 1; i <= cfg.Slots; i++ {
		dir := filepath.Join(cfg.StateDir, "slots", strconv.Itoa(i))
		s := Slot{
			Index:     i,
			Container: cfg.ContainerPrefix + strconv.Itoa(i),
			Dir:       dir,
			Workspace: filepath.Join(dir, "work"),
			LockPath:  filepath.Join(dir, "slot.lock"),
		}
		if cfg.Network.AddressTemplate != "" {
			s.Address = strings.ReplaceAll(cfg.Network.AddressTemplate, "{index}", strconv.Itoa(i))
		}
		if o, ok := overrides[i]; ok {
			if o.Workspace != "" {
				s.Workspace = o.Workspace
			}
			if o.Address != "" {
				s.Address = o.Address
			}
			if o.Container != "" {
				s.Container = o.Container
			}
		}
		slots = append(slots, s)
	}

	seen := make(map[string]int, len(slots))
	for _, s := range slots {
		if prev, dup := seen[s.Container]; dup {
			return nil, fmt.Errorf("slots %d and %d share container %q", prev, s.Index, s.Container)
		}
		seen[s.Container] = s.Index
	}

	return &Registry{slots: slots}, nil
}

// List returns the slots in ascending index order. The returned slice is a
// copy.
func (r *Registry) List() []Slot {
	out := make([]Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Get returns the slot with the given 1-based index.
func (r *Registry) Get(index int) (Slot, bool) {
	if index < 1 || index > len(r.slots) {
		return Slot{}, false
	}
	return r.slots[index-1], true
}

// Len returns the number of slots.
func (r *Registry) Len() int { return len(r.slots) }
