package workers

import (
	"fmt"
	"sort"

	"github.com/msageha/warden/internal/clock"
	"github.com/msageha/warden/internal/logging"
)

// Kind names a pool. Each kind has its own queue and bounds.
type Kind string

const (
	KindService Kind = "service"
	KindFSCheck Kind = "fs-check"
	// KindNetwork is kept for delivery to remote peers. Nothing in the
	// daemon enqueues on it yet, so its pool idles at zero workers.
	KindNetwork Kind = "network"
)

// DefaultBounds returns the pool sizes used when configuration is silent.
func DefaultBounds() map[Kind]Bounds {
	return map[Kind]Bounds{
		KindService: {Min: 1, Max: 4},
		KindFSCheck: {Min: 1, Max: 8},
		KindNetwork: {Min: 0, Max: 4}, // spawned on demand
	}
}

// Service owns one pool per kind.
type Service struct {
	pools map[Kind]*Pool
}

func NewService(bounds map[Kind]Bounds, log *logging.Logger, clk clock.Clock) (*Service, error) {
	if len(bounds) == 0 {
		bounds = DefaultBounds()
	}
	s := &Service{pools: make(map[Kind]*Pool, len(bounds))}
	for kind, b := range bounds {
		p, err := NewPool(kind, b, log, clk)
		if err != nil {
			return nil, err
		}
		s.pools[kind] = p
	}
	return s, nil
}

func (s *Service) Start() {
	for _, p := range s.pools {
		p.Start()
	}
}

// Pool returns the pool for kind, or nil.
func (s *Service) Pool(kind Kind) *Pool {
	return s.pools[kind]
}

// Enqueue submits run to the pool named kind.
func (s *Service) Enqueue(kind Kind, prio Priority, name string, run func() error, opts ...JobOption) error {
	p, ok := s.pools[kind]
	if !ok {
		return fmt.Errorf("unknown pool kind %q", kind)
	}
	return p.Enqueue(prio, name, run, opts...)
}

// Stop stops every pool.
func (s *Service) Stop() {
	for _, p := range s.pools {
		p.Stop()
	}
}

// Status lists pool snapshots sorted by kind.
func (s *Service) Status() []Status {
	out := make([]Status, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
