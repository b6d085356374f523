package yaml

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/warden/internal/clock"
	"github.com/msageha/warden/internal/logging"
	"github.com/msageha/warden/internal/model"
)

// NoWatchStore persists the ids of objects whose live enforcement has been
// switched off, so the choice survives daemon restarts.
type NoWatchStore struct {
	path     string
	stateDir string
	log      *logging.Logger
	clock    clock.Clock

	mu  sync.Mutex
	ids map[string]bool
}

// OpenNoWatch loads path. A missing file is an empty list; a corrupted one
// is quarantined and recovered from its backup.
func OpenNoWatch(stateDir, path string, log *logging.Logger, clk clock.Clock) (*NoWatchStore, error) {
	if log == nil {
		log = logging.Discard()
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &NoWatchStore{path: path, stateDir: stateDir, log: log.Named("nowatch"), clock: clk}
	ids, err := s.read()
	if errors.Is(err, errCorrupt) {
		s.log.Warnf("%v", err)
		if rerr := Recover(stateDir, path, s.skeleton(nil), clk.Now(), s.log); rerr != nil {
			return nil, rerr
		}
		ids, err = s.read()
	}
	if err != nil {
		return nil, err
	}
	s.ids = ids
	return s, nil
}

var errCorrupt = errors.New("corrupted nowatch file")

func (s *NoWatchStore) read() (map[string]bool, error) {
	ids := make(map[string]bool)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var st model.NoWatchState
	if err := yamlv3.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorrupt, s.path, err)
	}
	if st.FileType != "" && st.FileType != model.NoWatchFileType {
		return nil, fmt.Errorf("%w %s: file_type %q", errCorrupt, s.path, st.FileType)
	}
	if st.SchemaVersion > model.NoWatchSchemaVersion {
		return nil, fmt.Errorf("%s: unsupported schema_version %d", s.path, st.SchemaVersion)
	}
	for _, id := range st.Objects {
		ids[id] = true
	}
	return ids, nil
}

func (s *NoWatchStore) skeleton(ids []string) model.NoWatchState {
	if ids == nil {
		ids = []string{}
	}
	return model.NoWatchState{
		SchemaVersion: model.NoWatchSchemaVersion,
		FileType:      model.NoWatchFileType,
		Objects:       ids,
		UpdatedAt:     s.clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// Watched reports whether id is not on the nowatch list.
func (s *NoWatchStore) Watched(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ids[id]
}

// SetWatched records the watched flag of id and rewrites the file when the
// list changes.
func (s *NoWatchStore) SetWatched(id string, watched bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[id] == !watched {
		return nil
	}
	if watched {
		delete(s.ids, id)
	} else {
		s.ids[id] = true
	}
	ids := make([]string, 0, len(s.ids))
	for k := range s.ids {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	if err := AtomicWrite(s.path, s.skeleton(ids)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// List returns the unwatched ids, sorted.
func (s *NoWatchStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for k := range s.ids {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
