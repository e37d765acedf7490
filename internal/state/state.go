// Package state persists per-stage run records under .shipyard/state
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
)

// Manager handles persistent stage state files
type Manager struct {
	stateDir string
	fs       *fsx.FS
	logger   logger.Logger
	mu       sync.Mutex
	states   map[string]*types.StageState
}

// NewManager creates a state manager rooted at <projectRoot>/.shipyard/state
func NewManager(fs *fsx.FS, projectRoot string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		stateDir: filepath.Join(projectRoot, ".shipyard", "state"),
		fs:       fs,
		logger:   log,
		states:   make(map[string]*types.StageState),
	}
}

// Dir returns the state directory
func (m *Manager) Dir() string { return m.stateDir }

// BeginStage marks a stage as building
func (m *Manager) BeginStage(ctx context.Context, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.loadLocked(stage)
	st.Status = types.BuildStatusBuilding
	st.LastRun = time.Now()
	return m.saveLocked(ctx, st)
}

// FinishStage records the outcome of a stage run
func (m *Manager) FinishStage(ctx context.Context, stage string, files int, duration time.Duration, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.loadLocked(stage)
	st.Runs++
	st.Files = files
	st.Duration = duration
	if runErr != nil {
		st.Status = types.BuildStatusFailed
		st.Failures++
		st.LastError = runErr.Error()
	} else {
		st.Status = types.BuildStatusSucceeded
		st.LastError = ""
	}
	return m.saveLocked(ctx, st)
}

// Read returns the state of one stage
func (m *Manager) Read(stage string) (*types.StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[stage]; ok {
		cp := *st
		return &cp, nil
	}
	st, err := m.loadFile(stage)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Discover loads every state file, sorted by stage name
func (m *Manager) Discover() ([]*types.StageState, error) {
	entries, err := afero.ReadDir(m.fs.Fs(), m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var states []*types.StageState
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		st, err := m.readPath(filepath.Join(m.stateDir, entry.Name()))
		if err != nil {
			m.logger.Warn("Failed to load state file",
				logger.WithField("file", entry.Name()),
				logger.WithError(err))
			continue
		}
		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Stage < states[j].Stage })
	return states, nil
}

// Clear removes every state file
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*types.StageState)
	return m.fs.RemoveAll(ctx, m.stateDir)
}

// Private methods

func (m *Manager) loadLocked(stage string) *types.StageState {
	if st, ok := m.states[stage]; ok {
		return st
	}
	st, err := m.loadFile(stage)
	if err != nil {
		st = &types.StageState{Stage: stage, Status: types.BuildStatusIdle}
	}
	m.states[stage] = st
	return st
}

func (m *Manager) loadFile(stage string) (*types.StageState, error) {
	return m.readPath(m.filePath(stage))
}

func (m *Manager) readPath(path string) (*types.StageState, error) {
	data, err := m.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var st types.StageState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}

func (m *Manager) saveLocked(ctx context.Context, st *types.StageState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := m.fs.Write(ctx, m.filePath(st.Stage), data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func (m *Manager) filePath(stage string) string {
	return filepath.Join(m.stateDir, fileName(stage)+".json")
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "@", "")

func fileName(stage string) string {
	return unsafeChars.Replace(stage)
}
