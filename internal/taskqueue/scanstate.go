package taskqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ScanState persists project-scan-done.json: a marker recording which
// providers have had their tool catalogs scanned at least once, and
// when the most recent scan completed. It's bookkeeping, not a queue:
// cmd/orchestrator marks a provider scanned once its Supervisor starts,
// and Status reads the record back.
type ScanState struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// scanStateFile is the on-disk shape of project-scan-done.json.
type scanStateFile struct {
	LastScanAt       time.Time `json:"lastScanAt"`
	ScannedProviders []string  `json:"scannedProviders"`
}

// NewScanState constructs a ScanState rooted at dataDir/project-scan-done.json.
func NewScanState(dataDir string) *ScanState {
	return &ScanState{
		path: filepath.Join(dataDir, "project-scan-done.json"),
		now:  time.Now,
	}
}

// MarkScanned records providerName as scanned and bumps lastScanAt.
// Idempotent: re-marking an already-recorded provider only updates the
// timestamp.
func (s *ScanState) MarkScanned(providerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.readLocked()
	if err != nil {
		return err
	}
	found := false
	for _, name := range state.ScannedProviders {
		if name == providerName {
			found = true
			break
		}
	}
	if !found {
		state.ScannedProviders = append(state.ScannedProviders, providerName)
		sort.Strings(state.ScannedProviders)
	}
	state.LastScanAt = s.now()
	return s.writeLocked(state)
}

// Status returns the last recorded scan time and the set of scanned
// provider names.
func (s *ScanState) Status() (time.Time, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.readLocked()
	if err != nil {
		return time.Time{}, nil, err
	}
	return state.LastScanAt, state.ScannedProviders, nil
}

func (s *ScanState) readLocked() (*scanStateFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &scanStateFile{}, nil
		}
		return nil, err
	}
	var state scanStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *ScanState) writeLocked(state *scanStateFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
