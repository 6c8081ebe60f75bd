package cycle

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
)

// LoadState reads a persisted CycleState. A missing file yields a fresh idle
// state. The phase is always reset to IDLE because no pass survives a restart.
func LoadState(path string) (model.CycleState, error) {
	if path == "" {
		return model.NewCycleState(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.NewCycleState(), nil
		}
		return model.CycleState{}, goerr.Wrap(err, "failed to read cycle state", goerr.V("path", path))
	}

	var state model.CycleState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.CycleState{}, goerr.Wrap(err, "failed to parse cycle state", goerr.V("path", path))
	}
	state.Phase = model.PhaseIdle
	return state, nil
}

// SaveState writes the state to a temporary file and renames it over path
func SaveState(path string, state model.CycleState) error {
	if path == "" {
		return nil
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal cycle state")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return goerr.Wrap(err, "failed to create state directory", goerr.V("path", path))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temporary state file", goerr.V("path", path))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return goerr.Wrap(err, "failed to write cycle state", goerr.V("path", path))
	}
	if err := tmp.Close(); err != nil {
		return goerr.Wrap(err, "failed to close temporary state file", goerr.V("path", path))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return goerr.Wrap(err, "failed to replace cycle state", goerr.V("path", path))
	}
	return nil
}
