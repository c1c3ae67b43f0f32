package worker

import (
	"fmt"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/pkg/model"
)

// Snapshot is the completed configuration a parent hands to its workers
// through the work dir.
type Snapshot struct {
	Eval  model.EvalConfig
	Units []model.BenchmarkConfig
}

// SaveSnapshot writes eval_config.json and benchmark_config.json at the root
// of the work dir.
func SaveSnapshot(st *checkpoint.Store, eval *model.EvalConfig, units []model.BenchmarkConfig) error {
	if err := st.Save(eval, checkpoint.KindEvalConfig, ""); err != nil {
		return err
	}
	if units == nil {
		units = []model.BenchmarkConfig{}
	}
	return st.Save(units, checkpoint.KindBenchmarkConfig, "")
}

// LoadSnapshot reads the configuration written by SaveSnapshot.
func LoadSnapshot(st *checkpoint.Store) (*Snapshot, error) {
	var snap Snapshot
	ok, err := st.LoadInto(checkpoint.KindEvalConfig, "", &snap.Eval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no %s in %s", checkpoint.KindEvalConfig, st.WorkDir())
	}
	ok, err = st.LoadInto(checkpoint.KindBenchmarkConfig, "", &snap.Units)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no %s in %s", checkpoint.KindBenchmarkConfig, st.WorkDir())
	}
	return &snap, nil
}
