package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/agisw/deepep/ep/workload"
)

// Define struct for YAML
type WorkloadConfig struct {
	Workloads map[string]workload.Spec `yaml:"workloads"`
}

// GetWorkloadSpec loads a named workload preset from a YAML file and
// overlays the command-line expert count, hidden size and top-k arity.
// The preset's token count is kept as is; it is not checked against
// the fabric's per-rank token capacity.
func GetWorkloadSpec(workloadFilePath, workloadType string, numExperts, hidden, numTopk int, seed int64) *workload.Spec {
	// Read YAML file
	data, err := os.ReadFile(workloadFilePath)
	if err != nil {
		panic(err)
	}

	// Parse YAML
	var cfg WorkloadConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		panic(err)
	}

	if spec, ok := cfg.Workloads[workloadType]; ok {
		logrus.Infof("Using preset workload %v", workloadType)
		spec.NumExperts = numExperts
		spec.Hidden = hidden
		spec.NumTopk = numTopk
		if spec.Seed == 0 {
			spec.Seed = seed
		}
		return &spec
	}
	return nil
}
