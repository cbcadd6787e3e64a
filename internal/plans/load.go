package plans

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

type planFile struct {
	DefaultPlan string `yaml:"default_plan"`
	Plans       []Plan `yaml:"plans"`
}

// LoadFile reads a YAML plan table. The file's default_plan wins over
// defaultPlanID when set.
//
//	default_plan: free
//	plans:
//	  - id: free
//	    display_name: Free
//	    limits: {stock_report: 3}
//	    is_active: true
func LoadFile(path, defaultPlanID string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plans file: %w", err)
	}
	return Parse(data, defaultPlanID)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte, defaultPlanID string) (*Catalog, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing plans file: %w", err)
	}
	if len(pf.Plans) == 0 {
		return nil, fmt.Errorf("plans file defines no plans")
	}
	if pf.DefaultPlan != "" {
		defaultPlanID = pf.DefaultPlan
	}

	c, err := NewCatalog(defaultPlanID, pf.Plans...)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded plan catalog", "plans", len(pf.Plans), "default_plan", defaultPlanID)
	return c, nil
}
