package analysis

import (
	"fmt"

	"github.com/lisa-sandbox/lisa-api/internal/config"
)

// New builds the analyzer selected by LISA_ANALYZER_DRIVER.
func New(cfg *config.Config, artifacts ArtifactWriter) (Analyzer, error) {
	switch cfg.Service.Analysis.Driver {
	case config.AnalyzerDriverExec:
		return NewExecAnalyzer(cfg.Service.Analysis.Command, artifacts)
	case config.AnalyzerDriverDocker:
		return NewDockerAnalyzer(cfg.Service.Analysis.Image, artifacts)
	default:
		return nil, fmt.Errorf("unknown analyzer driver %q", cfg.Service.Analysis.Driver)
	}
}

func NewGuard(cfg *config.Config) *ResourceGuard {
	return NewResourceGuard(
		cfg.Service.Storage.Path,
		cfg.Service.Analysis.MinFreeDisk.Bytes(),
		cfg.Service.Analysis.MinFreeMemory.Bytes(),
	)
}
