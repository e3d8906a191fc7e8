package daemon

import (
	"context"
	"time"

	"github.com/hearth-home/hearth/internal/pipeline"
)

// serviceOpTimeout bounds service lifecycle operations (restart, graceful
// shutdown) during daemon operation.
const serviceOpTimeout = 5 * time.Second

// pipelineService adapts the install pipeline to runtime.Service.
type pipelineService struct {
	pipeline *pipeline.Pipeline
}

func (s *pipelineService) Start(ctx context.Context) error {
	s.pipeline.Start(ctx)
	return nil
}

func (s *pipelineService) Shutdown(ctx context.Context) error {
	s.pipeline.Shutdown()
	return nil
}
