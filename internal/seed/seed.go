// Package seed inserts a small sample workflow definition at startup so a
// fresh deployment has something to execute immediately, mirroring the
// teacher's habit of having its service layer's Start populate working
// state rather than leave an empty repository (internal/invoker's
// Service.Start primes its consumer the same way). Seeding is always
// best-effort: a failure here must never stop the engine from starting.
package seed

import (
	"context"

	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/repo"
)

// SampleWorkflowID is the id of the definition Run inserts.
const SampleWorkflowID = "sample-etl-pipeline"

// Run saves a linear Extract -> Transform -> Load pipeline if it is not
// already present. Errors are logged, not returned, per this package's
// best-effort contract.
func Run(ctx context.Context, r repo.Repository, logger *zap.Logger) {
	log := logger.With(zap.String("component", "seed"))

	if _, err := r.GetWorkflow(ctx, SampleWorkflowID, nil); err == nil {
		log.Debug("sample workflow already present, skipping seed")
		return
	}

	def := &models.WorkflowDefinition{
		ID:          SampleWorkflowID,
		Name:        "Sample ETL Pipeline",
		Description: "Extract, transform, and load a small dataset; used to smoke-test a fresh deployment.",
		Tags:        []string{"sample"},
		ErrorHandling: models.WorkflowErrorHandling{
			DefaultAction: models.StopWorkflow,
			MaxErrors:     1,
			LogDetails:    true,
		},
		Steps: []models.Step{
			{
				ID:   "extract",
				Name: "Extract",
				Type: models.StepExtract,
			},
			{
				ID:        "transform",
				Name:      "Transform",
				Type:      models.StepTransform,
				DependsOn: []string{"extract"},
			},
			{
				ID:        "load",
				Name:      "Load",
				Type:      models.StepLoad,
				DependsOn: []string{"transform"},
			},
		},
	}

	if _, err := r.SaveWorkflow(ctx, def); err != nil {
		log.Warn("failed to seed sample workflow", zap.Error(err))
		return
	}
	log.Info("seeded sample workflow", zap.String("workflowId", def.ID))
}
