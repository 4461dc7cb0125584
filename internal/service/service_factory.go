package service

import (
	"sync"

	"go.uber.org/zap"

	"trust-scorer/internal/artifact"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	artifact *artifact.Artifact
	loadErr  error
	logger   *zap.Logger

	once           sync.Once
	scoringService *ScoringService
}

// NewServiceFactory takes the outcome of the startup model load.
func NewServiceFactory(a *artifact.Artifact, loadErr error, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		artifact: a,
		loadErr:  loadErr,
		logger:   logger,
	}
}

// ScoringService returns the scoring service instance (singleton). The
// startup load result is fixed, so every call returns the same service.
func (f *ServiceFactory) ScoringService() *ScoringService {
	f.once.Do(func() {
		f.scoringService = NewScoringService(f.artifact, f.loadErr, f.logger)
	})
	return f.scoringService
}
