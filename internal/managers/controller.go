// Package managers starts and supervises the service's controllers.
package managers

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ControllerManager interface for the controller manager
type ControllerManager interface {
	StartControllers() error
}

// Controller is an interface that provides standard methods for various controller backends
type Controller interface {
	StartController() error
}

// NewControllerManager creates a manager over the given controllers.
// They start in the order given.
func NewControllerManager(ctx context.Context, wg *sync.WaitGroup, logger *zap.SugaredLogger, controllers ...Controller) ControllerManager {
	return &controllerManager{
		ctx:         ctx,
		wg:          wg,
		logger:      logger,
		controllers: controllers,
	}
}

type controllerManager struct {
	ctx         context.Context
	wg          *sync.WaitGroup
	logger      *zap.SugaredLogger
	controllers []Controller
}

func (c *controllerManager) StartControllers() error {
	c.logger.Info("Starting controller manager...")

	for _, controller := range c.controllers {
		err := controller.StartController()
		if err != nil {
			return fmt.Errorf("error starting controller: %v", err)
		}
	}

	c.logger.Infof("Started %d controllers successfully", len(c.controllers))
	return nil
}
