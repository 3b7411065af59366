// Package system defines the lifecycle contract for long-running
// components and a manager that starts and stops them as a group.
package system

import (
	"context"
	"fmt"

	"github.com/R3E-Network/gasbank/pkg/logger"
)

// Service is a long-running component with explicit start/stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	services []Service
	log      *logger.Logger
}

// NewManager builds an empty manager. A nil logger is replaced with a
// default one.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{log: log}
}

// Register appends a service to the start order.
func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// StartAll starts every registered service. On failure, services already
// started are stopped in reverse order before the error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	for i, svc := range m.services {
		m.log.WithField("service", svc.Name()).Info("starting")
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := m.services[j].Stop(ctx); stopErr != nil {
					m.log.WithError(stopErr).WithField("service", m.services[j].Name()).
						Error("stop after failed start")
				}
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// StopAll stops services in reverse registration order, continuing past
// failures and returning the first error seen.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		svc := m.services[i]
		m.log.WithField("service", svc.Name()).Info("stopping")
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Error("stop failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
			}
		}
	}
	return firstErr
}
