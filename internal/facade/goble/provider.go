package goble

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/facade"
)

// Provider reports the single go-ble adapter. The radio is opened on the
// first successful enumeration and reused afterwards; a failed open is
// retried on the next call.
type Provider struct {
	logger *logrus.Logger

	mu      sync.Mutex
	adapter *Adapter
}

// NewProvider creates a provider over the platform's go-ble device.
func NewProvider(logger *logrus.Logger) *Provider {
	return &Provider{logger: logger}
}

func (p *Provider) GetAdapters() ([]facade.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.adapter == nil {
		dev, err := DeviceFactory()
		if err != nil {
			p.logger.WithError(err).Error("Failed to create BLE device")
			return nil, NormalizeError(err)
		}
		p.adapter = newAdapter(&deviceRadio{dev: dev}, p.logger)
	}
	return []facade.Adapter{p.adapter}, nil
}
