package connector

import (
	"fmt"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
	"github.com/cassiomorais/apgateway/internal/infrastructure/config"
)

// New builds the connector selected by cfg.Provider. Unknown providers
// are logged and served by the sandbox, never by a live network.
func New(cfg config.ConnectorConfig, deps Deps) (Connector, error) {
	cfg = cfg.WithDefaults()

	switch cfg.Provider {
	case config.ProviderCommercial:
		c, err := NewCommercialConnector(cfg, deps)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderDirect:
		c, err := NewDirectConnector(cfg, deps)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderSandbox:
		return NewSandboxConnector(cfg, deps), nil
	}

	warning := &domainErrors.UnknownProviderWarning{Provider: cfg.Provider}
	deps.Logger.Warn().Err(warning).Str("connector", cfg.ID).Msg("connector provider not recognised")

	cfg.Provider = config.ProviderSandbox
	cfg.Environment = config.EnvironmentSandbox
	return NewSandboxConnector(cfg, deps), nil
}

// NewRegistryFromConfig builds every configured connector. Any construction
// failure aborts startup.
func NewRegistryFromConfig(cfg *config.Config, deps Deps, opts ...RegistryOption) (*Registry, error) {
	opts = append([]RegistryOption{
		WithLogger(deps.Logger),
		WithBreakerConfig(cfg.Gateway.Breaker),
		WithHealthTimeout(cfg.Gateway.HealthTimeout),
	}, opts...)
	reg := NewRegistry(opts...)

	for _, cc := range cfg.Connectors {
		c, err := New(cc, deps)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", cc.ID, err)
		}
		reg.Register(c)
	}

	if cfg.Gateway.DefaultConnector != "" {
		if err := reg.SetDefault(cfg.Gateway.DefaultConnector); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
