package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/models"
)

const (
	ProviderOpenAI    = models.ProviderOpenAI
	ProviderAnthropic = models.ProviderAnthropic
)

type providerFactory struct {
	build    func(cfg *config.Config) (Gateway, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]providerFactory{}
	registrationErr error
)

func RegisterFactory(name string, build func(cfg *config.Config) (Gateway, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory name is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required"))
		return
	}
	factories[name] = providerFactory{build: build, validate: validate}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	providers := make([]string, 0, len(factories))
	for name := range factories {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenAI
	}
	return name
}

// ConfiguredProviders lists the providers whose credentials validate.
func ConfiguredProviders(cfg *config.Config) []string {
	var out []string
	for _, name := range SupportedProviders() {
		factoryMu.RLock()
		f := factories[name]
		factoryMu.RUnlock()
		if f.validate == nil || f.validate(cfg) == nil {
			out = append(out, name)
		}
	}
	return out
}

func CreateGateway(cfg *config.Config, name string) (Gateway, error) {
	name = NormalizeProviderName(name)
	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return nil, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, chaterr.Configf("provider", "unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory.build(cfg)
}

// Router sends each request to the gateway of the provider that serves the
// requested model.
type Router struct {
	registry *models.Registry
	gateways map[string]Gateway
}

func NewRouter(registry *models.Registry, gateways map[string]Gateway) (*Router, error) {
	if registry == nil {
		return nil, chaterr.Configf("models", "registry is required")
	}
	if len(gateways) == 0 {
		return nil, chaterr.Configf("providers", "no gateway configured")
	}
	return &Router{registry: registry, gateways: gateways}, nil
}

// NewRouterFromConfig builds one timeout-bounded gateway per configured
// provider.
func NewRouterFromConfig(cfg *config.Config, registry *models.Registry) (*Router, error) {
	gateways := map[string]Gateway{}
	for _, name := range ConfiguredProviders(cfg) {
		gw, err := CreateGateway(cfg, name)
		if err != nil {
			return nil, err
		}
		gateways[name] = WithTimeout(gw, cfg.GatewayTimeout())
	}
	return NewRouter(registry, gateways)
}

func (r *Router) Name() string { return "router" }

func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	provider := r.registry.Default().Provider
	if d, ok := r.registry.Get(req.Model); ok {
		provider = d.Provider
	}
	gw, ok := r.gateways[NormalizeProviderName(provider)]
	if !ok {
		return nil, chaterr.NewGatewayError(chaterr.KindUnknown, provider, fmt.Sprintf("no gateway configured for model %s", req.Model), nil)
	}
	return gw.Complete(ctx, req)
}
