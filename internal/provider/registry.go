package provider

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/config"
	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
)

// Registry resolves the messaging provider owned by a business.
type Registry struct {
	mu         sync.RWMutex
	fallback   Provider
	byBusiness map[string]Provider
}

func NewRegistry(fallback Provider) *Registry {
	return &Registry{fallback: fallback, byBusiness: map[string]Provider{}}
}

func (r *Registry) Register(businessID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byBusiness[businessID] = p
}

func (r *Registry) Resolve(businessID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byBusiness[businessID]; ok {
		return p, nil
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("business %q: %w", businessID, appErrors.ErrNoProvider)
	}
	return r.fallback, nil
}

// NewRegistryFromConfig builds one provider per configured kind and binds
// businesses listed in PROVIDER_OVERRIDES to theirs.
func NewRegistryFromConfig(log *logrus.Entry, cfg *config.Config) (*Registry, error) {
	built := map[string]Provider{}
	build := func(kind string) (Provider, error) {
		if p, ok := built[kind]; ok {
			return p, nil
		}
		var p Provider
		switch Type(kind) {
		case TypeCloud:
			if cfg.CloudAccessToken == "" || cfg.CloudPhoneNumberID == "" {
				return nil, fmt.Errorf("cloud provider needs CLOUD_ACCESS_TOKEN and CLOUD_PHONE_NUMBER_ID")
			}
			p = NewCloudProvider(log, cfg.CloudAPIBaseURL, cfg.CloudAccessToken, cfg.CloudPhoneNumberID, nil)
		case TypeSession:
			p = NewSessionProvider(log, cfg.SessionGatewayURL, cfg.SessionAPIKey, cfg.SessionInstance, nil)
		case TypeMock:
			p = NewMockProvider(log, TypeMock, "local", 0)
		default:
			return nil, fmt.Errorf("unknown provider kind %q", kind)
		}
		built[kind] = p
		return p, nil
	}

	def, err := build(cfg.ProviderDefault)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry(def)
	for business, kind := range cfg.Overrides() {
		p, err := build(kind)
		if err != nil {
			return nil, fmt.Errorf("provider override for %q: %w", business, err)
		}
		reg.Register(business, p)
	}
	return reg, nil
}
