package config

import (
	"context"
	"fmt"

	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

// RuleOverrides is the on-disk form of the provider rule overrides. Only
// exemption lists and the default completion gate can be changed; the
// approval, discovery and pipeline behavior of each provider is fixed.
type RuleOverrides struct {
	Exemptions map[string][]string `yaml:"exemptions"`
	Completion struct {
		RequireConfirmation *bool `yaml:"require_confirmation"`
	} `yaml:"completion"`
}

// Loader provides rule override loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files or
// remote configuration services.
type Loader interface {
	// Load retrieves and parses the overrides from the underlying source.
	Load(ctx context.Context) (*RuleOverrides, error)
}

var knownResourceTypes = map[onboarding.ResourceType]struct{}{
	onboarding.ResourceTypeRDS:         {},
	onboarding.ResourceTypeRDSCluster:  {},
	onboarding.ResourceTypeDynamoDB:    {},
	onboarding.ResourceTypeRedshift:    {},
	onboarding.ResourceTypeEC2:         {},
	onboarding.ResourceTypeAzureSQL:    {},
	onboarding.ResourceTypeAzurePG:     {},
	onboarding.ResourceTypeAzureVM:     {},
	onboarding.ResourceTypeCloudSQL:    {},
	onboarding.ResourceTypeBigQuery:    {},
	onboarding.ResourceTypeGCEInstance: {},
	onboarding.ResourceTypeIDCDatabase: {},
}

// RuleBook validates the overrides and converts them into a domain RuleBook.
func (o *RuleOverrides) RuleBook() (*onboarding.RuleBook, error) {
	if o == nil || len(o.Exemptions) == 0 {
		return onboarding.DefaultRuleBook(), nil
	}

	exemptions := make(map[onboarding.Provider][]onboarding.ResourceType, len(o.Exemptions))
	for name, types := range o.Exemptions {
		provider, err := onboarding.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("exemptions: %w", err)
		}
		for _, t := range types {
			rt := onboarding.ResourceType(t)
			if _, ok := knownResourceTypes[rt]; !ok {
				return nil, fmt.Errorf("exemptions: unknown resource type %q for %s", t, provider)
			}
			exemptions[provider] = append(exemptions[provider], rt)
		}
	}

	rb, err := onboarding.NewRuleBook(exemptions)
	if err != nil {
		return nil, fmt.Errorf("exemptions: %w", err)
	}
	return rb, nil
}

// CompletionConfirmation returns the completion gate override, falling back
// to def when the overrides leave it unset.
func (o *RuleOverrides) CompletionConfirmation(def bool) bool {
	if o == nil || o.Completion.RequireConfirmation == nil {
		return def
	}
	return *o.Completion.RequireConfirmation
}
