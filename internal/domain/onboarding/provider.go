package onboarding

import (
	"fmt"
	"strings"
)

// Provider identifies the cloud environment a project onboards into. It is
// fixed when the project is created.
type Provider string

const (
	ProviderAWS   Provider = "AWS"
	ProviderAzure Provider = "AZURE"
	ProviderGCP   Provider = "GCP"
	// ProviderIDC is an on-premise data center. Resources are declared by
	// the customer rather than discovered by a scan.
	ProviderIDC Provider = "IDC"
	// ProviderSDU is the managed data-upload variant, tracked by its own
	// stage vocabulary.
	ProviderSDU Provider = "SDU"
)

// AllProviders lists every supported provider in a stable order.
func AllProviders() []Provider {
	return []Provider{ProviderAWS, ProviderAzure, ProviderGCP, ProviderIDC, ProviderSDU}
}

func (p Provider) String() string { return string(p) }

// ParseProvider converts a case-insensitive provider name.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AWS":
		return ProviderAWS, nil
	case "AZURE":
		return ProviderAzure, nil
	case "GCP":
		return ProviderGCP, nil
	case "IDC":
		return ProviderIDC, nil
	case "SDU":
		return ProviderSDU, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// InstallationMode selects how infrastructure is provisioned for providers
// with an automatic/manual split. The zero value means no mode was chosen yet.
type InstallationMode string

const (
	InstallationModeAuto   InstallationMode = "AUTO"
	InstallationModeManual InstallationMode = "MANUAL"
)

// ParseInstallationMode converts a case-insensitive mode name.
func ParseInstallationMode(s string) (InstallationMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AUTO":
		return InstallationModeAuto, nil
	case "MANUAL":
		return InstallationModeManual, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown installation mode %q", s)
	}
}
