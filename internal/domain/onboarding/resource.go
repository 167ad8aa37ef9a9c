package onboarding

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResourceType is the kind of cloud resource an agent can be attached to.
type ResourceType string

const (
	ResourceTypeRDS         ResourceType = "RDS"
	ResourceTypeRDSCluster  ResourceType = "RDS_CLUSTER"
	ResourceTypeDynamoDB    ResourceType = "DYNAMODB"
	ResourceTypeRedshift    ResourceType = "REDSHIFT"
	ResourceTypeEC2         ResourceType = "EC2"
	ResourceTypeAzureSQL    ResourceType = "AZURE_SQL"
	ResourceTypeAzurePG     ResourceType = "AZURE_POSTGRESQL"
	ResourceTypeAzureVM     ResourceType = "AZURE_VM"
	ResourceTypeCloudSQL    ResourceType = "CLOUD_SQL"
	ResourceTypeBigQuery    ResourceType = "BIGQUERY"
	ResourceTypeGCEInstance ResourceType = "GCE_INSTANCE"
	ResourceTypeIDCDatabase ResourceType = "IDC_DATABASE"
)

// DatabaseType is the engine running on a resource.
type DatabaseType string

const (
	DatabaseMySQL      DatabaseType = "MYSQL"
	DatabasePostgreSQL DatabaseType = "POSTGRESQL"
	DatabaseMSSQL      DatabaseType = "MSSQL"
	DatabaseOracle     DatabaseType = "ORACLE"
	DatabaseMongoDB    DatabaseType = "MONGODB"
	DatabaseDynamoDB   DatabaseType = "DYNAMODB"
	DatabaseRedshift   DatabaseType = "REDSHIFT"
	DatabaseBigQuery   DatabaseType = "BIGQUERY"
)

// LifecycleStatus tracks a single resource through discovery, approval,
// installation and verification.
type LifecycleStatus string

const (
	LifecycleDiscovered      LifecycleStatus = "DISCOVERED"
	LifecyclePendingApproval LifecycleStatus = "PENDING_APPROVAL"
	LifecycleInstalling      LifecycleStatus = "INSTALLING"
	LifecycleReadyToTest     LifecycleStatus = "READY_TO_TEST"
	LifecycleActive          LifecycleStatus = "ACTIVE"
)

// Exclusion records a reasoned decision to leave a resource out of the
// integration target set.
type Exclusion struct {
	Reason     string    `json:"reason"`
	ExcludedAt time.Time `json:"excluded_at"`
	ExcludedBy string    `json:"excluded_by"`
}

// Resource is a single discovered or declared resource owned by a project.
type Resource struct {
	ID                   string          `json:"id"`
	Type                 ResourceType    `json:"type"`
	DatabaseType         DatabaseType    `json:"database_type"`
	LifecycleStatus      LifecycleStatus `json:"lifecycle_status"`
	IsSelected           bool            `json:"is_selected"`
	Exclusion            *Exclusion      `json:"exclusion,omitempty"`
	SelectedCredentialID string          `json:"selected_credential_id,omitempty"`

	// NewlyDiscovered marks a resource that showed up after targets were
	// confirmed. It is cleared once the resource is approved.
	NewlyDiscovered bool `json:"newly_discovered"`

	// RejectionNote carries the reason of the last rejected approval.
	RejectionNote string    `json:"rejection_note,omitempty"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}

// NewDiscoveredResource builds a resource in its initial lifecycle state.
func NewDiscoveredResource(id string, typ ResourceType, dbType DatabaseType, discoveredAt time.Time) Resource {
	return Resource{
		ID:              id,
		Type:            typ,
		DatabaseType:    dbType,
		LifecycleStatus: LifecycleDiscovered,
		DiscoveredAt:    discoveredAt,
	}
}

// IsActive reports whether the resource finished onboarding.
func (r Resource) IsActive() bool { return r.LifecycleStatus == LifecycleActive }

// awaitsNewCycle reports whether r arrived after targets were confirmed and
// has not been decided on yet.
func (r Resource) awaitsNewCycle() bool {
	return r.NewlyDiscovered && r.LifecycleStatus == LifecycleDiscovered && r.Exclusion == nil
}

// Validate checks the record's own consistency.
func (r Resource) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("resource id is required")
	}
	if strings.TrimSpace(string(r.Type)) == "" {
		return fmt.Errorf("resource %s: type is required", r.ID)
	}
	if r.Exclusion != nil && r.IsSelected {
		return fmt.Errorf("resource %s: excluded resource cannot be selected", r.ID)
	}
	return nil
}

func (r Resource) clone() Resource {
	if r.Exclusion != nil {
		excl := *r.Exclusion
		r.Exclusion = &excl
	}
	return r
}

func cloneResources(in []Resource) []Resource {
	out := make([]Resource, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}
