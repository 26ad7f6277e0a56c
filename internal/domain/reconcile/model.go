package reconcile

import (
	"time"

	"github.com/ehr/bridge/internal/platform/store"
)

// IdentityKeys names the business key that identifies a document across
// tenants, per collection.
var IdentityKeys = map[string]string{
	store.CollectionPatients:    "patient_id",
	store.CollectionDoctors:     "doctor_id",
	store.CollectionEncounters:  "encounter_id",
	store.CollectionMedications: "medication_id",
}

// SyncRequest reconciles one collection between two tenants. An empty
// Collection on the HTTP surface reconciles every known collection.
type SyncRequest struct {
	TenantA    string `json:"tenantA" validate:"required,nefield=TenantB"`
	TenantB    string `json:"tenantB" validate:"required"`
	Collection string `json:"collection"`
	Actor      string `json:"actor"`
}

// DirectionResult reports what one direction of a sync wrote.
type DirectionResult struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Missing  int      `json:"missing"`
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// SyncResult is the outcome of reconciling one collection.
type SyncResult struct {
	Collection  string          `json:"collection"`
	IdentityKey string          `json:"identityKey"`
	AToB        DirectionResult `json:"aToB"`
	BToA        DirectionResult `json:"bToA"`
	SyncedAt    time.Time       `json:"syncedAt"`
}

// Inserted is the number of documents written in both directions.
func (r *SyncResult) Inserted() int {
	return r.AToB.Inserted + r.BToA.Inserted
}

// StatusResult compares document counts only. Equal counts do not imply
// equal content.
type StatusResult struct {
	Collection string `json:"collection"`
	TenantA    string `json:"tenantA"`
	TenantB    string `json:"tenantB"`
	CountA     int64  `json:"countA"`
	CountB     int64  `json:"countB"`
	Difference int64  `json:"difference"`
	InSync     bool   `json:"inSync"`
}
