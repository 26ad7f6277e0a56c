package transfer

import (
	"time"

	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/store"
)

// State is a step of the patient transfer state machine.
type State string

const (
	StateSearching      State = "searching"
	StateFound          State = "found"
	StateAuthorizing    State = "authorizing"
	StateCopying        State = "copying"
	StateSourceMarking  State = "source_marking"
	StateRecordsCopying State = "records_copying"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Patient status values.
const (
	StatusActive      = "Active"
	StatusTransferred = "Transferred"
	StatusInactive    = "Inactive"
	StatusDeceased    = "Deceased"
)

// Ledger entry status values.
const (
	EntryCompleted = "Completed"
)

// Patient record fields the transfer touches directly.
const (
	fieldPatientID       = "patient_id"
	fieldHospitalID      = "hospital_id"
	fieldStatus          = "status"
	fieldTransferHistory = "transfer_history"
	fieldSyncMetadata    = "sync_metadata"
	fieldOriginalTenant  = "sync_metadata.original_tenant"
	fieldIsPrimary       = "sync_metadata.is_primary"
	fieldSyncVersion     = "sync_metadata.sync_version"
	fieldTransferInfo    = "transfer_info"
	fieldUpdatedAt       = "updatedAt"
)

// fields never carried from the source patient into the destination.
var ownershipFields = map[string]bool{
	store.IDField:        true,
	"__v":                true,
	fieldPatientID:       true,
	fieldHospitalID:      true,
	fieldStatus:          true,
	fieldTransferHistory: true,
	fieldSyncMetadata:    true,
	fieldTransferInfo:    true,
	"createdAt":          true,
	fieldUpdatedAt:       true,
}

// DependentCollections are copied when a transfer includes full history.
var DependentCollections = []string{store.CollectionEncounters, store.CollectionMedications}

// TransferEntry is one immutable ledger line. The same entry is written to
// the source and destination patient.
type TransferEntry struct {
	TransferID    string    `json:"transfer_id" mapstructure:"transfer_id"`
	FromHospital  string    `json:"from_hospital" mapstructure:"from_hospital"`
	ToHospital    string    `json:"to_hospital" mapstructure:"to_hospital"`
	TransferDate  time.Time `json:"transfer_date" mapstructure:"transfer_date"`
	Reason        string    `json:"reason" mapstructure:"reason"`
	TransferredBy string    `json:"transferred_by" mapstructure:"transferred_by"`
	Status        string    `json:"status" mapstructure:"status"`
}

func (e TransferEntry) ToDocument() store.Document {
	return store.Document{
		"transfer_id":    e.TransferID,
		"from_hospital":  e.FromHospital,
		"to_hospital":    e.ToHospital,
		"transfer_date":  e.TransferDate,
		"reason":         e.Reason,
		"transferred_by": e.TransferredBy,
		"status":         e.Status,
	}
}

// SyncMetadata tells the first-registered copy apart from relocated copies.
type SyncMetadata struct {
	OriginalTenant string `json:"original_tenant" mapstructure:"original_tenant"`
	SyncVersion    int64  `json:"sync_version" mapstructure:"sync_version"`
	IsPrimary      bool   `json:"is_primary" mapstructure:"is_primary"`
}

// PatientRecord is the typed view of a patients document.
type PatientRecord struct {
	ID              interface{}            `json:"_id,omitempty" mapstructure:"_id"`
	PatientID       string                 `json:"patient_id" mapstructure:"patient_id"`
	HospitalID      string                 `json:"hospital_id" mapstructure:"hospital_id"`
	FirstName       string                 `json:"first_name,omitempty" mapstructure:"first_name"`
	LastName        string                 `json:"last_name,omitempty" mapstructure:"last_name"`
	DateOfBirth     interface{}            `json:"date_of_birth,omitempty" mapstructure:"date_of_birth"`
	Gender          string                 `json:"gender,omitempty" mapstructure:"gender"`
	Phone           string                 `json:"phone,omitempty" mapstructure:"phone"`
	Email           string                 `json:"email,omitempty" mapstructure:"email"`
	Address         map[string]interface{} `json:"address,omitempty" mapstructure:"address"`
	Status          string                 `json:"status" mapstructure:"status"`
	TransferHistory []TransferEntry        `json:"transfer_history" mapstructure:"transfer_history"`
	SyncMetadata    *SyncMetadata          `json:"sync_metadata,omitempty" mapstructure:"sync_metadata"`
}

// LastTransfer returns the newest ledger entry.
func (p *PatientRecord) LastTransfer() (TransferEntry, bool) {
	if len(p.TransferHistory) == 0 {
		return TransferEntry{}, false
	}
	return p.TransferHistory[len(p.TransferHistory)-1], true
}

func decodePatient(doc store.Document) (*PatientRecord, error) {
	var p PatientRecord
	if err := store.Decode(doc, &p); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "transfer.decode_patient", "malformed patient document")
	}
	return &p, nil
}

// Request is a single patient transfer.
type Request struct {
	PatientID          string `json:"patientId" validate:"required"`
	FromHospital       string `json:"fromHospital" validate:"required"`
	ToHospital         string `json:"toHospital" validate:"required"`
	Reason             string `json:"reason"`
	TransferredBy      string `json:"transferredBy"`
	IncludeFullHistory bool   `json:"includeFullHistory"`
}

// RecordsTransferred counts dependent records copied per collection.
type RecordsTransferred struct {
	Encounters  int `json:"encounters"`
	Medications int `json:"medications"`
}

func (r *RecordsTransferred) add(collection string, n int) {
	switch collection {
	case store.CollectionEncounters:
		r.Encounters += n
	case store.CollectionMedications:
		r.Medications += n
	}
}

// Result is returned by a transfer that reached the destination.
type Result struct {
	Success            bool               `json:"success"`
	TransferID         string             `json:"transferId"`
	Patient            *PatientRecord     `json:"patient"`
	RecordsTransferred RecordsTransferred `json:"recordsTransferred"`
	State              State              `json:"state"`
}

// BulkRequest transfers several patients between the same pair of tenants.
type BulkRequest struct {
	PatientIDs         []string `json:"patientIds" validate:"required,min=1,dive,required"`
	FromHospital       string   `json:"fromHospital" validate:"required"`
	ToHospital         string   `json:"toHospital" validate:"required"`
	Reason             string   `json:"reason"`
	TransferredBy      string   `json:"transferredBy"`
	IncludeFullHistory bool     `json:"includeFullHistory"`
	Concurrency        int      `json:"concurrency" validate:"gte=0,lte=32"`
}

func (b BulkRequest) single(patientID string) Request {
	return Request{
		PatientID:          patientID,
		FromHospital:       b.FromHospital,
		ToHospital:         b.ToHospital,
		Reason:             b.Reason,
		TransferredBy:      b.TransferredBy,
		IncludeFullHistory: b.IncludeFullHistory,
	}
}

// ItemError is a failed item of a bulk transfer.
type ItemError struct {
	PatientID  string      `json:"patientId"`
	Kind       apperr.Kind `json:"kind"`
	Message    string      `json:"message"`
	TransferID string      `json:"transferId,omitempty"`
}

// BulkResult summarizes a bulk transfer. Transfers holds every item that
// reached the destination, including partial ones.
// BulkResult counts each distinct patient id once. Repeats in the request
// are reported in Duplicates and never transferred twice.
type BulkResult struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Duplicates int         `json:"duplicates,omitempty"`
	Errors     []ItemError `json:"errors"`
	Transfers  []*Result   `json:"transfers"`
}

// History is the transfer ledger of one patient on one tenant.
type History struct {
	PatientID    string          `json:"patientId"`
	TenantID     string          `json:"tenantId"`
	Entries      []TransferEntry `json:"data"`
	Total        int             `json:"total"`
	LastTransfer *TransferEntry  `json:"lastTransfer,omitempty"`
}

// CopyOptions tag copied documents with the transfer they belong to.
type CopyOptions struct {
	TransferID string
	Limit      int64
}

// CopyResult reports what a copy wrote.
type CopyResult struct {
	Collection  string        `json:"collection"`
	Copied      int           `json:"copied"`
	SourceIDs   []interface{} `json:"-"`
	InsertedIDs []interface{} `json:"-"`
}
