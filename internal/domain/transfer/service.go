// Package transfer relocates patients and their clinical records between
// tenants.
//
// A transfer writes two independent stores and there is no transaction
// spanning them. Until the source is marked, a failure leaves the
// destination written and the source untouched; that window is reported as
// an inconsistent transfer and is never compensated automatically.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ehr/bridge/internal/domain/access"
	"github.com/ehr/bridge/internal/domain/federation"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/audit"
	"github.com/ehr/bridge/internal/platform/metrics"
	"github.com/ehr/bridge/internal/platform/store"
)

// Authorizer decides whether requester may act on target.
type Authorizer interface {
	Authorize(ctx context.Context, requester, target string, op access.Operation) error
}

// Locator finds the tenants holding matching documents.
type Locator interface {
	Locate(ctx context.Context, requester, collection string, filter store.Filter) (*federation.LocateResult, error)
}

// Options tune bulk parallelism and bound every tenant store call.
type Options struct {
	BulkConcurrency int
	TenantTimeout   time.Duration
}

type Service struct {
	reg     Registry
	gate    Authorizer
	prim    *Primitives
	locator Locator
	audit   audit.Recorder
	logger  zerolog.Logger
	opts    Options
	now     func() time.Time
	newID   func() string
}

func NewService(reg Registry, gate Authorizer, prim *Primitives, locator Locator, rec audit.Recorder, logger zerolog.Logger, opts Options) *Service {
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 4
	}
	if opts.TenantTimeout <= 0 {
		opts.TenantTimeout = 15 * time.Second
	}
	return &Service{
		reg:     reg,
		gate:    gate,
		prim:    prim,
		locator: locator,
		audit:   rec,
		logger:  logger.With().Str("component", "transfer").Logger(),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// tenantCtx bounds a single tenant store call.
func (s *Service) tenantCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.TenantTimeout)
}

// run carries the state of one transfer through the state machine.
type run struct {
	svc        *Service
	req        Request
	state      State
	transferID string
	start      time.Time
}

func (r *run) enter(ctx context.Context, state State, details map[string]interface{}) {
	r.state = state
	r.svc.logger.Debug().
		Str("patient_id", r.req.PatientID).
		Str("from", r.req.FromHospital).
		Str("to", r.req.ToHospital).
		Str("transfer_id", r.transferID).
		Str("state", string(state)).
		Msg("transfer state")

	outcome := audit.OutcomeSuccess
	if state == StateFailed {
		outcome = audit.OutcomeFailure
	}
	r.svc.record(ctx, r.req, "transfer."+string(state), outcome, r.transferID, details)
}

// fail moves the run to Failed and returns err. Only valid before the source
// is marked.
func (r *run) fail(ctx context.Context, err error) error {
	from := r.state
	if from == "" {
		from = "resolving"
	}
	r.enter(ctx, StateFailed, map[string]interface{}{
		"failed_in": string(from),
		"kind":      string(apperr.KindOf(err)),
		"error":     err.Error(),
	})
	r.svc.observe(r.req, string(apperr.KindOf(err)), r.start)
	return err
}

func (s *Service) record(ctx context.Context, req Request, action, outcome, transferID string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["patient_id"] = req.PatientID
	details["from_hospital"] = req.FromHospital
	if transferID != "" {
		details["transfer_id"] = transferID
	}
	actor := req.TransferredBy
	if actor == "" {
		actor = req.FromHospital
	}
	audit.Emit(ctx, s.audit, s.logger, audit.Entry{
		Timestamp: s.now(),
		Actor:     actor,
		Action:    action,
		Target:    req.ToHospital,
		Outcome:   outcome,
		Details:   details,
	})
}

func (s *Service) observe(req Request, outcome string, start time.Time) {
	metrics.TransfersTotal.WithLabelValues(req.FromHospital, req.ToHospital, outcome).Inc()
	metrics.TransferDuration.WithLabelValues(req.FromHospital, req.ToHospital).Observe(time.Since(start).Seconds())
}

func validateRequest(req Request) error {
	const op = "transfer.validate"
	if req.FromHospital != "" && req.FromHospital == req.ToHospital {
		return apperr.Validation(op, "source and destination tenant must differ").
			WithDetail("tenant_id", req.FromHospital)
	}
	if req.PatientID == "" {
		return apperr.Validation(op, "patientId is required")
	}
	if req.FromHospital == "" || req.ToHospital == "" {
		return apperr.Validation(op, "fromHospital and toHospital are required")
	}
	return nil
}

// Transfer relocates one patient from req.FromHospital to req.ToHospital.
//
// Failures before the destination write have no side effects. A failure
// while marking the source returns an InconsistentTransfer error carrying
// the transfer id. A failure while copying dependent records returns the
// populated Result together with a PartialFailure error.
func (s *Service) Transfer(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		s.record(ctx, req, "transfer."+string(StateFailed), audit.OutcomeFailure, "", map[string]interface{}{
			"failed_in": "validation",
			"kind":      string(apperr.KindValidation),
			"error":     err.Error(),
		})
		return nil, err
	}

	r := &run{svc: s, req: req, start: time.Now()}

	src, err := s.reg.Store(req.FromHospital)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	dst, err := s.reg.Store(req.ToHospital)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	r.enter(ctx, StateAuthorizing, nil)
	if err := s.gate.Authorize(ctx, req.FromHospital, req.ToHospital, access.OpTransfer); err != nil {
		return nil, r.fail(ctx, err)
	}

	r.enter(ctx, StateSearching, nil)
	tctx, cancel := s.tenantCtx(ctx)
	source, err := src.FindOne(tctx, store.CollectionPatients, store.Filter{fieldPatientID: req.PatientID})
	cancel()
	if errors.Is(err, store.ErrNoDocuments) {
		return nil, r.fail(ctx, apperr.NotFound("transfer.find_patient", "patient %s not found on tenant %s", req.PatientID, req.FromHospital).
			WithDetail("patient_id", req.PatientID).WithDetail("tenant_id", req.FromHospital))
	}
	if err != nil {
		return nil, r.fail(ctx, apperr.Wrap(err, apperr.KindInternal, "transfer.find_patient", "load source patient").
			WithDetail("tenant_id", req.FromHospital))
	}
	r.enter(ctx, StateFound, nil)

	r.transferID = s.newID()
	entry := TransferEntry{
		TransferID:    r.transferID,
		FromHospital:  req.FromHospital,
		ToHospital:    req.ToHospital,
		TransferDate:  s.now(),
		Reason:        req.Reason,
		TransferredBy: req.TransferredBy,
		Status:        EntryCompleted,
	}
	origin := originTenant(source, req.FromHospital)
	key := store.Filter{fieldPatientID: req.PatientID, fieldOriginalTenant: origin}

	if err := s.checkDestination(ctx, dst, req, origin); err != nil {
		return nil, r.fail(ctx, err)
	}

	r.enter(ctx, StateCopying, map[string]interface{}{"original_tenant": origin})
	tctx, cancel = s.tenantCtx(ctx)
	_, err = dst.UpdateOne(tctx, store.CollectionPatients, key, s.destinationUpdate(source, entry), true)
	cancel()
	if err != nil {
		return nil, r.fail(ctx, apperr.Wrap(err, insertKind(err), "transfer.write_destination", "upsert destination patient").
			WithDetail("tenant_id", req.ToHospital))
	}

	r.enter(ctx, StateSourceMarking, nil)
	tctx, cancel = s.tenantCtx(ctx)
	marked, err := src.UpdateOne(tctx, store.CollectionPatients, store.Filter{store.IDField: source.ID()}, s.sourceUpdate(source, entry), false)
	cancel()
	if err == nil && marked.Matched == 0 {
		err = fmt.Errorf("source patient %s disappeared before it could be marked", req.PatientID)
	}
	if err != nil {
		ierr := apperr.Wrap(err, apperr.KindInconsistentTransfer, "transfer.mark_source",
			"destination written but source not marked").
			WithDetail("transfer_id", r.transferID).
			WithDetail("patient_id", req.PatientID).
			WithDetail("from_hospital", req.FromHospital).
			WithDetail("to_hospital", req.ToHospital)
		s.logger.Error().Err(err).Str("transfer_id", r.transferID).Str("patient_id", req.PatientID).
			Msg("inconsistent transfer: source not marked")
		s.record(ctx, req, "transfer.inconsistent", audit.OutcomeFailure, r.transferID, map[string]interface{}{
			"error": err.Error(),
		})
		s.observe(req, string(apperr.KindInconsistentTransfer), r.start)
		return nil, ierr
	}

	res := &Result{TransferID: r.transferID}
	var partial []error
	if req.IncludeFullHistory {
		r.enter(ctx, StateRecordsCopying, nil)
		for _, coll := range DependentCollections {
			tctx, cancel := s.tenantCtx(ctx)
			cp, err := s.prim.Copy(tctx, req.FromHospital, req.ToHospital, coll,
				store.Filter{fieldPatientID: req.PatientID}, CopyOptions{TransferID: r.transferID})
			cancel()
			if cp != nil {
				res.RecordsTransferred.add(coll, cp.Copied)
			}
			if err != nil {
				partial = append(partial, err)
			}
		}
	}

	tctx, cancel = s.tenantCtx(ctx)
	doc, err := dst.FindOne(tctx, store.CollectionPatients, key)
	cancel()
	if err != nil {
		partial = append(partial, apperr.Wrap(err, apperr.KindInternal, "transfer.read_destination", "reload destination patient"))
	} else if res.Patient, err = decodePatient(doc); err != nil {
		partial = append(partial, err)
	}

	res.State = StateCompleted
	res.Success = len(partial) == 0
	r.enter(ctx, StateCompleted, map[string]interface{}{
		"encounters":  res.RecordsTransferred.Encounters,
		"medications": res.RecordsTransferred.Medications,
		"partial":     !res.Success,
	})

	if len(partial) > 0 {
		s.observe(req, string(apperr.KindPartialFailure), r.start)
		joined := errors.Join(partial...)
		s.logger.Warn().Err(joined).Str("transfer_id", r.transferID).Msg("transfer completed with errors")
		return res, apperr.Wrap(joined, apperr.KindPartialFailure, "transfer.copy_records",
			"patient transferred but some records were not copied").
			WithDetail("transfer_id", r.transferID)
	}

	s.observe(req, string(StateCompleted), r.start)
	s.logger.Info().Str("transfer_id", r.transferID).Str("patient_id", req.PatientID).
		Str("from", req.FromHospital).Str("to", req.ToHospital).Msg("patient transferred")
	return res, nil
}

// checkDestination refuses a transfer when the destination already holds a
// different patient under the same patient_id. A record that shares the
// source's original tenant is the same patient and is updated in place.
func (s *Service) checkDestination(ctx context.Context, dst store.TenantStore, req Request, origin string) error {
	const op = "transfer.write_destination"
	tctx, cancel := s.tenantCtx(ctx)
	defer cancel()

	existing, err := dst.FindOne(tctx, store.CollectionPatients, store.Filter{fieldPatientID: req.PatientID})
	if errors.Is(err, store.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, op, "look up destination patient").
			WithDetail("tenant_id", req.ToHospital)
	}
	if held := originTenant(existing, req.ToHospital); held != origin {
		return apperr.New(apperr.KindConflict, op, "tenant %s already holds a different patient %s", req.ToHospital, req.PatientID).
			WithDetail("patient_id", req.PatientID).
			WithDetail("tenant_id", req.ToHospital).
			WithDetail("original_tenant", held)
	}
	return nil
}

// originTenant is the tenant the patient was first registered at.
func originTenant(source store.Document, fallback string) string {
	if o := source.String(fieldOriginalTenant); o != "" {
		return o
	}
	return fallback
}

// destinationUpdate carries demographics over and appends the ledger entry.
// Upserting by {patient_id, original_tenant} makes resubmission update the
// same destination document.
func (s *Service) destinationUpdate(source store.Document, entry TransferEntry) store.Update {
	set := store.Document{}
	for k, v := range source {
		if !ownershipFields[k] {
			set[k] = v
		}
	}
	set[fieldHospitalID] = entry.ToHospital
	set[fieldStatus] = StatusActive
	set[fieldUpdatedAt] = entry.TransferDate

	return store.Update{
		Set:         set,
		SetOnInsert: store.Document{fieldIsPrimary: false, "createdAt": entry.TransferDate},
		Inc:         store.Document{fieldSyncVersion: 1},
		Push:        store.Document{fieldTransferHistory: entry.ToDocument()},
	}
}

// sourceUpdate appends the same ledger entry and marks the source as
// transferred. Records that predate sync metadata are backfilled as primary.
func (s *Service) sourceUpdate(source store.Document, entry TransferEntry) store.Update {
	set := store.Document{
		fieldStatus:    StatusTransferred,
		fieldUpdatedAt: entry.TransferDate,
	}
	if source.String(fieldOriginalTenant) == "" {
		set[fieldOriginalTenant] = entry.FromHospital
	}
	if _, ok := source.Get(fieldIsPrimary); !ok {
		set[fieldIsPrimary] = true
	}
	return store.Update{
		Set:  set,
		Push: store.Document{fieldTransferHistory: entry.ToDocument()},
	}
}

// BulkTransfer transfers every patient in req independently. One item's
// failure never aborts the others.
func (s *Service) BulkTransfer(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if req.FromHospital != "" && req.FromHospital == req.ToHospital {
		return nil, apperr.Validation("transfer.bulk", "source and destination tenant must differ")
	}
	if len(req.PatientIDs) == 0 {
		return nil, apperr.Validation("transfer.bulk", "patientIds must not be empty")
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = s.opts.BulkConcurrency
	}

	ids := uniqueIDs(req.PatientIDs)
	if dups := len(req.PatientIDs) - len(ids); dups > 0 {
		s.logger.Debug().Int("duplicates", dups).Msg("duplicate patient ids dropped from bulk transfer")
	}

	type item struct {
		res *Result
		err error
	}
	items := make([]item, len(ids))

	p := pool.New().WithMaxGoroutines(concurrency)
	for i, id := range ids {
		p.Go(func() {
			res, err := s.Transfer(ctx, req.single(id))
			items[i] = item{res: res, err: err}
		})
	}
	p.Wait()

	out := &BulkResult{
		Total:      len(ids),
		Duplicates: len(req.PatientIDs) - len(ids),
		Errors:     []ItemError{},
		Transfers:  []*Result{},
	}
	for i, it := range items {
		if it.res != nil {
			out.Transfers = append(out.Transfers, it.res)
		}
		if it.err == nil {
			out.Successful++
			continue
		}
		out.Failed++
		ie := ItemError{PatientID: ids[i], Kind: apperr.KindOf(it.err), Message: it.err.Error()}
		if it.res != nil {
			ie.TransferID = it.res.TransferID
		}
		out.Errors = append(out.Errors, ie)
	}

	s.logger.Info().Str("from", req.FromHospital).Str("to", req.ToHospital).
		Int("total", out.Total).Int("successful", out.Successful).Int("failed", out.Failed).
		Msg("bulk transfer finished")
	return out, nil
}

// uniqueIDs drops repeated ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// History returns the transfer ledger of a patient on one tenant.
func (s *Service) History(ctx context.Context, tenantID, patientID string) (*History, error) {
	p, err := s.Patient(ctx, tenantID, patientID)
	if err != nil {
		return nil, err
	}
	h := &History{PatientID: patientID, TenantID: tenantID, Entries: p.TransferHistory}
	if h.Entries == nil {
		h.Entries = []TransferEntry{}
	}
	h.Total = len(h.Entries)
	if last, ok := p.LastTransfer(); ok {
		h.LastTransfer = &last
	}
	return h, nil
}

// Patient loads and decodes one patient record.
func (s *Service) Patient(ctx context.Context, tenantID, patientID string) (*PatientRecord, error) {
	st, err := s.reg.Store(tenantID)
	if err != nil {
		return nil, err
	}
	tctx, cancel := s.tenantCtx(ctx)
	defer cancel()
	doc, err := st.FindOne(tctx, store.CollectionPatients, store.Filter{fieldPatientID: patientID})
	if errors.Is(err, store.ErrNoDocuments) {
		return nil, apperr.NotFound("transfer.patient", "patient %s not found on tenant %s", patientID, tenantID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "transfer.patient", "load patient")
	}
	return decodePatient(doc)
}

func (s *Service) authorizeRead(ctx context.Context, requester, tenantID string) error {
	if requester == "" || requester == tenantID {
		return nil
	}
	if !s.reg.Exists(tenantID) {
		return apperr.TenantNotFound("transfer.read", tenantID)
	}
	return s.gate.Authorize(ctx, requester, tenantID, access.OpRead)
}

// FindPatient lists the tenants holding a record for patientID that
// requester may read. Tenants it holds no read grant on are reported under
// Errors, never under Tenants. An empty requester is the operator.
func (s *Service) FindPatient(ctx context.Context, requester, patientID string) (*federation.LocateResult, error) {
	if patientID == "" {
		return nil, apperr.Validation("transfer.find_patient", "patient id is required")
	}
	return s.locator.Locate(ctx, requester, store.CollectionPatients, store.Filter{fieldPatientID: patientID})
}
