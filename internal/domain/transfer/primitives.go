package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/store"
)

// Registry is the view of the tenant registry the transfer layer needs.
type Registry interface {
	Exists(tenantID string) bool
	Store(tenantID string) (store.TenantStore, error)
}

// Primitives relocate raw documents between tenant stores. They perform no
// authorization; callers check the gate first.
type Primitives struct {
	reg    Registry
	logger zerolog.Logger
	now    func() time.Time
}

func NewPrimitives(reg Registry, logger zerolog.Logger) *Primitives {
	return &Primitives{
		reg:    reg,
		logger: logger.With().Str("component", "transfer_primitives").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *Primitives) stores(op, from, to string) (store.TenantStore, store.TenantStore, error) {
	if from == to {
		return nil, nil, apperr.Validation(op, "source and destination tenant must differ")
	}
	src, err := p.reg.Store(from)
	if err != nil {
		return nil, nil, err
	}
	dst, err := p.reg.Store(to)
	if err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// prepareCopy strips the source identity from doc, re-tags it to the
// destination and marks it as transfer-originated.
func prepareCopy(doc store.Document, from, to string, opts CopyOptions, at time.Time) store.Document {
	out := doc.Clone()
	original := out[store.IDField]
	delete(out, store.IDField)
	delete(out, "__v")
	out[fieldHospitalID] = to
	out[fieldTransferInfo] = map[string]interface{}{
		"transfer_id":    opts.TransferID,
		"from_hospital":  from,
		"original_id":    original,
		"transferred_at": at,
	}
	return out
}

// Copy inserts every document matching filter on from into to. Copies are
// additive: nothing on the destination is matched or replaced.
func (p *Primitives) Copy(ctx context.Context, from, to, collection string, filter store.Filter, opts CopyOptions) (*CopyResult, error) {
	const op = "transfer.copy"
	src, dst, err := p.stores(op, from, to)
	if err != nil {
		return nil, err
	}

	docs, err := src.Find(ctx, collection, filter, store.FindOptions{Limit: opts.Limit})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, op, "read source documents").
			WithDetail("tenant_id", from).WithDetail("collection", collection)
	}

	res := &CopyResult{Collection: collection}
	if len(docs) == 0 {
		return res, nil
	}

	at := p.now()
	copies := make([]store.Document, len(docs))
	for i, d := range docs {
		res.SourceIDs = append(res.SourceIDs, d.ID())
		copies[i] = prepareCopy(d, from, to, opts, at)
	}

	ids, err := dst.InsertMany(ctx, collection, copies)
	res.InsertedIDs = ids
	res.Copied = len(ids)
	if err != nil {
		return res, apperr.Wrap(err, insertKind(err), op, "write destination documents").
			WithDetail("tenant_id", to).WithDetail("collection", collection).WithDetail("copied", len(ids))
	}

	p.logger.Debug().Str("from", from).Str("to", to).Str("collection", collection).
		Int("copied", res.Copied).Msg("documents copied")
	return res, nil
}

// CopyOne copies the first document matching filter. NotFound when nothing
// matches.
func (p *Primitives) CopyOne(ctx context.Context, from, to, collection string, filter store.Filter, opts CopyOptions) (*CopyResult, error) {
	const op = "transfer.copy_one"
	src, dst, err := p.stores(op, from, to)
	if err != nil {
		return nil, err
	}

	doc, err := src.FindOne(ctx, collection, filter)
	if errors.Is(err, store.ErrNoDocuments) {
		return nil, apperr.NotFound(op, "no %s document matches on tenant %s", collection, from)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, op, "read source document").WithDetail("tenant_id", from)
	}

	id, err := dst.InsertOne(ctx, collection, prepareCopy(doc, from, to, opts, p.now()))
	if err != nil {
		return nil, apperr.Wrap(err, insertKind(err), op, "write destination document").WithDetail("tenant_id", to)
	}
	return &CopyResult{
		Collection:  collection,
		Copied:      1,
		SourceIDs:   []interface{}{doc.ID()},
		InsertedIDs: []interface{}{id},
	}, nil
}

// Move copies matching documents and then deletes exactly the copied
// originals from the source. The two steps are not atomic: if the delete
// fails the documents exist on both tenants.
func (p *Primitives) Move(ctx context.Context, from, to, collection string, filter store.Filter, opts CopyOptions) (*CopyResult, error) {
	const op = "transfer.move"
	res, err := p.Copy(ctx, from, to, collection, filter, opts)
	if err != nil {
		return res, err
	}
	if len(res.SourceIDs) == 0 {
		return res, nil
	}

	src, err := p.reg.Store(from)
	if err != nil {
		return res, err
	}
	removed, err := src.DeleteMany(ctx, collection, store.Filter{store.IDField: map[string]interface{}{"$in": res.SourceIDs}})
	if err != nil {
		return res, apperr.Wrap(err, apperr.KindInconsistentTransfer, op, "documents copied but not removed from source").
			WithDetail("tenant_id", from).WithDetail("collection", collection).WithDetail("copied", res.Copied)
	}
	p.logger.Debug().Str("from", from).Str("to", to).Str("collection", collection).
		Int64("removed", removed).Msg("documents moved")
	return res, nil
}

func insertKind(err error) apperr.Kind {
	if errors.Is(err, store.ErrDuplicateKey) {
		return apperr.KindConflict
	}
	return apperr.KindInternal
}
