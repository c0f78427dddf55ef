package dedupe

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/errors"
)

// Store is the persistence the deduper needs: the canonical-id map and the
// append-only fingerprint log.
type Store interface {
	// GetDocument returns the tracked document, or nil when unknown.
	GetDocument(ctx context.Context, id uuid.UUID) (*corpus.Document, error)

	// FindDocumentByURL returns the document tracked under the canonical
	// URL, or nil when none exists.
	FindDocumentByURL(ctx context.Context, canonicalURL string) (*corpus.Document, error)

	// UpsertDocument inserts the document if absent and returns the
	// surviving row. The insert is a single atomic statement keyed by
	// doc_id: a concurrent retry that lost the race gets the first
	// attempt's row back, so canonical_id never changes once assigned.
	UpsertDocument(ctx context.Context, doc *corpus.Document) (*corpus.Document, error)

	// SaveFingerprint appends the fingerprint. At most one row exists per
	// (doc_id, kind); redundant saves are ignored.
	SaveFingerprint(ctx context.Context, fp *corpus.Fingerprint) error

	// ListCanonicalSignatures streams every canonical document's
	// fingerprint of the given kind, used to rebuild the LSH index at
	// startup.
	ListCanonicalSignatures(ctx context.Context, kind corpus.FingerprintKind) ([]Entry, error)
}

// Config configures the deduper.
type Config struct {
	Kind        corpus.FingerprintKind
	Threshold   float64
	Bands       int
	ShingleSize int
	Logger      *slog.Logger
}

// Deduper decides kept vs duplicate-of for incoming normalized documents.
type Deduper struct {
	store       Store
	fp          Fingerprinter
	lsh         *LSHIndex
	threshold   float64
	shingleSize int
	logger      *slog.Logger
}

// New creates a deduper. Call Rebuild before serving traffic so the LSH
// index reflects previously persisted fingerprints.
func New(store Store, cfg Config) *Deduper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.85
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Deduper{
		store:       store,
		fp:          NewFingerprinter(cfg.Kind),
		lsh:         NewLSHIndex(cfg.Bands),
		threshold:   cfg.Threshold,
		shingleSize: cfg.ShingleSize,
		logger:      cfg.Logger,
	}
}

// Rebuild loads persisted canonical fingerprints into the LSH index.
func (d *Deduper) Rebuild(ctx context.Context) error {
	entries, err := d.store.ListCanonicalSignatures(ctx, d.fp.Kind())
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageIO, err)
	}
	for _, e := range entries {
		d.lsh.Insert(e)
	}
	d.logger.Info("lsh_index_rebuilt", slog.Int("fingerprints", len(entries)))
	return nil
}

// Dedupe classifies a normalized document and persists the decision.
//
// Resubmitting a document (same doc_id) any number of times returns the
// original decision without growing the fingerprint log: fingerprinting is
// pure and the canonical map upsert is atomic by doc_id.
func (d *Deduper) Dedupe(ctx context.Context, doc *corpus.NormalizedDocument) (corpus.DedupeDecision, error) {
	if err := doc.Validate(); err != nil {
		return corpus.DedupeDecision{}, errors.New(errors.ErrCodeInvalidDocument, err.Error(), err)
	}

	// Redelivery short-circuit: the decision for this doc_id is already
	// on record.
	if existing, err := d.store.GetDocument(ctx, doc.DocID); err != nil {
		return corpus.DedupeDecision{}, errors.Wrap(errors.ErrCodeStorageIO, err)
	} else if existing != nil {
		return decisionFor(existing), nil
	}

	contentHash, err := hex.DecodeString(doc.Hash)
	if err != nil {
		return corpus.DedupeDecision{}, errors.New(errors.ErrCodeInvalidDocument, "content hash is not hex", err)
	}

	record := &corpus.Document{
		DocID:        doc.DocID,
		TenantID:     doc.Tenant(),
		URL:          doc.URL,
		CanonicalURL: CanonicalURL(doc.URL),
		ContentHash:  contentHash,
		Language:     doc.Language,
		CollectedAt:  doc.CollectedAt,
		PublishedAt:  doc.PublishedAt,
	}

	// Step 1: exact URL match short-circuits without fingerprinting.
	if match, err := d.store.FindDocumentByURL(ctx, record.CanonicalURL); err != nil {
		return corpus.DedupeDecision{}, errors.Wrap(errors.ErrCodeStorageIO, err)
	} else if match != nil && match.DocID != doc.DocID {
		record.CanonicalID = match.CanonicalID
		return d.persist(ctx, record, nil, nil)
	}

	// Steps 2-4: fingerprint, probe the LSH buckets, decide. The bucket
	// exclusive section spans lookup-then-write so two mutual
	// near-duplicates arriving concurrently serialize and only one
	// becomes canonical.
	shingles := Shingles(Tokenize(doc.Text), d.shingleSize)
	sig := d.fp.Signature(shingles)
	keys := d.lsh.BandKeys(sig)

	var decision corpus.DedupeDecision
	err = d.lsh.WithBuckets(keys, func(view BucketView) error {
		if canonical := d.bestCandidate(view.Candidates(), sig); canonical != uuid.Nil {
			record.CanonicalID = canonical
			dec, err := d.persist(ctx, record, nil, nil)
			decision = dec
			return err
		}

		record.CanonicalID = record.DocID
		fp := &corpus.Fingerprint{
			DocID:     doc.DocID,
			Kind:      d.fp.Kind(),
			Signature: sig,
			CreatedAt: doc.CollectedAt,
		}
		entry := &Entry{DocID: doc.DocID, CollectedAt: doc.CollectedAt, Signature: sig}
		dec, err := d.persist(ctx, record, fp, func() { view.Add(*entry) })
		decision = dec
		return err
	})
	if err != nil {
		return corpus.DedupeDecision{}, err
	}
	return decision, nil
}

// bestCandidate returns the canonical id to attach to, or Nil when no
// candidate clears the similarity threshold. Ties break to the earliest
// collected candidate, then the lexicographically smallest doc id.
func (d *Deduper) bestCandidate(candidates []Entry, sig []uint64) uuid.UUID {
	var best *Entry
	for i := range candidates {
		c := &candidates[i]
		if d.fp.Similarity(sig, c.Signature) < d.threshold {
			continue
		}
		if best == nil ||
			c.CollectedAt.Before(best.CollectedAt) ||
			(c.CollectedAt.Equal(best.CollectedAt) && c.DocID.String() < best.DocID.String()) {
			best = c
		}
	}
	if best == nil {
		return uuid.Nil
	}
	return best.DocID
}

// persist writes the canonical decision (and fingerprint for kept docs),
// then runs onCommit inside the caller's bucket section. If the upsert
// lost a race the stored row wins and no fingerprint is added.
func (d *Deduper) persist(ctx context.Context, record *corpus.Document, fp *corpus.Fingerprint, onCommit func()) (corpus.DedupeDecision, error) {
	stored, err := d.store.UpsertDocument(ctx, record)
	if err != nil {
		return corpus.DedupeDecision{}, errors.Wrap(errors.ErrCodeStorageIO, err)
	}
	if stored.DocID != record.DocID || stored.CanonicalID != record.CanonicalID {
		// A concurrent attempt committed first; honor its decision.
		return decisionFor(stored), nil
	}

	if fp != nil {
		if err := d.store.SaveFingerprint(ctx, fp); err != nil {
			return corpus.DedupeDecision{}, errors.Wrap(errors.ErrCodeStorageIO, err)
		}
	}
	if onCommit != nil {
		onCommit()
	}

	dec := decisionFor(stored)
	d.logger.Debug("dedupe_decision",
		slog.String("doc_id", dec.DocID.String()),
		slog.Bool("kept", dec.Kept),
		slog.String("canonical_id", dec.CanonicalID.String()))
	return dec, nil
}

func decisionFor(doc *corpus.Document) corpus.DedupeDecision {
	return corpus.DedupeDecision{
		DocID:       doc.DocID,
		Kept:        doc.CanonicalID == doc.DocID,
		CanonicalID: doc.CanonicalID,
	}
}
