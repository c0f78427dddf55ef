package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/chilleregeravi/agents/internal/bus"
	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/errors"
)

// Ingestor publishes normalized documents onto the bus. It is the local
// stand-in for the upstream collection service: a JSON file or stream of
// corpus.NormalizedDocument values becomes doc.normalized events.
type Ingestor struct {
	bus    bus.Bus
	logger *slog.Logger
}

// NewIngestor creates an ingestor publishing to b.
func NewIngestor(b bus.Bus, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{bus: b, logger: logger}
}

// IngestFile publishes every document in a JSON file. The file holds either
// a single document object or a stream of them.
func (i *Ingestor) IngestFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.New(errors.ErrCodeStorageIO, "open ingest file", err)
	}
	defer f.Close()
	return i.IngestReader(ctx, f)
}

// IngestReader publishes every document decoded from r. Documents are
// keyed by their URL so duplicates of the same page share a delivery lane
// and dedup sees them in arrival order.
func (i *Ingestor) IngestReader(ctx context.Context, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	published := 0
	for {
		var doc corpus.NormalizedDocument
		if err := dec.Decode(&doc); err == io.EOF {
			break
		} else if err != nil {
			return published, errors.ValidationError("malformed document JSON", err)
		}
		if err := i.Publish(ctx, &doc); err != nil {
			return published, err
		}
		published++
	}
	i.logger.Info("documents_ingested", slog.Int("count", published))
	return published, nil
}

// Publish emits one doc.normalized event.
func (i *Ingestor) Publish(ctx context.Context, doc *corpus.NormalizedDocument) error {
	ev, err := bus.NewEnvelope(bus.TopicDocNormalized, doc.URL, doc)
	if err != nil {
		return errors.New(errors.ErrCodePublishFailed, "encode document event", err)
	}
	return i.bus.Publish(ctx, bus.TopicDocNormalized, ev)
}
