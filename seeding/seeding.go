// Package seeding loads fixture documents into a store and copies
// collections between names, e.g. last year's schedule into this year's.
package seeding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"dvbsboard/core"
	"dvbsboard/engine"
)

// DefaultConcurrency bounds parallel writes.
const DefaultConcurrency = 8

// Fixture maps collection -> document id -> fields.
type Fixture map[string]map[string]core.Document

// Count returns the number of documents in f.
func (f Fixture) Count() int {
	n := 0
	for _, docs := range f {
		n += len(docs)
	}
	return n
}

// refs lists every document reference in a stable order.
func (f Fixture) refs() []core.DocRef {
	var out []core.DocRef
	for coll, docs := range f {
		for id := range docs {
			out = append(out, core.DocRef{Collection: coll, ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Decode reads a YAML fixture. JSON is accepted as well since it is valid YAML.
func Decode(r io.Reader) (Fixture, error) {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&fx); err != nil {
		if errors.Is(err, io.EOF) {
			return Fixture{}, nil
		}
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	for coll, docs := range fx {
		if coll == "" {
			return nil, errors.New("decode fixture: empty collection name")
		}
		for id, doc := range docs {
			if doc == nil {
				doc = core.Document{}
			}
			docs[id] = doc.Normalize()
		}
	}
	return fx, nil
}

// LoadFile decodes the fixture at path.
func LoadFile(path string) (Fixture, error) {
	f, err := os.Open(path) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Seeder writes documents with bounded concurrency.
type Seeder struct {
	store       engine.DocumentStore
	concurrency int
	logger      *slog.Logger
}

func New(store engine.DocumentStore, concurrency int, logger *slog.Logger) *Seeder {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{store: store, concurrency: concurrency, logger: logger.With("component", "seeding")}
}

// Apply replaces every fixture document in the store. The first failure
// cancels the remaining writes and is returned.
func (s *Seeder) Apply(ctx context.Context, fx Fixture) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, ref := range fx.refs() {
		doc := fx[ref.Collection][ref.ID]
		g.Go(func() error {
			if err := s.store.Set(ctx, ref, doc); err != nil {
				return fmt.Errorf("seed %s: %w", ref, err)
			}
			s.logger.Debug("seeded document", "collection", ref.Collection, "id", ref.ID, "fields", len(doc))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("fixture applied", "documents", fx.Count())
	return nil
}

// Copy sets every document of collection from into collection to under the
// same id, returning the number of documents copied.
func (s *Seeder) Copy(ctx context.Context, from, to string) (int, error) {
	if from == "" || to == "" {
		return 0, errors.New("copy: source and target collections are required")
	}
	if from == to {
		return 0, fmt.Errorf("copy: source and target are both %q", from)
	}
	docs, err := s.store.List(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", from, err)
	}
	if err := s.Apply(ctx, Fixture{to: docs}); err != nil {
		return 0, err
	}
	s.logger.Info("collection copied", "from", from, "to", to, "documents", len(docs))
	return len(docs), nil
}
