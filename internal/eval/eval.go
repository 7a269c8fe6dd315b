package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"finrag/internal/db"
	"finrag/internal/rag"
)

// Ks are the cut-offs reported by Run.
var Ks = []int{1, 3, 5, 10}

// ErrNoGold is returned when the gold table is empty.
var ErrNoGold = errors.New("no evaluation data found in retrieval_gold table")

// PrecisionRecallAtK scores the first k retrieved ids against the relevant set.
// Precision divides by the number of ids actually retrieved, and is 0 when none were.
func PrecisionRecallAtK(retrieved []int64, relevant *roaring64.Bitmap, k int) (precision, recall float64) {
	topk := retrieved[:min(k, len(retrieved))]
	if len(topk) == 0 {
		return 0, 0
	}
	hits := 0
	for _, id := range topk {
		if id >= 0 && relevant.Contains(uint64(id)) {
			hits++
		}
	}
	precision = float64(hits) / float64(len(topk))
	recall = float64(hits) / float64(max(1, relevant.GetCardinality()))
	return precision, recall
}

// RelevantSet builds the bitmap of a gold row.
func RelevantSet(g *db.RetrievalGold) (*roaring64.Bitmap, error) {
	ids, err := g.RelevantIDs()
	if err != nil {
		return nil, fmt.Errorf("gold row %d: %w", g.ID, err)
	}
	bm := roaring64.New()
	for _, id := range ids {
		if id >= 0 {
			bm.Add(uint64(id))
		}
	}
	return bm, nil
}

// Report holds metrics averaged over the gold set, indexed like Ks.
type Report struct {
	Samples   int
	Precision []float64
	Recall    []float64
}

// Run retrieves the top max(Ks) chunks for every gold query, using at most
// workers concurrent retrievals, and averages precision and recall.
func Run(ctx context.Context, bunDB bun.IDB, searcher rag.Searcher, workers int) (*Report, error) {
	gold, err := db.ListGold(ctx, bunDB)
	if err != nil {
		return nil, err
	}
	if len(gold) == 0 {
		return nil, ErrNoGold
	}

	relevant := make([]*roaring64.Bitmap, len(gold))
	for i := range gold {
		if relevant[i], err = RelevantSet(&gold[i]); err != nil {
			return nil, err
		}
	}

	depth := slices.Max(Ks)
	retrieved := make([][]int64, len(gold))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := range gold {
		g.Go(func() error {
			results, err := searcher.Retrieve(gctx, gold[i].Query, depth)
			if err != nil {
				return fmt.Errorf("retrieval for gold row %d failed: %w", gold[i].ID, err)
			}
			ids := make([]int64, len(results))
			for j, r := range results {
				ids[j] = r.ChunkID
			}
			retrieved[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep := &Report{
		Samples:   len(gold),
		Precision: make([]float64, len(Ks)),
		Recall:    make([]float64, len(Ks)),
	}
	for i := range gold {
		for j, k := range Ks {
			p, r := PrecisionRecallAtK(retrieved[i], relevant[i], k)
			rep.Precision[j] += p
			rep.Recall[j] += r
		}
	}
	n := float64(len(gold))
	for j := range Ks {
		rep.Precision[j] /= n
		rep.Recall[j] /= n
	}
	log.Debug().Int("samples", rep.Samples).Msg("Evaluation finished")
	return rep, nil
}

// Write prints the report in the "precision@k: x | recall@k: y" format.
func (r *Report) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Eval samples: %d\n", r.Samples); err != nil {
		return err
	}
	for j, k := range Ks {
		if _, err := fmt.Fprintf(w, "precision@%d: %.4f | recall@%d: %.4f\n", k, r.Precision[j], k, r.Recall[j]); err != nil {
			return err
		}
	}
	return nil
}
