package checkpoint

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LayoutKey is the checkpoint entry holding the fingerprint of the batch
// layout a batch run was started with.
const LayoutKey = "batch_layout"

// BatchUnits returns the unit keys of an n-batch pull: "0" to "n-1".
func BatchUnits(n int) []string {
	units := make([]string, n)
	for i := range units {
		units[i] = strconv.Itoa(i)
	}
	return units
}

// BatchLayout fingerprints the items of every batch in order. Two layouts
// with the same fingerprint map each index to the same items.
func BatchLayout(batches [][]string) string {
	var b strings.Builder
	for _, batch := range batches {
		b.WriteString(strings.Join(batch, ","))
		b.WriteByte('\n')
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.String())).String()
}

// StartBatches starts a batch-level run over batches. force discards any
// stored batch state so every batch runs again. Otherwise completed batches
// are kept and only the returned indexes remain to be pulled, unless the
// stored run was laid out differently, in which case it starts over.
func (t *Tracker) StartBatches(ctx context.Context, batches [][]string, force bool) ([]int, error) {
	layout := BatchLayout(batches)
	resumed, err := t.Start(ctx, !force)
	if err != nil {
		return nil, err
	}
	if resumed {
		if stored := t.Checkpoint()[LayoutKey]; stored != layout {
			t.logger.Info("Batch layout changed since the interrupted run, starting over",
				zap.String("stored", stored),
				zap.String("current", layout))
			if _, err := t.Start(ctx, false); err != nil {
				return nil, err
			}
		}
	}
	if err := t.SaveCheckpoint(ctx, map[string]string{LayoutKey: layout}); err != nil {
		return nil, err
	}

	pending := t.IncompleteUnits(BatchUnits(len(batches)))
	out := make([]int, 0, len(pending))
	for _, unit := range pending {
		i, err := strconv.Atoi(unit)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}
