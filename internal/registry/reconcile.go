package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/payload"
)

// ReconcileResult summarizes one sweep.
type ReconcileResult struct {
	Checked  int
	Repaired int
	Removed  int
}

// Reconcile compares every durable record with its mirror and rewrites the
// ones that are missing, undecodable or different. Mirrors with no durable
// record are removed. Running it twice in a row repairs nothing the second
// time.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return res, err
	}

	known := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		known[d.ID] = struct{}{}
		res.Checked++

		want := payload.MirrorOf(d)
		raw, err := r.tree.Get(ctx, livetree.DevicePath(d.ID))
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return res, err
		}
		if err == nil {
			var got payload.DeviceMirror
			if _, derr := payload.Decode(raw, payload.KindDevice, &got); derr == nil && got.Equal(want) {
				continue
			}
		}

		if err := r.writeMirror(ctx, d); err != nil {
			return res, err
		}
		res.Repaired++
		r.metrics.MirrorRepaired()
		r.log.Info("repaired registry mirror", zap.String("device", d.ID))
	}

	mirrors, err := r.tree.List(ctx, livetree.DevicesPrefix())
	if err != nil {
		return res, err
	}
	for _, n := range mirrors {
		id := livetree.Leaf(n.Path)
		if _, ok := known[id]; ok {
			continue
		}
		if err := r.tree.Delete(ctx, n.Path); err != nil {
			return res, err
		}
		res.Removed++
		r.log.Info("removed orphan registry mirror", zap.String("device", id))
	}
	return res, nil
}

// RunReconciler sweeps once immediately and then every interval until ctx is
// done.
func (r *Registry) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := r.Reconcile(ctx)
		if err != nil {
			r.log.Error("registry reconcile failed", zap.Error(err))
		} else if res.Repaired > 0 || res.Removed > 0 {
			r.log.Info("registry reconcile finished",
				zap.Int("checked", res.Checked), zap.Int("repaired", res.Repaired), zap.Int("removed", res.Removed))
		}

		select {
		case <-ctx.Done():
			r.log.Info("registry reconciler shutting down")
			return
		case <-ticker.C:
		}
	}
}
