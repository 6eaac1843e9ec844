package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"memsync/internal/models"
)

// syncPeer runs one full cycle against one peer: resolve an address, drain
// the peer's ops into local state, then push local ops the peer has not
// acknowledged. Serialized per peer by the peer lock; a SyncAttempt row is
// recorded whatever the outcome.
func (d *Daemon) syncPeer(ctx context.Context, peer *models.Peer) error {
	lock := d.peerLock(peer.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	attemptID, err := d.attempts.Start(ctx, peer.DeviceID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	addr, cycleErr := d.runCycle(ctx, peer)

	status := models.AttemptOK
	errMsg := ""
	if cycleErr != nil {
		status = models.AttemptFailed
		errMsg = cycleErr.Error()
		d.recordFailure(peer.DeviceID)
	} else {
		d.recordSuccess(peer.DeviceID)
	}
	if err := d.attempts.Finish(ctx, attemptID, addr, status, errMsg); err != nil {
		d.log.Warn("finish attempt", "peer", peer.DeviceID, "err", err)
	}
	if err := d.reg.RecordSyncResult(ctx, peer.DeviceID, cycleErr); err != nil {
		d.log.Warn("record sync result", "peer", peer.DeviceID, "err", err)
	}
	return cycleErr
}

// runCycle returns the address used (empty if none answered) and the cycle
// error, if any.
func (d *Daemon) runCycle(ctx context.Context, peer *models.Peer) (string, error) {
	addr, err := d.dial(ctx, peer)
	if err != nil {
		return "", err
	}

	for _, entityType := range d.cfg.EntityTypes {
		if err := d.pullFrom(ctx, peer, addr, entityType); err != nil {
			return addr, fmt.Errorf("pull %q ops: %w", entityType, err)
		}
		if err := d.pushTo(ctx, peer, addr, entityType); err != nil {
			return addr, fmt.Errorf("push %q ops: %w", entityType, err)
		}
	}
	return addr, nil
}

// dial walks the discovery candidates in order and returns the first address
// that answers a status probe, persisting it as last-known-good.
func (d *Daemon) dial(ctx context.Context, peer *models.Peer) (string, error) {
	candidates := d.chain.Resolve(ctx, peer)
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate addresses for peer %s", peer.DeviceID)
	}

	var lastErr error
	for _, addr := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		info, err := d.client.Status(probeCtx, addr)
		cancel()
		if err != nil {
			lastErr = err
			d.log.Debug("status probe failed", "peer", peer.DeviceID, "addr", addr, "err", err)
			continue
		}
		if info.DeviceID != peer.DeviceID {
			lastErr = fmt.Errorf("address %s answered as %s, expected %s", addr, info.DeviceID, peer.DeviceID)
			continue
		}
		if addr != peer.LastGoodAddr {
			if err := d.reg.SetLastGood(ctx, peer.DeviceID, addr); err != nil {
				d.log.Warn("persist last-known-good", "peer", peer.DeviceID, "err", err)
			}
			peer.LastGoodAddr = addr
		}
		if err := d.reg.MarkSeen(ctx, peer.DeviceID, addr); err != nil {
			d.log.Warn("mark peer seen", "peer", peer.DeviceID, "err", err)
		}
		return addr, nil
	}
	return "", fmt.Errorf("peer %s unreachable: %w", peer.DeviceID, lastErr)
}

// pullFrom drains the peer's ops for one entity type. Each page is applied
// and its cursor advanced in a single transaction, so a crash re-fetches the
// page and idempotent apply makes the replay harmless.
//
// Halt policy: the cursor never advances past an op that was not consumed —
// a project-excluded op (so re-including the project later resumes it) or a
// malformed op (so nothing is silently lost). Applying stops there for this
// cycle and resumes from the same spot on the next.
func (d *Daemon) pullFrom(ctx context.Context, peer *models.Peer, addr, entityType string) error {
	for {
		since, err := d.cur.Get(ctx, peer.DeviceID, entityType, models.DirectionPull)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		page, err := d.client.Ops(callCtx, addr, since, entityType, d.cfg.PageLimit)
		cancel()
		if err != nil {
			return err
		}
		if len(page.Ops) == 0 {
			return nil
		}

		halted := false
		err = d.st.WithTx(ctx, func(tx *sql.Tx) error {
			advanceTo := since
			for i := range page.Ops {
				op := &page.Ops[i]
				if !peer.Allowed(op.Project) {
					d.log.Debug("op excluded by project filter", "peer", peer.DeviceID, "project", op.Project, "op", op.OpID)
					halted = true
					break
				}
				// Apply zeroes the remote seq; keep it for the cursor.
				remoteSeq := op.Seq
				outcome, err := d.engine.ApplyTx(ctx, tx, op)
				if err != nil {
					if errors.Is(err, models.ErrMalformedOp) {
						d.log.Warn("malformed op halts cursor", "peer", peer.DeviceID, "op", op.OpID, "err", err)
						halted = true
						break
					}
					return err
				}
				d.log.Debug("remote op", "peer", peer.DeviceID, "op", op.OpID, "outcome", outcome.String())
				advanceTo = remoteSeq
			}
			if advanceTo > since {
				return d.cur.AdvanceTx(ctx, tx, peer.DeviceID, entityType, models.DirectionPull, advanceTo)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if halted || len(page.Ops) < d.cfg.PageLimit {
			return nil
		}
	}
}

// pushTo sends local ops the peer has not acknowledged, symmetrically to
// pullFrom. The push cursor advances only after the peer confirms a batch;
// ops that originated at the peer itself are consumed without sending. The
// same halt policy applies to project-excluded ops.
func (d *Daemon) pushTo(ctx context.Context, peer *models.Peer, addr, entityType string) error {
	for {
		since, err := d.cur.Get(ctx, peer.DeviceID, entityType, models.DirectionPush)
		if err != nil {
			return err
		}
		ops, _, err := d.oplog.OpsSince(ctx, since, entityType, d.cfg.PageLimit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		batch := make([]models.Op, 0, len(ops))
		advanceTo := since
		halted := false
		for _, op := range ops {
			if !peer.Allowed(op.Project) {
				halted = true
				break
			}
			if op.Clock.DeviceID != peer.DeviceID {
				batch = append(batch, op)
			}
			advanceTo = op.Seq
		}

		if len(batch) > 0 {
			callCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
			res, err := d.client.PushOps(callCtx, addr, batch)
			cancel()
			if err != nil {
				return err
			}
			d.log.Debug("pushed ops", "peer", peer.DeviceID, "sent", len(batch), "applied", res.Applied)
		}
		if advanceTo > since {
			if err := d.cur.Advance(ctx, peer.DeviceID, entityType, models.DirectionPush, advanceTo); err != nil {
				return err
			}
		}
		if halted || len(ops) < d.cfg.PageLimit {
			return nil
		}
	}
}
