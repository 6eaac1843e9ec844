package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memsync/internal/models"
	"memsync/internal/oplog"
	"memsync/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func remoteOp(entityID, deviceID string, rev int64, at time.Time, payload string, tombstone bool) *models.Op {
	op := &models.Op{
		EntityType: "memory",
		EntityID:   entityID,
		Payload:    json.RawMessage(payload),
		Tombstone:  tombstone,
		Clock:      models.Clock{Rev: rev, UpdatedAt: at, DeviceID: deviceID},
	}
	op.OpID = op.ComputeID()
	return op
}

func TestApplyFirstSighting(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	op := remoteOp("m-1", "device-b", 1, time.Now().UTC(), `{"v":1}`, false)
	out, err := e.Apply(ctx, op)
	require.NoError(t, err)
	require.Equal(t, Applied, out)

	state, err := e.CurrentState(ctx, "memory", "m-1")
	require.NoError(t, err)
	require.Equal(t, op.OpID, state.OpID)
	require.JSONEq(t, `{"v":1}`, string(state.Payload))
}

func TestApplyIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	op := remoteOp("m-1", "device-b", 1, time.Now().UTC(), `{"v":1}`, false)
	_, err := e.Apply(ctx, op)
	require.NoError(t, err)

	out, err := e.Apply(ctx, op)
	require.NoError(t, err)
	require.Equal(t, Skipped, out, "replaying an op must be a no-op")

	state, err := e.CurrentState(ctx, "memory", "m-1")
	require.NoError(t, err)
	require.Equal(t, op.OpID, state.OpID)
}

func TestApplyLoserIsSkippedButEchoed(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	at := time.Now().UTC()
	winner := remoteOp("m-1", "device-b", 2, at, `{"v":2}`, false)
	loser := remoteOp("m-1", "device-c", 1, at.Add(time.Hour), `{"v":1}`, false)

	out, err := e.Apply(ctx, winner)
	require.NoError(t, err)
	require.Equal(t, Applied, out)

	out, err = e.Apply(ctx, loser)
	require.NoError(t, err)
	require.Equal(t, Skipped, out, "lower rev must lose despite later wall clock")

	state, err := e.CurrentState(ctx, "memory", "m-1")
	require.NoError(t, err)
	require.Equal(t, winner.OpID, state.OpID)

	// The losing op still lands in the log so peers pulling from us see it.
	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM op_log WHERE entity_id = 'm-1'`).Scan(&n))
	require.Equal(t, 2, n)
}

func TestApplyRejectsMalformedOp(t *testing.T) {
	e, _ := newTestEngine(t)

	op := remoteOp("m-1", "device-b", 1, time.Now().UTC(), `{}`, false)
	op.Clock.Rev = 0
	_, err := e.Apply(context.Background(), op)
	require.ErrorIs(t, err, models.ErrMalformedOp)

	_, err = e.CurrentState(context.Background(), "memory", "m-1")
	require.ErrorIs(t, err, store.ErrNotFound, "rejected op must leave no state behind")
}

func TestTombstoneThenResurrection(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	create := remoteOp("m-1", "device-a", 1, base, `{"v":1}`, false)
	deleteOp := remoteOp("m-1", "device-b", 2, base.Add(time.Minute), `null`, true)
	resurrect := remoteOp("m-1", "device-a", 2, base.Add(2*time.Minute), `{"v":2}`, false)

	_, err := e.Apply(ctx, create)
	require.NoError(t, err)

	out, err := e.Apply(ctx, deleteOp)
	require.NoError(t, err)
	require.Equal(t, Applied, out)
	state, err := e.CurrentState(ctx, "memory", "m-1")
	require.NoError(t, err)
	require.True(t, state.Tombstone, "delete must win over the create")

	// Same rev as the tombstone but later wall clock: the entity comes back.
	out, err = e.Apply(ctx, resurrect)
	require.NoError(t, err)
	require.Equal(t, Applied, out)
	state, err = e.CurrentState(ctx, "memory", "m-1")
	require.NoError(t, err)
	require.False(t, state.Tombstone)
	require.JSONEq(t, `{"v":2}`, string(state.Payload))
}

// Convergence: any two devices that have seen the same set of ops hold the
// same winning state per entity, whatever order the ops arrived in.
func TestApplyOrderIndependence(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var ops []*models.Op
	for e := 0; e < 4; e++ {
		entityID := fmt.Sprintf("m-%d", e)
		for d, device := range []string{"device-a", "device-b", "device-c"} {
			for rev := int64(1); rev <= 3; rev++ {
				at := base.Add(time.Duration(e+d) * time.Minute).Add(time.Duration(rev) * time.Second)
				ops = append(ops, remoteOp(entityID, device, rev, at, fmt.Sprintf(`{"d":%d,"rev":%d}`, d, rev), rev == 2 && d == 1))
			}
		}
	}

	rng := rand.New(rand.NewSource(7))
	var winners map[string]string
	for trial := 0; trial < 3; trial++ {
		engine, _ := newTestEngine(t)
		shuffled := make([]*models.Op, len(ops))
		copy(shuffled, ops)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		for _, op := range shuffled {
			clone := *op
			_, err := engine.Apply(ctx, &clone)
			require.NoError(t, err)
		}

		got := make(map[string]string)
		for e := 0; e < 4; e++ {
			entityID := fmt.Sprintf("m-%d", e)
			state, err := engine.CurrentState(ctx, "memory", entityID)
			require.NoError(t, err)
			got[entityID] = state.OpID
		}
		if winners == nil {
			winners = got
			continue
		}
		require.Equal(t, winners, got, "trial %d diverged", trial)
	}
}

// A local append and a remote apply interleave through the same tables.
func TestApplyAlongsideLocalAppends(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	log := oplog.New(st, "device-local")

	local, err := log.Append(ctx, oplog.AppendInput{EntityType: "memory", EntityID: "m-1", Payload: json.RawMessage(`{"v":"local"}`)})
	require.NoError(t, err)

	remote := remoteOp("m-1", "device-b", local.Clock.Rev+1, time.Now().UTC(), `{"v":"remote"}`, false)
	out, err := e.Apply(ctx, remote)
	require.NoError(t, err)
	require.Equal(t, Applied, out)

	// The next local edit builds on the merged rev, not the stale local one.
	next, err := log.Append(ctx, oplog.AppendInput{EntityType: "memory", EntityID: "m-1", Payload: json.RawMessage(`{"v":"local2"}`)})
	require.NoError(t, err)
	require.Equal(t, remote.Clock.Rev+1, next.Clock.Rev)
}
