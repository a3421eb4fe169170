package signalmanager

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/eventbus"
	"github.com/kiteflow/optionsrt/internal/mock"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/store"
)

func testManager(t *testing.T) (*Manager, *eventbus.Bus, *clock.Clock) {
	t.Helper()
	st, err := store.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	bus := eventbus.New(log.New(io.Discard, "", 0))
	ck := clock.New(nil)
	return New(ck, st, bus, nil), bus, ck
}

// recorder collects every event of a given type published during a test.
type recorder struct {
	mu   sync.Mutex
	evts []eventbus.Event
}

func (r *recorder) handler(_ context.Context, ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evts)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestManager_SubmitAssignsIDAndPublishes(t *testing.T) {
	m, bus, ck := testManager(t)
	rec := &recorder{}
	bus.Subscribe(context.Background(), eventbus.SignalGenerated, rec.handler, nil)

	f := mock.New(1)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min)
	raw := f.Signal("momentum", "NIFTY", models.ActionBuy, 22000, clock.TF5Min, bucket)
	raw.SignalID = "" // force AssignID

	got, err := m.Submit(context.Background(), raw)
	require.NoError(t, err)
	require.NotEmpty(t, got.SignalID)
	require.Equal(t, models.SignalNew, got.Status)

	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestManager_SubmitRejectsHold(t *testing.T) {
	m, _, ck := testManager(t)
	f := mock.New(2)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min)
	raw := f.Signal("momentum", "NIFTY", models.ActionBuy, 22000, clock.TF5Min, bucket)
	raw.Action = models.ActionHold

	_, err := m.Submit(context.Background(), raw)
	require.ErrorIs(t, err, errs.ErrValidationFailure)
}

func TestManager_SubmitDetectsDuplicateFingerprint(t *testing.T) {
	m, _, ck := testManager(t)
	f := mock.New(3)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min)

	raw1 := f.Signal("momentum", "NIFTY", models.ActionBuy, 22000, clock.TF5Min, bucket)
	raw1.SignalID = ""
	_, err := m.Submit(context.Background(), raw1)
	require.NoError(t, err)

	raw2 := f.Signal("momentum", "NIFTY", models.ActionBuy, 22010, clock.TF5Min, bucket)
	raw2.SignalID = ""
	_, err = m.Submit(context.Background(), raw2)
	require.ErrorIs(t, err, errs.ErrDuplicateSignal)
}

func TestManager_SubmitAllowsResubmitAfterRejection(t *testing.T) {
	m, _, ck := testManager(t)
	f := mock.New(4)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min)

	raw1 := f.Signal("momentum", "NIFTY", models.ActionBuy, 22000, clock.TF5Min, bucket)
	raw1.SignalID = ""
	sig1, err := m.Submit(context.Background(), raw1)
	require.NoError(t, err)

	require.NoError(t, m.Update(context.Background(), sig1.SignalID, models.SignalNew, models.SignalRejected, "test reject"))

	raw2 := f.Signal("momentum", "NIFTY", models.ActionBuy, 22000, clock.TF5Min, bucket)
	raw2.SignalID = ""
	_, err = m.Submit(context.Background(), raw2)
	require.NoError(t, err, "a rejected signal must not block a fresh submission with the same fingerprint")
}

func TestManager_UpdateRejectsIllegalTransition(t *testing.T) {
	m, _, ck := testManager(t)
	f := mock.New(5)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min)
	raw := f.Signal("momentum", "NIFTY", models.ActionBuy, 22000, clock.TF5Min, bucket)
	raw.SignalID = ""
	sig, err := m.Submit(context.Background(), raw)
	require.NoError(t, err)

	err = m.Update(context.Background(), sig.SignalID, models.SignalNew, models.SignalExecuted, "")
	require.ErrorIs(t, err, errs.ErrValidationFailure)
}

func TestManager_UpdatePublishesActivatedAndStopped(t *testing.T) {
	m, bus, ck := testManager(t)
	activated := &recorder{}
	stopped := &recorder{}
	bus.Subscribe(context.Background(), eventbus.SignalActivated, activated.handler, nil)
	bus.Subscribe(context.Background(), eventbus.SignalStopped, stopped.handler, nil)

	f := mock.New(6)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min)
	raw := f.Signal("momentum", "NIFTY", models.ActionBuy, 22000, clock.TF5Min, bucket)
	raw.SignalID = ""
	sig, err := m.Submit(context.Background(), raw)
	require.NoError(t, err)

	require.NoError(t, m.Update(context.Background(), sig.SignalID, models.SignalNew, models.SignalProcessing, ""))
	waitFor(t, func() bool { return activated.count() == 1 })

	require.NoError(t, m.Update(context.Background(), sig.SignalID, models.SignalProcessing, models.SignalFailed, "broker rejected"))
	waitFor(t, func() bool { return stopped.count() == 1 })
}

func TestManager_FinishPublishesCompletedOrStopped(t *testing.T) {
	m, bus, _ := testManager(t)
	completed := &recorder{}
	stopped := &recorder{}
	bus.Subscribe(context.Background(), eventbus.SignalCompleted, completed.handler, nil)
	bus.Subscribe(context.Background(), eventbus.SignalStopped, stopped.handler, nil)

	m.Finish("sig_whatever", true, "target hit")
	waitFor(t, func() bool { return completed.count() == 1 })

	m.Finish("sig_other", false, "stop loss hit")
	waitFor(t, func() bool { return stopped.count() == 1 })
}

func TestManager_SubmitPersistsAndReturnsStorableSignal(t *testing.T) {
	m, _, ck := testManager(t)
	f := mock.New(7)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min)
	raw := f.Signal("momentum", "NIFTY", models.ActionSell, 22000, clock.TF5Min, bucket)
	raw.SignalID = ""

	got, err := m.Submit(context.Background(), raw)
	require.NoError(t, err)
	require.True(t, got.TargetPrice < got.UnderlyingPrice)
	require.True(t, got.UnderlyingPrice < got.StopLossPrice)

	var dupErr *store.DuplicateSignalError
	_, err = m.Submit(context.Background(), *got)
	require.True(t, errors.As(err, &dupErr) || errors.Is(err, errs.ErrDuplicateSignal))
}
