package event_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"idvault/internal/event"
	"idvault/internal/event/mocks"
	id "idvault/pkg/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerDrainsInboxToSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	sink := mocks.NewMockSink(ctrl)

	identityID := id.NewIdentityID()
	ev := event.New(identityID, "owner-1", event.SubsystemPermission, event.ActionGranted, 10, nil)

	delivered := make(chan struct{})
	sink.EXPECT().Append(gomock.Any(), ev).DoAndReturn(func(context.Context, event.Event) error {
		close(delivered)
		return nil
	})

	pub := event.NewPublisher(4, discardLogger())
	worker := event.NewWorker(sink, pub.Inbox(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	pub.Emit(ctx, ev)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered to the sink")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPublisherDropsWhenInboxFull(t *testing.T) {
	pub := event.NewPublisher(1, discardLogger())
	ctx := context.Background()

	identityID := id.NewIdentityID()
	pub.Emit(ctx, event.New(identityID, "owner-1", event.SubsystemIdentity, event.ActionCreated, 1, nil))
	// Second emit must not block even though nothing drains the inbox.
	pub.Emit(ctx, event.New(identityID, "owner-1", event.SubsystemIdentity, event.ActionUpdated, 2, nil))

	assert.Len(t, pub.Inbox(), 1)
}

func TestRecorderKeepsOrderAndFilters(t *testing.T) {
	rec := event.NewRecorder()
	ctx := context.Background()

	first := id.NewIdentityID()
	second := id.NewIdentityID()
	rec.Emit(ctx, event.New(first, "a", event.SubsystemRecovery, event.ActionInitiated, 5, nil))
	rec.Emit(ctx, event.New(second, "b", event.SubsystemRecovery, event.ActionApproved, 6, nil))
	rec.Emit(ctx, event.New(first, "c", event.SubsystemRecovery, event.ActionCompleted, 7, nil))

	assert.Equal(t, []event.Action{event.ActionInitiated, event.ActionApproved, event.ActionCompleted}, rec.Actions())
	assert.Len(t, rec.ByIdentity(first), 2)
	assert.Equal(t, event.ActionCompleted, rec.Last().Action)
}
