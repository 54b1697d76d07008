package auditlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"upliftcs/pkg/queue"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingTransport struct{ calls int }

func (f *failingTransport) Deliver(context.Context, Entry) error {
	f.calls++
	return errors.New("connection refused")
}

type recordingTransport struct{ entries []Entry }

func (r *recordingTransport) Deliver(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

type countingObserver struct{ ok, failed int }

func (c *countingObserver) RecordAuditDelivery(success bool) {
	if success {
		c.ok++
	} else {
		c.failed++
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTrackAssignsSeverityFromTable(t *testing.T) {
	transport := &recordingTransport{}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(transport, nil, quietLogger(), WithClock(func() time.Time { return fixed }))

	entry := l.Track(context.Background(), Event{
		User:        "admin@acme.io",
		Action:      ActionSubscriptionCancelled,
		Description: "Cancelled subscription",
		Target:      "organization:1",
	})

	assert.Equal(t, SeverityCritical, entry.Severity)
	assert.Equal(t, fixed, entry.Timestamp)
	assert.NotEmpty(t, entry.ID)
	require.Len(t, transport.entries, 1)
	assert.Equal(t, entry.ID, transport.entries[0].ID)

	assert.Equal(t, SeverityInfo, SeverityFor("something_unlisted"))
	assert.Equal(t, SeverityWarning, SeverityFor(ActionUserDeactivated))
}

func TestDeliveryFailureIsSwallowedAndMirrored(t *testing.T) {
	transport := &failingTransport{}
	mirror := NewMemoryMirror(10)
	observer := &countingObserver{}
	l := New(transport, mirror, quietLogger(), WithObserver(observer))

	assert.NotPanics(t, func() {
		l.Track(context.Background(), Event{Action: ActionLogin, User: "a@b.io"})
	})

	assert.Equal(t, 1, transport.calls)
	assert.Equal(t, 1, mirror.Len())
	assert.Equal(t, 1, observer.failed)
	assert.Equal(t, 0, observer.ok)
}

func TestMemoryMirrorEvictsOldestBeyondCapacity(t *testing.T) {
	mirror := NewMemoryMirror(DefaultMirrorCapacity)
	l := New(nil, mirror, quietLogger())
	ctx := context.Background()

	for i := 0; i < DefaultMirrorCapacity+5; i++ {
		l.Track(ctx, Event{Action: ActionUserUpdated, Description: fmt.Sprintf("update %d", i)})
	}

	assert.Equal(t, DefaultMirrorCapacity, mirror.Len())

	recent, err := l.Recent(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recent, DefaultMirrorCapacity)
	assert.Equal(t, fmt.Sprintf("update %d", DefaultMirrorCapacity+4), recent[0].Description)
	// 最旧的5条已被淘汰
	assert.Equal(t, "update 5", recent[len(recent)-1].Description)
}

func TestMemoryMirrorRecentLimit(t *testing.T) {
	mirror := NewMemoryMirror(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, mirror.Append(ctx, Entry{ID: fmt.Sprint(i)}))
	}

	recent, err := mirror.Recent(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, []string{recent[0].ID, recent[1].ID})
}

func TestMemoryMirrorRecentScopedByOrganization(t *testing.T) {
	mirror := NewMemoryMirror(10)
	l := New(nil, mirror, quietLogger())
	ctx := context.Background()

	l.Track(ctx, Event{OrganizationID: 1, Action: ActionLogin, Description: "acme login"})
	l.Track(ctx, Event{OrganizationID: 2, Action: ActionLogin, Description: "globex login"})
	l.Track(ctx, Event{OrganizationID: 1, Action: ActionLogout, Description: "acme logout"})

	acme, err := l.Recent(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, acme, 2)
	assert.Equal(t, "acme logout", acme[0].Description)
	assert.Equal(t, "acme login", acme[1].Description)

	all, err := l.Recent(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRedisMirrorKeysPerOrganization(t *testing.T) {
	// 只计算键名，不会连接Redis
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	mirror := NewRedisMirror(queue.NewRedisStoreWithClient(client, "cs"), 0)

	assert.Equal(t, "cs:audit:7", mirror.keyFor(7))
	assert.Equal(t, "cs:audit:8", mirror.keyFor(8))
	assert.Equal(t, "cs:audit:anonymous", mirror.keyFor(0))
	assert.Equal(t, int64(DefaultMirrorCapacity), mirror.capacity)
}
