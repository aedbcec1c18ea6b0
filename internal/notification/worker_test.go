package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"irrigation-registry-backend/internal/db/dbtest"
	"irrigation-registry-backend/internal/liveness"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/store"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Send calls the mock SendFunc.
func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

func respond(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(""))}
}

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func offline(id string) liveness.Transition {
	return liveness.Transition{DeviceID: id, Online: false, LastActive: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestWorkerPool_Dispatch(t *testing.T) {
	wp := NewWorkerPool(1, nil, &webpush.Options{}, zap.NewNop(), nil)

	wp.Dispatch(liveness.Transition{DeviceID: "dev-001", Online: true})
	wp.Dispatch(offline("dev-002"))

	select {
	case job := <-wp.Jobs():
		assert.Equal(t, "dev-002", job.DeviceID, "online transitions are not queued")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerPool_DispatchNeverBlocks(t *testing.T) {
	wp := NewWorkerPool(1, nil, &webpush.Options{}, zap.NewNop(), nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			wp.Dispatch(offline("dev-001"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked with no workers running")
	}
	assert.Len(t, wp.Jobs(), cap(wp.Jobs()))
}

func TestWorkerPool_WorkerLogic(t *testing.T) {
	gormDB, mock := newTestDB(t)
	wp := NewWorkerPool(1, store.NewGormStore(gormDB), &webpush.Options{}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	deviceRows := func(id, name, owner string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "name", "serial_key", "owner_id", "registered"}).
			AddRow(id, name, "K", owner, owner != "")
	}

	t.Run("sends offline alert to every owner subscription", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				assert.Equal(t, "https://example.com/push", sub.Endpoint)
				var msg Message
				require.NoError(t, json.Unmarshal(payload, &msg))
				assert.Equal(t, "dev-101", msg.DeviceID)
				assert.Equal(t, "Front lawn has stopped reporting.", msg.Body)
				return respond(http.StatusCreated), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "devices" WHERE id = \$1`).
			WithArgs("dev-101", 1).
			WillReturnRows(deviceRows("dev-101", "Front lawn", "user-a"))
		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE owner_id = \$1`).
			WithArgs("user-a").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "owner_id", "created_at"}).
				AddRow("https://example.com/push", "p256", "auth", "user-a", time.Now()))

		wp.Dispatch(offline("dev-101"))
		wg.Wait()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deletes expired subscription", func(t *testing.T) {
		wp.sender = &mockSender{
			SendFunc: func([]byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
				return respond(http.StatusGone), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "devices" WHERE id = \$1`).
			WithArgs("dev-102", 1).
			WillReturnRows(deviceRows("dev-102", "", "user-b"))
		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE owner_id = \$1`).
			WithArgs("user-b").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "owner_id", "created_at"}).
				AddRow("https://example.com/expired", "p256", "auth", "user-b", time.Now()))
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "push_subscriptions" WHERE endpoint = \$1`).
			WithArgs("https://example.com/expired").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		wp.Dispatch(offline("dev-102"))

		require.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})
}

func TestWorkerPool_UnownedDeviceSendsNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewGormStore(dbtest.NewSQLite(t))
	require.NoError(t, s.UpsertDevices(ctx, []model.Device{{ID: "dev-201", SerialKey: "K", ProvisionedAt: time.Now()}}))
	require.NoError(t, s.SavePushSubscription(ctx, model.PushSubscription{Endpoint: "https://example.com/a", OwnerID: "user-a"}))

	wp := NewWorkerPool(1, s, &webpush.Options{}, zap.NewNop(), nil)
	wp.sender = &mockSender{
		SendFunc: func([]byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
			t.Error("no alert expected for an unregistered device")
			return respond(http.StatusCreated), nil
		},
	}

	wp.notifyOffline(ctx, offline("dev-201"))
}

func TestWorkerPool_ExpiredSubscriptionRemovedFromStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewGormStore(dbtest.NewSQLite(t))
	require.NoError(t, s.UpsertDevices(ctx, []model.Device{{ID: "dev-301", SerialKey: "K", ProvisionedAt: time.Now()}}))
	_, err := s.ClaimDevice(ctx, "dev-301", "user-c", "K", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SavePushSubscription(ctx, model.PushSubscription{Endpoint: "https://example.com/gone", OwnerID: "user-c"}))
	require.NoError(t, s.SavePushSubscription(ctx, model.PushSubscription{Endpoint: "https://example.com/live", OwnerID: "user-c"}))

	wp := NewWorkerPool(1, s, &webpush.Options{}, zap.NewNop(), nil)
	wp.sender = &mockSender{
		SendFunc: func(_ []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
			if sub.Endpoint == "https://example.com/gone" {
				return respond(http.StatusGone), nil
			}
			return respond(http.StatusCreated), nil
		},
	}

	wp.notifyOffline(ctx, offline("dev-301"))

	subs, err := s.ListPushSubscriptions(ctx, "user-c")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://example.com/live", subs[0].Endpoint)
}
