package notify_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/SirClappington/cronq/internal/notify"
)

func TestLocalNotifyWakesWaiter(t *testing.T) {
	n := notify.NewLocal()
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		ok, _ := n.Wait(ctx, "orders", 5*time.Second)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	if err := n.Notify(ctx, "orders"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("waiter timed out instead of being notified")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never returned")
	}
}

func TestLocalNotificationsCoalesce(t *testing.T) {
	n := notify.NewLocal()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = n.Notify(ctx, "orders")
	}
	if ok, _ := n.Wait(ctx, "orders", 10*time.Millisecond); !ok {
		t.Fatal("expected pending notification")
	}
	if ok, _ := n.Wait(ctx, "orders", 10*time.Millisecond); ok {
		t.Fatal("expected notifications to coalesce into one")
	}
}

func TestLocalQueuesAreIndependent(t *testing.T) {
	n := notify.NewLocal()
	ctx := context.Background()
	_ = n.Notify(ctx, "email")
	if ok, _ := n.Wait(ctx, "orders", 10*time.Millisecond); ok {
		t.Fatal("notification leaked across queues")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, n := range map[string]notify.Notifier{"local": notify.NewLocal(), "nop": notify.Nop{}} {
		if _, err := n.Wait(ctx, "orders", time.Minute); !errors.Is(err, context.Canceled) {
			t.Errorf("%s: expected context.Canceled, got %v", name, err)
		}
	}
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("CRONQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CRONQ_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	n, err := notify.DialRedis(ctx, addr, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer n.Close()

	queue := "test-" + time.Now().Format("150405.000000")
	if err := n.Notify(ctx, queue); err != nil {
		t.Fatalf("notify: %v", err)
	}
	ok, err := n.Wait(ctx, queue, time.Second)
	if err != nil || !ok {
		t.Fatalf("wait = %v, %v", ok, err)
	}
	ok, err = n.Wait(ctx, queue, time.Second)
	if err != nil || ok {
		t.Fatalf("second wait = %v, %v; want timeout", ok, err)
	}
}
