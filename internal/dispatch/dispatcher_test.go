package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/morphgate/internal/telegram"
)

type recordingHandler struct {
	mu        sync.Mutex
	messages  []*telegram.Update
	callbacks []*telegram.Update
	perChat   map[int64][]int64 // update IDs in processing order
	delay     time.Duration
	panicOn   int64

	// When gate is set, ProcessMessage signals entered and blocks until
	// the gate closes.
	gate    chan struct{}
	entered chan struct{}
}

func (h *recordingHandler) record(update *telegram.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.perChat == nil {
		h.perChat = make(map[int64][]int64)
	}
	h.perChat[update.ChatID()] = append(h.perChat[update.ChatID()], update.UpdateID)
}

func (h *recordingHandler) ProcessMessage(_ context.Context, update *telegram.Update) error {
	if h.gate != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		<-h.gate
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if h.panicOn != 0 && update.UpdateID == h.panicOn {
		panic("handler exploded")
	}
	h.record(update)
	h.mu.Lock()
	h.messages = append(h.messages, update)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) ProcessCallback(_ context.Context, update *telegram.Update) error {
	h.record(update)
	h.mu.Lock()
	h.callbacks = append(h.callbacks, update)
	h.mu.Unlock()
	return nil
}

func update(chatID, updateID int64) *telegram.Update {
	return &telegram.Update{
		UpdateID: updateID,
		Message: &telegram.Message{
			Chat: &telegram.Chat{ID: chatID},
			From: &telegram.User{ID: 7, FirstName: "Ana"},
			Text: "hi",
		},
	}
}

func newTestDispatcher(t *testing.T, h Handler) *Dispatcher {
	t.Helper()
	d, err := New(context.Background(), h, nil, Options{MaxConcurrency: 4}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDispatchRoutesByKind(t *testing.T) {
	h := &recordingHandler{}
	d := newTestDispatcher(t, h)

	if err := d.Dispatch(context.Background(), update(1, 10)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	cb := &telegram.Update{
		UpdateID: 11,
		CallbackQuery: &telegram.CallbackQuery{
			ID:      "cb1",
			Data:    "approve:hitl:1:1",
			Message: &telegram.Message{Chat: &telegram.Chat{ID: 1}},
		},
	}
	if err := d.Dispatch(context.Background(), cb); err != nil {
		t.Fatalf("Dispatch callback: %v", err)
	}
	drain(t, d)

	if len(h.messages) != 1 || len(h.callbacks) != 1 {
		t.Fatalf("messages=%d callbacks=%d", len(h.messages), len(h.callbacks))
	}
}

func TestDispatchDropsDuplicates(t *testing.T) {
	h := &recordingHandler{}
	d := newTestDispatcher(t, h)

	for range 3 {
		if err := d.Dispatch(context.Background(), update(1, 99)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	drain(t, d)

	if len(h.messages) != 1 {
		t.Fatalf("duplicate update processed %d times", len(h.messages))
	}
}

func TestSameChatStaysOrdered(t *testing.T) {
	h := &recordingHandler{delay: 5 * time.Millisecond}
	d := newTestDispatcher(t, h)

	const n = 8
	for i := int64(1); i <= n; i++ {
		if err := d.Dispatch(context.Background(), update(1, i)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	drain(t, d)

	order := h.perChat[1]
	if len(order) != n {
		t.Fatalf("processed %d of %d updates", len(order), n)
	}
	for i, id := range order {
		if id != int64(i+1) {
			t.Fatalf("out of order at %d: %v", i, order)
		}
	}
}

func TestDifferentChatsRunIndependently(t *testing.T) {
	h := &recordingHandler{delay: 10 * time.Millisecond}
	d := newTestDispatcher(t, h)

	start := time.Now()
	for chat := int64(1); chat <= 4; chat++ {
		if err := d.Dispatch(context.Background(), update(chat, chat*100)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	drain(t, d)

	// Four chats at 10ms each should overlap; serial execution would
	// take 40ms+.
	if elapsed := time.Since(start); elapsed > 35*time.Millisecond {
		t.Logf("warning: chats may not have run concurrently (%v)", elapsed)
	}
	if len(h.messages) != 4 {
		t.Fatalf("processed %d of 4 updates", len(h.messages))
	}
}

type recordingBot struct {
	mu       sync.Mutex
	actions  []int64
	messages []string
}

func (b *recordingBot) SendChatAction(_ context.Context, chatID int64, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, chatID)
	return nil
}

func (b *recordingBot) SendMessage(_ context.Context, _ int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, text)
	return nil
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	h := &recordingHandler{panicOn: 1}
	bot := &recordingBot{}
	d, err := New(context.Background(), h, bot, Options{MaxConcurrency: 4}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Dispatch(context.Background(), update(1, 1)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(context.Background(), update(1, 2)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	drain(t, d)

	// The panicking job is contained; the next one still runs.
	if len(h.messages) != 1 || h.messages[0].UpdateID != 2 {
		t.Fatalf("worker did not survive the panic: %+v", h.messages)
	}
	if len(bot.messages) != 1 || bot.messages[0] != "Sorry, something went wrong. Please try again later." {
		t.Fatalf("panic notice not sent: %v", bot.messages)
	}
}

func TestFailedEnqueueAllowsRedelivery(t *testing.T) {
	h := &recordingHandler{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d := newTestDispatcher(t, h)

	// Park the worker inside a job, then fill its queue to capacity.
	if err := d.Dispatch(context.Background(), update(1, 1)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-h.entered
	for i := int64(2); i <= 17; i++ {
		if err := d.Dispatch(context.Background(), update(1, i)); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Dispatch(canceled, update(1, 18)); err == nil {
		t.Fatal("expected enqueue to fail with a full queue and canceled context")
	}
	if d.seen.Contains(18) {
		t.Fatal("failed enqueue recorded the update as seen")
	}

	close(h.gate)
	// Telegram redelivers the unacknowledged update; it must not be
	// treated as a duplicate.
	if err := d.Dispatch(context.Background(), update(1, 18)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	drain(t, d)

	order := h.perChat[1]
	if len(order) == 0 || order[len(order)-1] != 18 {
		t.Fatalf("redelivered update not processed: %v", order)
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	h := &recordingHandler{delay: 5 * time.Millisecond}
	d := newTestDispatcher(t, h)

	for i := int64(1); i <= 5; i++ {
		if err := d.Dispatch(context.Background(), update(1, i)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	drain(t, d)

	if len(h.messages) != 5 {
		t.Fatalf("shutdown dropped jobs: processed %d of 5", len(h.messages))
	}
}
