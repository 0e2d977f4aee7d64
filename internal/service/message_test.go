package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/capitalize-ai/messaging-core/internal/delivery"
	"github.com/capitalize-ai/messaging-core/internal/journal"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/registry"
	"github.com/capitalize-ai/messaging-core/internal/registry/registrytest"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/internal/store/memory"
	"github.com/capitalize-ai/messaging-core/internal/summary"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

var errInjected = errors.New("injected failure")

// faultyStore fails selected calls. afterCreate runs once the message
// row exists and before the pipeline continues.
type faultyStore struct {
	store.Store
	createMessage error
	recountUnread error
	createStatus  error
	afterCreate   func()
}

func (f *faultyStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	if f.createMessage != nil {
		return f.createMessage
	}
	if err := f.Store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if hook := f.afterCreate; hook != nil {
		f.afterCreate = nil
		hook()
	}
	return nil
}

func (f *faultyStore) RecountUnread(ctx context.Context, conversationID, userID string) error {
	if f.recountUnread != nil {
		return f.recountUnread
	}
	return f.Store.RecountUnread(ctx, conversationID, userID)
}

func (f *faultyStore) CreateStatus(ctx context.Context, st *model.MessageStatus) error {
	if f.createStatus != nil {
		return f.createStatus
	}
	return f.Store.CreateStatus(ctx, st)
}

// journalRecorder is a journal backend that keeps published records.
type journalRecorder struct {
	mu   sync.Mutex
	recs []journal.Record
}

func (r *journalRecorder) Name() string { return "test" }

func (r *journalRecorder) Publish(_ context.Context, rec journal.Record) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

func (r *journalRecorder) Subscribe(context.Context, journal.Handler) error { return nil }
func (r *journalRecorder) Ready() error                                     { return nil }
func (r *journalRecorder) Close() error                                     { return nil }

func (r *journalRecorder) degraded() []journal.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []journal.Record
	for _, rec := range r.recs {
		if rec.Kind == journal.KindSummaryDegraded {
			out = append(out, rec)
		}
	}
	return out
}

type harness struct {
	mem        *memory.Store
	faults     *faultyStore
	reg        *registry.Registry
	journal    *journalRecorder
	pipeline   *MessagePipeline
	convs      *ConversationService
	reconciler *Reconciler

	alice *registrytest.Recorder
	bob   *registrytest.Recorder
	conv  *model.Conversation
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	mem := memory.New()
	mem.PutUser(model.User{ID: "alice", Username: "alice", FullName: "Alice A."})
	faults := &faultyStore{Store: mem}
	reg := registry.New()
	rec := &journalRecorder{}
	j := journal.New(rec, log)

	maintainer := summary.NewMaintainer(faults, log)
	machine := delivery.NewMachine(faults, maintainer)

	h := &harness{
		mem:        mem,
		faults:     faults,
		reg:        reg,
		journal:    rec,
		pipeline:   NewMessagePipeline(faults, reg, machine, maintainer, j, log),
		convs:      NewConversationService(faults, maintainer, log),
		reconciler: NewReconciler(faults, machine, maintainer, log),
		alice:      registrytest.NewRecorder("c-alice", "alice"),
		bob:        registrytest.NewRecorder("c-bob", "bob"),
	}
	conv, _, err := h.convs.GetOrCreate(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	h.conv = conv
	return h
}

func (h *harness) send(t *testing.T, body string) *model.MessageView {
	t.Helper()
	view, err := h.pipeline.Send(context.Background(), h.alice, "ref-"+body, model.SendMessageRequest{
		ConversationID: h.conv.ID,
		ReceiverID:     "bob",
		Body:           body,
	})
	if err != nil {
		t.Fatalf("Send(%q): %v", body, err)
	}
	return view
}

func (h *harness) status(t *testing.T, messageID string) model.DeliveryStatus {
	t.Helper()
	st, err := h.mem.GetStatus(context.Background(), messageID, "bob")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	return st.Status
}

func (h *harness) unread(t *testing.T, userID string) int {
	t.Helper()
	p, err := h.mem.GetParticipant(context.Background(), h.conv.ID, userID)
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	return p.UnreadCount
}

func equalNames(got []model.EventName, want ...model.EventName) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSendBothConnected(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	h.reg.Register(h.bob)

	view := h.send(t, "hi")

	if names := h.alice.Names(); !equalNames(names, model.EventMessageSent, model.EventMessageDelivered) {
		t.Fatalf("sender events = %v, want [message:sent message:delivered]", names)
	}
	if names := h.bob.Names(); !equalNames(names, model.EventMessageReceive) {
		t.Fatalf("receiver events = %v, want [message:receive]", names)
	}

	// The status is delivered by the time the ack goes out.
	ack := h.alice.Events()[0]
	if ack.Ref != "ref-hi" {
		t.Fatalf("ack ref = %q", ack.Ref)
	}
	if got := ack.Data.(*model.MessageView).Status; got != model.StatusDelivered {
		t.Fatalf("ack status = %s, want delivered", got)
	}
	if got := h.status(t, view.ID); got != model.StatusDelivered {
		t.Fatalf("stored status = %s, want delivered", got)
	}

	recv := h.bob.Events()[0].Data.(*model.MessageView)
	if recv.Body != "hi" || recv.Sender == nil || recv.Sender.FullName != "Alice A." {
		t.Fatalf("receive payload = %+v", recv)
	}
	delivered := h.alice.Events()[1].Data.(model.DeliveredEvent)
	if delivered.MessageID != view.ID || delivered.DeliveredAt.IsZero() {
		t.Fatalf("delivered payload = %+v", delivered)
	}
}

func TestSendReceiverOffline(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)

	view := h.send(t, "hi")

	if names := h.alice.Names(); !equalNames(names, model.EventMessageSent) {
		t.Fatalf("sender events = %v, want [message:sent]", names)
	}
	if got := h.status(t, view.ID); got != model.StatusSent {
		t.Fatalf("status = %s, want sent", got)
	}
	if got := h.unread(t, "bob"); got != 1 {
		t.Fatalf("bob unread = %d, want 1", got)
	}
}

func TestReadRelaysOnceAndClearsUnread(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	view := h.send(t, "hi")
	h.alice.Reset()

	ctx := context.Background()
	out, err := h.pipeline.Read(ctx, "bob", view.ID, h.conv.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out.Changed) != 1 {
		t.Fatalf("Read changed %d statuses, want 1", len(out.Changed))
	}
	reads := h.alice.Named(model.EventMessageRead)
	if len(reads) != 1 {
		t.Fatalf("sender got %d message:read, want 1", len(reads))
	}
	ev := reads[0].Data.(model.ReadEvent)
	if ev.MessageID != view.ID || ev.ReadBy != "bob" || ev.ReadAt.IsZero() {
		t.Fatalf("read relay = %+v", ev)
	}
	if got := h.unread(t, "bob"); got != 0 {
		t.Fatalf("bob unread = %d, want 0", got)
	}
	if got := h.status(t, view.ID); got != model.StatusRead {
		t.Fatalf("status = %s, want read", got)
	}

	// Duplicate report.
	if _, err := h.pipeline.Read(ctx, "bob", view.ID, h.conv.ID); err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if n := len(h.alice.Named(model.EventMessageRead)); n != 1 {
		t.Fatalf("duplicate read relayed again, got %d relays", n)
	}
	if got := h.unread(t, "bob"); got != 0 {
		t.Fatalf("bob unread after duplicate = %d", got)
	}
}

func TestReadByNonReceiverRejected(t *testing.T) {
	h := newHarness(t)
	view := h.send(t, "hi")
	_, err := h.pipeline.Read(context.Background(), "alice", view.ID, h.conv.ID)
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("Read by sender = %v, want validation error", err)
	}
	if got := h.status(t, view.ID); got != model.StatusSent {
		t.Fatalf("status = %s after rejected read", got)
	}
}

func TestRapidSendsKeepOrder(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)

	first := h.send(t, "one")
	second := h.send(t, "two")

	if first.ID == second.ID || first.ID >= second.ID {
		t.Fatalf("message ids %s, %s not distinct and increasing", first.ID, second.ID)
	}
	conv, _ := h.mem.GetConversation(context.Background(), h.conv.ID)
	if conv.LastMessageID != second.ID || !conv.LastMessageAt.Equal(second.CreatedAt) {
		t.Fatalf("last message = %s, want %s", conv.LastMessageID, second.ID)
	}
	if got := h.unread(t, "bob"); got != 2 {
		t.Fatalf("bob unread = %d, want 2", got)
	}

	hist, err := h.convs.History(context.Background(), "bob", h.conv.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.Messages) != 2 || hist.Messages[0].Body != "one" || hist.Messages[1].Body != "two" {
		t.Fatalf("history = %+v", hist.Messages)
	}
}

func TestStatusNeverRegressesThroughPipeline(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.bob)
	view := h.send(t, "hi")
	ctx := context.Background()

	if _, err := h.pipeline.Read(ctx, "bob", view.ID, h.conv.ID); err != nil {
		t.Fatal(err)
	}
	machine := delivery.NewMachine(h.mem, summary.NewMaintainer(h.mem, logger.NewNop()))
	if _, changed, err := machine.Deliver(ctx, view.ID, "bob"); err != nil || changed {
		t.Fatalf("Deliver after read = %v, %v", changed, err)
	}
	if got := h.status(t, view.ID); got != model.StatusRead {
		t.Fatalf("status = %s, want read", got)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	h.reg.Register(h.bob)
	other, _, err := h.convs.GetOrCreate(context.Background(), "carol", "dave")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  model.SendMessageRequest
		want model.ErrorKind
	}{
		{"unknown conversation", model.SendMessageRequest{ConversationID: "nope", ReceiverID: "bob", Body: "x"}, model.KindNotFound},
		{"receiver outside conversation", model.SendMessageRequest{ConversationID: h.conv.ID, ReceiverID: "carol", Body: "x"}, model.KindValidation},
		{"sender outside conversation", model.SendMessageRequest{ConversationID: other.ID, ReceiverID: "dave", Body: "x"}, model.KindValidation},
		{"empty body", model.SendMessageRequest{ConversationID: h.conv.ID, ReceiverID: "bob"}, model.KindValidation},
		{"image without media", model.SendMessageRequest{ConversationID: h.conv.ID, ReceiverID: "bob", Type: model.MessageTypeImage}, model.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.Send(context.Background(), h.alice, "", tt.req)
			if got := model.KindOf(err); got != tt.want {
				t.Fatalf("Send error kind = %s (%v), want %s", got, err, tt.want)
			}
		})
	}

	_, err = h.pipeline.Send(context.Background(), nil, "", model.SendMessageRequest{
		ConversationID: h.conv.ID, ReceiverID: "bob", Body: "x",
	})
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("Send without sender = %v, want validation", err)
	}

	if n := len(h.alice.Events()) + len(h.bob.Events()); n != 0 {
		t.Fatalf("rejected sends pushed %d events", n)
	}
	if got := h.unread(t, "bob"); got != 0 {
		t.Fatalf("rejected sends changed unread to %d", got)
	}
}

func TestSendPersistFailureLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	h.reg.Register(h.bob)
	h.faults.createMessage = errInjected

	_, err := h.pipeline.Send(context.Background(), h.alice, "r1", model.SendMessageRequest{
		ConversationID: h.conv.ID, ReceiverID: "bob", Body: "hi",
	})
	if model.KindOf(err) != model.KindPersistence {
		t.Fatalf("Send = %v, want persistence error", err)
	}
	if model.PublicMessage(err) == errInjected.Error() {
		t.Fatal("storage failure detail leaked to client message")
	}
	if n := len(h.bob.Events()); n != 0 {
		t.Fatalf("receiver got %d events", n)
	}
	if got := h.unread(t, "bob"); got != 0 {
		t.Fatalf("unread = %d, want 0", got)
	}
	conv, _ := h.mem.GetConversation(context.Background(), h.conv.ID)
	if conv.LastMessageID != "" {
		t.Fatal("last message set although nothing was stored")
	}
}

func TestSummaryFailureIsDegradedAndReconciled(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	h.faults.recountUnread = errInjected

	view := h.send(t, "hi")
	if names := h.alice.Names(); !equalNames(names, model.EventMessageSent) {
		t.Fatalf("sender events = %v", names)
	}
	if got := h.unread(t, "bob"); got != 0 {
		t.Fatalf("unread = %d, want stale 0", got)
	}

	degraded := h.journal.degraded()
	if len(degraded) != 1 || degraded[0].Step != journal.StepSummary || degraded[0].MessageID != view.ID {
		t.Fatalf("degraded records = %+v", degraded)
	}

	h.faults.recountUnread = nil
	if err := h.reconciler.Handle(context.Background(), degraded[0]); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.unread(t, "bob"); got != 1 {
		t.Fatalf("unread after reconcile = %d, want 1", got)
	}
}

func TestReadBetweenInsertAndSummaryKeepsUnreadExact(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	ctx := context.Background()
	first := h.send(t, "one")

	// bob reads the first message while the second one is stored but
	// not yet summarized.
	h.faults.afterCreate = func() {
		if _, err := h.pipeline.Read(ctx, "bob", first.ID, h.conv.ID); err != nil {
			t.Errorf("Read during send: %v", err)
		}
	}
	second := h.send(t, "two")

	ids, err := h.mem.UnreadMessageIDs(ctx, h.conv.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != second.ID {
		t.Fatalf("unread messages = %v, want [%s]", ids, second.ID)
	}
	if got := h.unread(t, "bob"); got != len(ids) {
		t.Fatalf("bob unread = %d, want %d", got, len(ids))
	}

	// A reconcile racing the same window converges on the same value.
	if err := h.reconciler.Handle(ctx, journal.NewRecord(journal.KindSummaryDegraded, h.conv.ID, second.ID)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.unread(t, "bob"); got != 1 {
		t.Fatalf("bob unread after reconcile = %d, want 1", got)
	}
}

func TestStatusFailureIsDegradedAndReconciled(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	h.reg.Register(h.bob)
	h.faults.createStatus = errInjected

	view := h.send(t, "hi")

	// The receiver still gets the message; the delivered ack cannot be
	// produced without a status row.
	if names := h.bob.Names(); !equalNames(names, model.EventMessageReceive) {
		t.Fatalf("receiver events = %v", names)
	}
	if names := h.alice.Names(); !equalNames(names, model.EventMessageSent) {
		t.Fatalf("sender events = %v", names)
	}

	var statusRec *journal.Record
	for _, rec := range h.journal.degraded() {
		if rec.Step == journal.StepStatus {
			rec := rec
			statusRec = &rec
		}
	}
	if statusRec == nil {
		t.Fatal("no degraded record for the status step")
	}

	h.faults.createStatus = nil
	if err := h.reconciler.Handle(context.Background(), *statusRec); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := h.status(t, view.ID); got != model.StatusSent {
		t.Fatalf("status after reconcile = %s, want sent", got)
	}
	if got := h.unread(t, "bob"); got != 1 {
		t.Fatalf("unread after reconcile = %d, want 1", got)
	}
}

func TestClosedReceiverIsUnreachable(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	h.reg.Register(h.bob)
	h.bob.Close()

	view := h.send(t, "hi")
	if names := h.alice.Names(); !equalNames(names, model.EventMessageSent) {
		t.Fatalf("sender events = %v, want only message:sent", names)
	}
	if got := h.status(t, view.ID); got != model.StatusSent {
		t.Fatalf("status = %s, want sent", got)
	}
}

func TestReadAllRelaysEachMessage(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.alice)
	h.send(t, "one")
	h.send(t, "two")
	h.alice.Reset()

	out, err := h.pipeline.ReadAll(context.Background(), "bob", h.conv.ID)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out.Changed) != 2 || out.Participant.UnreadCount != 0 {
		t.Fatalf("ReadAll changed=%d unread=%d", len(out.Changed), out.Participant.UnreadCount)
	}
	if n := len(h.alice.Named(model.EventMessageRead)); n != 2 {
		t.Fatalf("sender got %d message:read, want 2", n)
	}
}

func TestEditMessage(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.bob)
	view := h.send(t, "hi")
	h.bob.Reset()
	ctx := context.Background()

	if _, err := h.pipeline.Edit(ctx, "bob", view.ID, "hacked"); model.KindOf(err) != model.KindValidation {
		t.Fatalf("Edit by receiver = %v, want validation", err)
	}
	if _, err := h.pipeline.Edit(ctx, "alice", view.ID, "  "); model.KindOf(err) != model.KindValidation {
		t.Fatalf("Edit with blank body = %v, want validation", err)
	}

	msg, err := h.pipeline.Edit(ctx, "alice", view.ID, "hello")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !msg.IsEdited || msg.Body != "hello" {
		t.Fatalf("edited message = %+v", msg)
	}
	stored, _ := h.mem.GetMessage(ctx, view.ID)
	if stored.Body != "hello" || !stored.IsEdited {
		t.Fatalf("stored message = %+v", stored)
	}
	if n := len(h.bob.Named(model.EventMessageEdited)); n != 1 {
		t.Fatalf("receiver got %d message:edited, want 1", n)
	}
}

func TestDeleteMessageReconcilesSummary(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(h.bob)
	first := h.send(t, "one")
	second := h.send(t, "two")
	h.bob.Reset()
	ctx := context.Background()

	if _, err := h.pipeline.Delete(ctx, "bob", second.ID); model.KindOf(err) != model.KindValidation {
		t.Fatalf("Delete by receiver = %v, want validation", err)
	}

	if _, err := h.pipeline.Delete(ctx, "alice", second.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	conv, _ := h.mem.GetConversation(ctx, h.conv.ID)
	if conv.LastMessageID != first.ID {
		t.Fatalf("last message = %s, want %s", conv.LastMessageID, first.ID)
	}
	// Both were delivered, not read: only the remaining one counts.
	if got := h.unread(t, "bob"); got != 1 {
		t.Fatalf("bob unread = %d, want 1", got)
	}
	if n := len(h.bob.Named(model.EventMessageDeleted)); n != 1 {
		t.Fatalf("receiver got %d message:deleted, want 1", n)
	}

	if _, err := h.pipeline.Delete(ctx, "alice", second.ID); model.KindOf(err) != model.KindNotFound {
		t.Fatalf("second Delete = %v, want not found", err)
	}
	if _, err := h.pipeline.Read(ctx, "bob", second.ID, h.conv.ID); model.KindOf(err) != model.KindNotFound {
		t.Fatalf("Read of deleted message = %v, want not found", err)
	}
}
