package matchmaking

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jamlabs/aircraft/internal/platform/errors"
	"github.com/jamlabs/aircraft/internal/services/lobby/domain"
	"github.com/jamlabs/aircraft/internal/services/lobby/registry"
	"github.com/jamlabs/aircraft/internal/services/lobby/storage"
)

type sentEvent struct {
	connID string
	event  Event
}

type broadcastEvent struct {
	exceptID string
	event    Event
}

type fakeNotifier struct {
	mu         sync.Mutex
	sent       []sentEvent
	broadcasts []broadcastEvent
}

func (f *fakeNotifier) SendTo(connID string, event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{connID: connID, event: event})
}

func (f *fakeNotifier) BroadcastExcept(connID string, event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastEvent{exceptID: connID, event: event})
}

func (f *fakeNotifier) eventsFor(connID, name string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []Event
	for _, s := range f.sent {
		if s.connID == connID && s.event.Name == name {
			events = append(events, s.event)
		}
	}
	return events
}

func (f *fakeNotifier) lastBroadcast(name string) (broadcastEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.broadcasts) - 1; i >= 0; i-- {
		if f.broadcasts[i].event.Name == name {
			return f.broadcasts[i], true
		}
	}
	return broadcastEvent{}, false
}

func (f *fakeNotifier) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
	f.broadcasts = nil
}

type fakeBattleLog struct {
	mu     sync.Mutex
	events []storage.BattleEvent
}

func (f *fakeBattleLog) AppendBattleEvent(_ context.Context, event storage.BattleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeBattleLog) ListBattleEvents(_ context.Context, limit int) ([]storage.BattleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]storage.BattleEvent, len(f.events))
	copy(events, f.events)
	return events, nil
}

func newTestCoordinator(limit int) (*Coordinator, *fakeNotifier, *fakeBattleLog) {
	notifier := &fakeNotifier{}
	battleLog := &fakeBattleLog{}
	coordinator := New(registry.New(limit, nil), notifier, battleLog)
	return coordinator, notifier, battleLog
}

func connectAvailable(t *testing.T, coordinator *Coordinator, connID, name string) domain.User {
	t.Helper()
	ctx := context.Background()
	if _, err := coordinator.Connect(ctx, connID, name, ""); err != nil {
		t.Fatalf("connect %s: %v", connID, err)
	}
	user, err := coordinator.UpdateProfile(ctx, connID, domain.Update{
		Status: domain.StatusPtr(domain.StatusAvailable),
	})
	if err != nil {
		t.Fatalf("make %s available: %v", connID, err)
	}
	return user
}

func mustGet(t *testing.T, coordinator *Coordinator, connID string) domain.User {
	t.Helper()
	user, ok := coordinator.Registry().Get(connID)
	if !ok {
		t.Fatalf("user %s not registered", connID)
	}
	return user
}

func TestConnectRegistersPendingUser(t *testing.T) {
	t.Parallel()

	coordinator, notifier, _ := newTestCoordinator(2)
	user, err := coordinator.Connect(context.Background(), "conn-1", "Ada Lovelace", "en-US")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if user.Status != domain.StatusPending {
		t.Fatalf("status = %v, want pending", user.Status)
	}
	if user.Slug != "ada-lovelace" {
		t.Fatalf("slug = %q, want %q", user.Slug, "ada-lovelace")
	}
	if user.Locale != "en-US" {
		t.Fatalf("locale = %q, want en-US", user.Locale)
	}

	success := notifier.eventsFor("conn-1", MessageConnectSuccess)
	if len(success) != 1 {
		t.Fatalf("connect_success events = %d, want 1", len(success))
	}
	view, ok := success[0].Payload.(UserView)
	if !ok {
		t.Fatalf("connect_success payload = %T, want UserView", success[0].Payload)
	}
	if view.Username != "Ada Lovelace" || view.Status != "pending" {
		t.Fatalf("connect_success view = %+v", view)
	}

	rosters := notifier.eventsFor("conn-1", MessageAvailableList)
	if len(rosters) != 1 {
		t.Fatalf("available_list events to self = %d, want 1", len(rosters))
	}
	if roster := rosters[0].Payload.([]UserView); len(roster) != 0 {
		t.Fatalf("pending user leaked into roster: %+v", roster)
	}
}

func TestConnectAllowsBlankNameUntilFirstUpdate(t *testing.T) {
	t.Parallel()

	coordinator, _, _ := newTestCoordinator(2)
	user, err := coordinator.Connect(context.Background(), "conn-1", "", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if user.DisplayName != "" || user.Slug != "" {
		t.Fatalf("unnamed user = %+v, want blank name and slug", user)
	}
}

func TestConnectRejectsTakenAndInvalidNames(t *testing.T) {
	t.Parallel()

	coordinator, _, _ := newTestCoordinator(3)
	ctx := context.Background()
	if _, err := coordinator.Connect(ctx, "conn-1", "Ada", ""); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	if _, err := coordinator.Connect(ctx, "conn-2", "ADA", ""); !errors.IsCode(err, errors.CodeNameTaken) {
		t.Fatalf("err = %v, want NAME_TAKEN for canonical collision", err)
	}
	if _, err := coordinator.Connect(ctx, "conn-3", "!!! ???", ""); !errors.IsCode(err, errors.CodeNameInvalid) {
		t.Fatalf("err = %v, want NAME_INVALID for empty canonical form", err)
	}
	if count := coordinator.Registry().Count(); count != 1 {
		t.Fatalf("count = %d, want rejected connects to leave no record", count)
	}
}

func TestConnectRejectsAtCapacity(t *testing.T) {
	t.Parallel()

	coordinator, _, _ := newTestCoordinator(2)
	ctx := context.Background()
	if _, err := coordinator.Connect(ctx, "conn-1", "Ada", ""); err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	if _, err := coordinator.Connect(ctx, "conn-2", "Lin", ""); err != nil {
		t.Fatalf("connect 2: %v", err)
	}
	if _, err := coordinator.Connect(ctx, "conn-3", "Eve", ""); !errors.IsCode(err, errors.CodeCapacityExceeded) {
		t.Fatalf("err = %v, want RESOURCE_EXHAUSTED at capacity", err)
	}
}

func TestUpdateProfileValidatesNamesAndStatus(t *testing.T) {
	t.Parallel()

	coordinator, _, _ := newTestCoordinator(3)
	ctx := context.Background()
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")

	if _, err := coordinator.UpdateProfile(ctx, "ghost", domain.Update{}); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND for unknown connection", err)
	}
	if _, err := coordinator.UpdateProfile(ctx, "conn-1", domain.Update{
		DisplayName: domain.StringPtr("LIN"),
	}); !errors.IsCode(err, errors.CodeNameTaken) {
		t.Fatalf("err = %v, want NAME_TAKEN for another user's name", err)
	}

	// Renaming to a different casing of your own name is not a collision.
	user, err := coordinator.UpdateProfile(ctx, "conn-1", domain.Update{
		DisplayName: domain.StringPtr("ADA"),
	})
	if err != nil {
		t.Fatalf("rename to own canonical name: %v", err)
	}
	if user.DisplayName != "ADA" || user.Slug != "ada" {
		t.Fatalf("renamed user = %+v", user)
	}

	if _, err := coordinator.UpdateProfile(ctx, "conn-1", domain.Update{
		Status: domain.StatusPtr(domain.StatusBoardSetup),
	}); !errors.IsCode(err, errors.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT for battle status via profile", err)
	}
}

func TestRequestBattlePairsBothUsers(t *testing.T) {
	t.Parallel()

	coordinator, notifier, battleLog := newTestCoordinator(2)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	notifier.reset()

	coordinator.RequestBattle(context.Background(), "conn-1", "conn-2")

	challenger := mustGet(t, coordinator, "conn-1")
	opponent := mustGet(t, coordinator, "conn-2")
	if challenger.Status != domain.StatusBattleRequested || challenger.OpponentID != "conn-2" {
		t.Fatalf("challenger = %+v", challenger)
	}
	if opponent.Status != domain.StatusBattleRequested || opponent.OpponentID != "conn-1" {
		t.Fatalf("opponent = %+v", opponent)
	}

	requests := notifier.eventsFor("conn-2", MessageBattleRequest)
	if len(requests) != 1 {
		t.Fatalf("battle_request events = %d, want 1", len(requests))
	}
	notice := requests[0].Payload.(ChallengeNotice)
	if notice.Opponent.ID != "conn-1" || notice.Opponent.Username != "Ada" {
		t.Fatalf("challenge names %+v, want the challenger", notice.Opponent)
	}
	if !strings.Contains(notice.Message, "Ada") {
		t.Fatalf("message = %q, want it to name the challenger", notice.Message)
	}

	// Mid-negotiation users stay visible so clients can render them as busy.
	broadcast, ok := notifier.lastBroadcast(MessageAvailableList)
	if !ok {
		t.Fatal("no roster broadcast after pairing")
	}
	if roster := broadcast.event.Payload.([]UserView); len(roster) != 2 {
		t.Fatalf("roster = %+v, want both negotiating users", roster)
	}

	events, _ := battleLog.ListBattleEvents(context.Background(), 10)
	if len(events) != 1 || events[0].Kind != storage.BattleEventRequested {
		t.Fatalf("battle log = %+v, want one requested event", events)
	}
}

func TestRequestBattleDropsStaleRequestsSilently(t *testing.T) {
	t.Parallel()

	coordinator, notifier, _ := newTestCoordinator(3)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	connectAvailable(t, coordinator, "conn-3", "Eve")
	coordinator.RequestBattle(context.Background(), "conn-1", "conn-2")
	notifier.reset()

	// Eve's challenge raced Ada's pairing with Lin.
	coordinator.RequestBattle(context.Background(), "conn-3", "conn-1")

	if user := mustGet(t, coordinator, "conn-3"); user.Status != domain.StatusAvailable || user.Paired() {
		t.Fatalf("stale challenger mutated: %+v", user)
	}
	if user := mustGet(t, coordinator, "conn-1"); user.OpponentID != "conn-2" {
		t.Fatalf("existing pairing disturbed: %+v", user)
	}
	if len(notifier.sent) != 0 || len(notifier.broadcasts) != 0 {
		t.Fatalf("stale request produced notifications: sent=%d broadcast=%d", len(notifier.sent), len(notifier.broadcasts))
	}

	// Missing targets and self-challenges are dropped the same way.
	coordinator.RequestBattle(context.Background(), "conn-3", "ghost")
	coordinator.RequestBattle(context.Background(), "conn-3", "conn-3")
	if user := mustGet(t, coordinator, "conn-3"); user.Status != domain.StatusAvailable {
		t.Fatalf("dropped requests mutated challenger: %+v", user)
	}
}

func TestAcceptBattleMovesBothToBoardSetup(t *testing.T) {
	t.Parallel()

	coordinator, notifier, battleLog := newTestCoordinator(2)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	coordinator.RequestBattle(context.Background(), "conn-1", "conn-2")
	notifier.reset()

	coordinator.AcceptBattle(context.Background(), "conn-2", "conn-1")

	challenger := mustGet(t, coordinator, "conn-1")
	accepter := mustGet(t, coordinator, "conn-2")
	if challenger.Status != domain.StatusBoardSetup || challenger.OpponentID != "conn-2" {
		t.Fatalf("challenger = %+v", challenger)
	}
	if accepter.Status != domain.StatusBoardSetup || accepter.OpponentID != "conn-1" {
		t.Fatalf("accepter = %+v", accepter)
	}

	accepted := notifier.eventsFor("conn-1", MessageBattleAccepted)
	if len(accepted) != 1 {
		t.Fatalf("battle_accepted events = %d, want 1", len(accepted))
	}
	if view := accepted[0].Payload.(UserView); view.ID != "conn-2" {
		t.Fatalf("battle_accepted view = %+v, want the accepter", view)
	}

	// Board-setup users drop out of the battle-phase roster.
	broadcast, ok := notifier.lastBroadcast(MessageAvailableList)
	if !ok {
		t.Fatal("no roster broadcast after accept")
	}
	if roster := broadcast.event.Payload.([]UserView); len(roster) != 0 {
		t.Fatalf("roster = %+v, want empty after handoff", roster)
	}

	events, _ := battleLog.ListBattleEvents(context.Background(), 10)
	if len(events) != 2 || events[1].Kind != storage.BattleEventAccepted {
		t.Fatalf("battle log = %+v, want requested then accepted", events)
	}
}

func TestAcceptBattleWithMissingChallengerResetsAccepter(t *testing.T) {
	t.Parallel()

	coordinator, notifier, _ := newTestCoordinator(2)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	coordinator.RequestBattle(context.Background(), "conn-1", "conn-2")
	coordinator.Registry().Remove("conn-1")
	notifier.reset()

	coordinator.AcceptBattle(context.Background(), "conn-2", "conn-1")

	accepter := mustGet(t, coordinator, "conn-2")
	if accepter.Status != domain.StatusAvailable || accepter.Paired() {
		t.Fatalf("accepter = %+v, want reset to available", accepter)
	}
	if accepted := notifier.eventsFor("conn-1", MessageBattleAccepted); len(accepted) != 0 {
		t.Fatalf("battle_accepted sent to a missing challenger: %+v", accepted)
	}
}

func TestRejectBattleResetsBothAndNotifiesChallenger(t *testing.T) {
	t.Parallel()

	coordinator, notifier, battleLog := newTestCoordinator(2)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	coordinator.RequestBattle(context.Background(), "conn-1", "conn-2")
	notifier.reset()

	coordinator.RejectBattle(context.Background(), "conn-2", "conn-1")

	for _, connID := range []string{"conn-1", "conn-2"} {
		if user := mustGet(t, coordinator, connID); user.Status != domain.StatusAvailable || user.Paired() {
			t.Fatalf("user %s = %+v, want reset to available", connID, user)
		}
	}

	rejected := notifier.eventsFor("conn-1", MessageBattleRejected)
	if len(rejected) != 1 {
		t.Fatalf("battle_rejected events = %d, want 1", len(rejected))
	}
	if notice := rejected[0].Payload.(Notice); !strings.Contains(notice.Message, "Lin") {
		t.Fatalf("message = %q, want it to name the rejecter", notice.Message)
	}

	events, _ := battleLog.ListBattleEvents(context.Background(), 10)
	if len(events) != 2 || events[1].Kind != storage.BattleEventRejected {
		t.Fatalf("battle log = %+v, want requested then rejected", events)
	}
}

func TestCancelBattleIsIdempotent(t *testing.T) {
	t.Parallel()

	coordinator, notifier, _ := newTestCoordinator(2)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	coordinator.RequestBattle(context.Background(), "conn-1", "conn-2")
	notifier.reset()

	coordinator.CancelBattle(context.Background(), "conn-1", "conn-2")
	coordinator.CancelBattle(context.Background(), "conn-1", "conn-2")

	for _, connID := range []string{"conn-1", "conn-2"} {
		if user := mustGet(t, coordinator, connID); user.Status != domain.StatusAvailable || user.Paired() {
			t.Fatalf("user %s = %+v, want reset to available", connID, user)
		}
	}

	canceled := notifier.eventsFor("conn-2", MessageBattleRequestCancel)
	if len(canceled) != 2 {
		t.Fatalf("battle_request_cancel events = %d, want one per cancel", len(canceled))
	}
	if notice := canceled[0].Payload.(Notice); !strings.Contains(notice.Message, "Ada") {
		t.Fatalf("message = %q, want it to name the initiator", notice.Message)
	}
}

func TestDisconnectResetsPairedOpponent(t *testing.T) {
	t.Parallel()

	coordinator, notifier, battleLog := newTestCoordinator(2)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	coordinator.RequestBattle(context.Background(), "conn-1", "conn-2")
	notifier.reset()

	coordinator.Disconnect(context.Background(), "conn-1")

	if coordinator.Registry().Exists("conn-1") {
		t.Fatal("disconnected record still registered")
	}
	survivor := mustGet(t, coordinator, "conn-2")
	if survivor.Status != domain.StatusAvailable || survivor.Paired() {
		t.Fatalf("survivor = %+v, want reset to available", survivor)
	}

	canceled := notifier.eventsFor("conn-2", MessageBattleRequestCancel)
	if len(canceled) != 1 {
		t.Fatalf("battle_request_cancel events = %d, want 1", len(canceled))
	}
	if notice := canceled[0].Payload.(Notice); !strings.Contains(notice.Message, "Ada") {
		t.Fatalf("message = %q, want it to name the departed user", notice.Message)
	}

	events, _ := battleLog.ListBattleEvents(context.Background(), 10)
	if len(events) != 2 || events[1].Kind != storage.BattleEventForfeited {
		t.Fatalf("battle log = %+v, want requested then forfeited", events)
	}

	// Disconnecting an unknown connection is a no-op.
	coordinator.Disconnect(context.Background(), "ghost")
}

// blockingNotifier stalls its first delivery until released, standing in
// for a websocket peer that has stopped reading.
type blockingNotifier struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingNotifier() *blockingNotifier {
	return &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingNotifier) stall() {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
}

func (b *blockingNotifier) SendTo(string, Event)          { b.stall() }
func (b *blockingNotifier) BroadcastExcept(string, Event) { b.stall() }

func TestStalledDeliveryDoesNotBlockOtherOperations(t *testing.T) {
	t.Parallel()

	notifier := newBlockingNotifier()
	coordinator := New(registry.New(2, nil), notifier, nil)
	ctx := context.Background()

	connected := make(chan struct{})
	go func() {
		defer close(connected)
		if _, err := coordinator.Connect(ctx, "conn-1", "Ada", ""); err != nil {
			t.Errorf("connect: %v", err)
		}
	}()

	select {
	case <-notifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	// The transition commits before its notifications go out.
	if !coordinator.Registry().Exists("conn-1") {
		t.Fatal("record not committed before delivery")
	}

	// One peer that cannot be written to must not hold up unrelated work.
	done := make(chan struct{})
	go func() {
		coordinator.Disconnect(ctx, "ghost")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect blocked behind a stalled delivery")
	}

	close(notifier.release)
	<-connected
}

func TestDisconnectBroadcastsRosterToSurvivorsOnly(t *testing.T) {
	t.Parallel()

	coordinator, notifier, _ := newTestCoordinator(3)
	connectAvailable(t, coordinator, "conn-1", "Ada")
	connectAvailable(t, coordinator, "conn-2", "Lin")
	notifier.reset()

	coordinator.Disconnect(context.Background(), "conn-1")

	if direct := notifier.eventsFor("conn-1", MessageAvailableList); len(direct) != 0 {
		t.Fatalf("roster sent directly to the departed connection: %+v", direct)
	}
	broadcast, ok := notifier.lastBroadcast(MessageAvailableList)
	if !ok {
		t.Fatal("no roster broadcast after disconnect")
	}
	if broadcast.exceptID != "conn-1" {
		t.Fatalf("broadcast excluded %q, want the departed connection", broadcast.exceptID)
	}
	if roster := broadcast.event.Payload.([]UserView); len(roster) != 1 || roster[0].ID != "conn-2" {
		t.Fatalf("roster = %+v, want the survivor only", roster)
	}
}

func TestChallengeMessagesFollowOpponentLocale(t *testing.T) {
	t.Parallel()

	coordinator, notifier, _ := newTestCoordinator(2)
	ctx := context.Background()
	if _, err := coordinator.Connect(ctx, "conn-1", "Ada", "en-US"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := coordinator.Connect(ctx, "conn-2", "Lin", "pt-BR"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, connID := range []string{"conn-1", "conn-2"} {
		if _, err := coordinator.UpdateProfile(ctx, connID, domain.Update{
			Status: domain.StatusPtr(domain.StatusAvailable),
		}); err != nil {
			t.Fatalf("make %s available: %v", connID, err)
		}
	}
	notifier.reset()

	coordinator.RequestBattle(ctx, "conn-1", "conn-2")

	requests := notifier.eventsFor("conn-2", MessageBattleRequest)
	if len(requests) != 1 {
		t.Fatalf("battle_request events = %d, want 1", len(requests))
	}
	notice := requests[0].Payload.(ChallengeNotice)
	if !strings.Contains(notice.Message, "desafiou") {
		t.Fatalf("message = %q, want the recipient's locale", notice.Message)
	}
}
