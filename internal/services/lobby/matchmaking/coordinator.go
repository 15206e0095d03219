// Package matchmaking implements the lobby state machine: it owns every
// transition between Pending, Available, BattleRequested and BoardSetup and
// decides which connections hear about each change.
//
// The coordinator is the single mutual-exclusion boundary for matchmaking.
// Every operation takes the coordinator lock, validates against a consistent
// registry snapshot, applies all record mutations, and queues its
// notifications before releasing it, so no client ever observes a
// half-applied pairing. Delivery happens after the lock is released: a peer
// that has stopped reading can stall its own writes but never another
// transition.
package matchmaking

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jamlabs/aircraft/internal/platform/errors"
	"github.com/jamlabs/aircraft/internal/services/lobby/domain"
	"github.com/jamlabs/aircraft/internal/services/lobby/registry"
	"github.com/jamlabs/aircraft/internal/services/lobby/storage"
	"github.com/jamlabs/aircraft/internal/services/lobby/username"
)

// Coordinator drives matchmaking over a session registry and reports every
// committed transition through a Notifier. An optional BattleEventStore
// receives an audit record per handshake outcome; append failures are logged
// and never block a transition.
type Coordinator struct {
	mu        sync.Mutex
	registry  *registry.Registry
	notifier  Notifier
	battleLog storage.BattleEventStore
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a coordinator. battleLog may be nil to disable the audit log.
func New(reg *registry.Registry, notifier Notifier, battleLog storage.BattleEventStore) *Coordinator {
	return &Coordinator{
		registry:  reg,
		notifier:  notifier,
		battleLog: battleLog,
		tracer:    otel.Tracer("aircraft/lobby/matchmaking"),
		now:       time.Now,
	}
}

// Registry exposes the underlying session registry for read-side endpoints.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

type delivery struct {
	connID    string
	broadcast bool
	event     Event
}

// outbox collects the notifications and audit records a transition decides
// on while the state lock is held. Nothing in it is written until the lock
// is released.
type outbox struct {
	deliveries []delivery
	logEvents  []storage.BattleEvent
}

func (o *outbox) sendTo(connID string, event Event) {
	o.deliveries = append(o.deliveries, delivery{connID: connID, event: event})
}

func (o *outbox) broadcastExcept(connID string, event Event) {
	o.deliveries = append(o.deliveries, delivery{connID: connID, broadcast: true, event: event})
}

// flush writes the queued notifications and audit records after the state
// lock is released. The transport's per-peer write mutex keeps frames on
// one connection in queue order.
func (c *Coordinator) flush(ctx context.Context, o *outbox) {
	if c.notifier != nil {
		for _, d := range o.deliveries {
			if d.broadcast {
				c.notifier.BroadcastExcept(d.connID, d.event)
			} else {
				c.notifier.SendTo(d.connID, d.event)
			}
		}
	}
	for _, event := range o.logEvents {
		if err := c.battleLog.AppendBattleEvent(ctx, event); err != nil {
			log.Printf("lobby: append battle event %s: %v", event.Kind, err)
		}
	}
}

// Connect registers a new connection. A non-blank display name is validated
// for canonical uniqueness before the record is created; a blank one leaves
// the record Pending and unnamed until the first profile update. On success
// the caller receives connect_success plus the Available roster, and everyone
// else receives the refreshed roster.
func (c *Coordinator) Connect(ctx context.Context, connID, displayName, locale string) (domain.User, error) {
	ctx, span := c.tracer.Start(ctx, "lobby.connect")
	defer span.End()

	o := &outbox{}
	c.mu.Lock()
	user, err := c.connectLocked(o, connID, displayName, locale)
	c.mu.Unlock()
	c.flush(ctx, o)
	return user, err
}

func (c *Coordinator) connectLocked(o *outbox, connID, displayName, locale string) (domain.User, error) {
	if c.registry.AtCapacity() {
		return domain.User{}, errors.New(errors.CodeCapacityExceeded, "lobby is at capacity")
	}

	initial := domain.Update{}
	if locale != "" {
		initial.Locale = domain.StringPtr(locale)
	}
	if name := strings.TrimSpace(displayName); name != "" {
		slug := username.Slug(name)
		if slug == "" {
			return domain.User{}, errors.WithMetadata(errors.CodeNameInvalid, "display name has no canonical form", map[string]string{"Name": name})
		}
		if c.registry.IsNameTaken(slug) {
			return domain.User{}, errors.WithMetadata(errors.CodeNameTaken, "display name is already taken", map[string]string{"Name": name})
		}
		initial.DisplayName = domain.StringPtr(name)
	}

	user, err := c.registry.Insert(connID, initial)
	if err != nil {
		return domain.User{}, err
	}

	o.sendTo(connID, Event{Name: MessageConnectSuccess, Payload: viewOf(user)})
	roster := rosterView(c.registry.List(), domain.StatusAvailable)
	o.sendTo(connID, Event{Name: MessageAvailableList, Payload: roster})
	o.broadcastExcept(connID, Event{Name: MessageAvailableList, Payload: roster})
	return user, nil
}

// UpdateProfile applies a partial profile update to an existing record.
// Display name changes are validated against every other record's canonical
// name; status changes through this path may only move the record between
// Pending and Available, and only while it is unpaired. Battle transitions go
// through the dedicated operations.
func (c *Coordinator) UpdateProfile(ctx context.Context, connID string, update domain.Update) (domain.User, error) {
	ctx, span := c.tracer.Start(ctx, "lobby.update_profile")
	defer span.End()

	o := &outbox{}
	c.mu.Lock()
	user, err := c.updateProfileLocked(o, connID, update)
	c.mu.Unlock()
	c.flush(ctx, o)
	return user, err
}

func (c *Coordinator) updateProfileLocked(o *outbox, connID string, update domain.Update) (domain.User, error) {
	current, ok := c.registry.Get(connID)
	if !ok {
		return domain.User{}, errors.WithMetadata(errors.CodeNotFound, "connection id is not registered", map[string]string{"ID": connID})
	}

	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		slug := username.Slug(name)
		if slug == "" {
			return domain.User{}, errors.WithMetadata(errors.CodeNameInvalid, "display name has no canonical form", map[string]string{"Name": name})
		}
		if slug != current.Slug && c.registry.IsNameTaken(slug) {
			return domain.User{}, errors.WithMetadata(errors.CodeNameTaken, "display name is already taken", map[string]string{"Name": name})
		}
		update.DisplayName = domain.StringPtr(name)
	}

	if update.Status != nil {
		switch *update.Status {
		case domain.StatusPending, domain.StatusAvailable:
			if current.Paired() {
				return domain.User{}, errors.New(errors.CodeInvalidArgument, "cannot change status while negotiating a battle")
			}
		default:
			return domain.User{}, errors.New(errors.CodeInvalidArgument, "profile updates may only set status to pending or available")
		}
	}
	update.OpponentID = nil

	user, err := c.registry.Update(connID, update)
	if err != nil {
		return domain.User{}, err
	}

	roster := rosterView(c.registry.List(), domain.StatusAvailable)
	o.sendTo(connID, Event{Name: MessageAvailableList, Payload: roster})
	o.broadcastExcept(connID, Event{Name: MessageAvailableList, Payload: roster})
	return user, nil
}

// RequestBattle pairs challenger and opponent and moves both to
// BattleRequested. The request is dropped without effect or feedback unless
// both records exist, are distinct, and are Available; a challenge that
// races a disconnect or another challenge simply dissolves into the next
// roster broadcast the stale side already received.
func (c *Coordinator) RequestBattle(ctx context.Context, challengerID, opponentID string) {
	ctx, span := c.tracer.Start(ctx, "lobby.request_battle")
	defer span.End()

	o := &outbox{}
	c.mu.Lock()
	c.requestBattleLocked(o, challengerID, opponentID)
	c.mu.Unlock()
	c.flush(ctx, o)
}

func (c *Coordinator) requestBattleLocked(o *outbox, challengerID, opponentID string) {
	challenger, ok := c.registry.Get(challengerID)
	if !ok {
		return
	}
	opponent, ok := c.registry.Get(opponentID)
	if !ok || challengerID == opponentID {
		return
	}
	if challenger.Status != domain.StatusAvailable || opponent.Status != domain.StatusAvailable {
		log.Printf("lobby: dropping stale battle request from %s to %s", challengerID, opponentID)
		return
	}

	challenger = c.mustUpdate(challengerID, domain.Update{
		Status:     domain.StatusPtr(domain.StatusBattleRequested),
		OpponentID: domain.StringPtr(opponentID),
	})
	opponent = c.mustUpdate(opponentID, domain.Update{
		Status:     domain.StatusPtr(domain.StatusBattleRequested),
		OpponentID: domain.StringPtr(challengerID),
	})

	o.sendTo(opponentID, Event{Name: MessageBattleRequest, Payload: ChallengeNotice{
		Message:  challengeMessage(opponent.Locale, challenger.DisplayName),
		Opponent: viewOf(challenger),
	}})
	c.queueRoster(o, challengerID)
	c.queueBattleEvent(o, storage.BattleEventRequested, challenger, opponent)
}

// CancelBattle withdraws a pending challenge. Both sides are reset to
// Available with their pairing cleared; the reset is unconditional and
// idempotent, so a cancel that races the counterpart's disconnect or an
// already-dissolved pairing still leaves the initiator consistent. The
// counterpart, when present, is told via battle_request_cancel.
func (c *Coordinator) CancelBattle(ctx context.Context, initiatorID, counterpartID string) {
	ctx, span := c.tracer.Start(ctx, "lobby.cancel_battle")
	defer span.End()

	o := &outbox{}
	c.mu.Lock()
	c.cancelBattleLocked(o, initiatorID, counterpartID)
	c.mu.Unlock()
	c.flush(ctx, o)
}

func (c *Coordinator) cancelBattleLocked(o *outbox, initiatorID, counterpartID string) {
	initiator, initiatorPresent := c.registry.Get(initiatorID)
	_, counterpartPresent := c.registry.Get(counterpartID)
	if !initiatorPresent && !counterpartPresent {
		return
	}
	wasPaired := initiator.Paired()

	if initiatorPresent {
		initiator = c.mustUpdate(initiatorID, resetUpdate())
	}
	if counterpart, ok := c.registry.Get(counterpartID); ok && counterpartID != initiatorID {
		counterpart = c.mustUpdate(counterpartID, resetUpdate())
		o.sendTo(counterpartID, Event{Name: MessageBattleRequestCancel, Payload: Notice{
			Message: cancelMessage(counterpart.Locale, initiator.DisplayName),
		}})
		if wasPaired {
			c.queueBattleEvent(o, storage.BattleEventCanceled, initiator, counterpart)
		}
	}

	c.queueRoster(o, initiatorID)
}

// AcceptBattle completes the handshake: both records move to BoardSetup with
// their pairing intact and the challenger is told via battle_accepted. If the
// challenger vanished before the accept arrived, the accept degrades into an
// implicit cancel that resets the accepter to Available.
func (c *Coordinator) AcceptBattle(ctx context.Context, accepterID, challengerID string) {
	ctx, span := c.tracer.Start(ctx, "lobby.accept_battle")
	defer span.End()

	o := &outbox{}
	c.mu.Lock()
	c.acceptBattleLocked(o, accepterID, challengerID)
	c.mu.Unlock()
	c.flush(ctx, o)
}

func (c *Coordinator) acceptBattleLocked(o *outbox, accepterID, challengerID string) {
	accepter, ok := c.registry.Get(accepterID)
	if !ok {
		return
	}
	challenger, ok := c.registry.Get(challengerID)
	if !ok {
		c.mustUpdate(accepterID, resetUpdate())
		c.queueRoster(o, accepterID)
		return
	}

	accepter = c.mustUpdate(accepterID, domain.Update{Status: domain.StatusPtr(domain.StatusBoardSetup)})
	challenger = c.mustUpdate(challengerID, domain.Update{Status: domain.StatusPtr(domain.StatusBoardSetup)})

	o.sendTo(challengerID, Event{Name: MessageBattleAccepted, Payload: viewOf(accepter)})
	c.queueRoster(o, accepterID)
	c.queueBattleEvent(o, storage.BattleEventAccepted, challenger, accepter)
}

// RejectBattle declines a pending challenge: both records reset to Available
// and the challenger is told via battle_rejected. A rejection whose
// challenger vanished degrades into an implicit cancel for the rejecter.
func (c *Coordinator) RejectBattle(ctx context.Context, rejecterID, challengerID string) {
	ctx, span := c.tracer.Start(ctx, "lobby.reject_battle")
	defer span.End()

	o := &outbox{}
	c.mu.Lock()
	c.rejectBattleLocked(o, rejecterID, challengerID)
	c.mu.Unlock()
	c.flush(ctx, o)
}

func (c *Coordinator) rejectBattleLocked(o *outbox, rejecterID, challengerID string) {
	rejecter, ok := c.registry.Get(rejecterID)
	if !ok {
		return
	}
	rejecter = c.mustUpdate(rejecterID, resetUpdate())

	challenger, ok := c.registry.Get(challengerID)
	if ok && challengerID != rejecterID {
		challenger = c.mustUpdate(challengerID, resetUpdate())
		o.sendTo(challengerID, Event{Name: MessageBattleRejected, Payload: Notice{
			Message: rejectMessage(challenger.Locale, rejecter.DisplayName),
		}})
		c.queueBattleEvent(o, storage.BattleEventRejected, challenger, rejecter)
	}

	c.queueRoster(o, rejecterID)
}

// Disconnect removes a connection's record. A paired opponent left behind is
// reset to Available and notified via battle_request_cancel, and the roster
// is rebroadcast to the survivors. The departed connection itself gets
// nothing; its socket is closing.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	ctx, span := c.tracer.Start(ctx, "lobby.disconnect")
	defer span.End()

	o := &outbox{}
	c.mu.Lock()
	c.disconnectLocked(o, connID)
	c.mu.Unlock()
	c.flush(ctx, o)
}

func (c *Coordinator) disconnectLocked(o *outbox, connID string) {
	user, ok := c.registry.Get(connID)
	if !ok {
		return
	}
	c.registry.Remove(connID)

	if user.Paired() {
		if opponent, ok := c.registry.Get(user.OpponentID); ok {
			opponent = c.mustUpdate(opponent.ID, resetUpdate())
			o.sendTo(opponent.ID, Event{Name: MessageBattleRequestCancel, Payload: Notice{
				Message: departureMessage(opponent.Locale, user.DisplayName),
			}})
			c.queueBattleEvent(o, storage.BattleEventForfeited, user, opponent)
		}
	}

	roster := rosterView(c.registry.List(), domain.StatusAvailable, domain.StatusBattleRequested)
	o.broadcastExcept(connID, Event{Name: MessageAvailableList, Payload: roster})
}

func resetUpdate() domain.Update {
	return domain.Update{
		Status:     domain.StatusPtr(domain.StatusAvailable),
		OpponentID: domain.StringPtr(""),
	}
}

// mustUpdate applies a partial update to a record already confirmed present
// under the coordinator lock, so the only possible failure is a programming
// error.
func (c *Coordinator) mustUpdate(connID string, update domain.Update) domain.User {
	user, err := c.registry.Update(connID, update)
	if err != nil {
		log.Printf("lobby: update %s: %v", connID, err)
	}
	return user
}

// queueRoster queues the battle-phase roster, which includes users who are
// mid-negotiation so clients can render them as busy, for the origin and
// for everyone else.
func (c *Coordinator) queueRoster(o *outbox, originID string) {
	roster := rosterView(c.registry.List(), domain.StatusAvailable, domain.StatusBattleRequested)
	event := Event{Name: MessageAvailableList, Payload: roster}
	o.sendTo(originID, event)
	o.broadcastExcept(originID, event)
}

func (c *Coordinator) queueBattleEvent(o *outbox, kind string, challenger, opponent domain.User) {
	if c.battleLog == nil {
		return
	}
	o.logEvents = append(o.logEvents, storage.BattleEvent{
		Kind:           kind,
		ChallengerID:   challenger.ID,
		ChallengerName: challenger.DisplayName,
		OpponentID:     opponent.ID,
		OpponentName:   opponent.DisplayName,
		OccurredAt:     c.now(),
	})
}
