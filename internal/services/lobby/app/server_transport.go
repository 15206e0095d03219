package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/text/language"

	"github.com/jamlabs/aircraft/internal/platform/errors/i18n"
	"github.com/jamlabs/aircraft/internal/platform/id"
	"github.com/jamlabs/aircraft/internal/services/lobby/domain"
	"github.com/jamlabs/aircraft/internal/services/lobby/matchmaking"
)

type userChangePayload struct {
	Username *string `json:"username"`
	Status   *string `json:"status"`
}

type opponentPayload struct {
	OpponentID string `json:"opponent_id"`
}

var localeMatcher = language.NewMatcher(supportedLocaleTags())

func supportedLocaleTags() []language.Tag {
	locales := i18n.Locales()
	tags := make([]language.Tag, 0, len(locales))
	for _, locale := range locales {
		tags = append(tags, language.Make(locale))
	}
	return tags
}

// negotiateLocale picks a supported locale for the connection. An explicit
// lang query parameter wins over the Accept-Language header; anything
// unrecognized falls back to the base locale.
func negotiateLocale(r *http.Request) string {
	if r == nil {
		return i18n.DefaultLocale
	}
	if lang := strings.TrimSpace(r.URL.Query().Get("lang")); lang != "" {
		if tag, err := language.Parse(lang); err == nil {
			if _, index, conf := localeMatcher.Match(tag); conf > language.No {
				return i18n.Locales()[index]
			}
		}
	}
	if header := strings.TrimSpace(r.Header.Get("Accept-Language")); header != "" {
		if tags, _, err := language.ParseAcceptLanguage(header); err == nil && len(tags) > 0 {
			if _, index, conf := localeMatcher.Match(tags...); conf > language.No {
				return i18n.Locales()[index]
			}
		}
	}
	return i18n.DefaultLocale
}

func handleWSConn(conn *websocket.Conn, coordinator *matchmaking.Coordinator, hub *peerHub) {
	defer func() {
		_ = conn.Close()
	}()

	connID, err := id.NewID()
	if err != nil {
		log.Printf("lobby: generate connection id: %v", err)
		return
	}

	peer := newWSPeer(conn)
	displayName := ""
	locale := i18n.DefaultLocale
	ctx := context.Background()
	if request := conn.Request(); request != nil {
		displayName = strings.TrimSpace(request.URL.Query().Get("username"))
		locale = negotiateLocale(request)
		ctx = request.Context()
	}

	// The peer must be routable before Connect commits, so the roster
	// frames Connect emits to the new connection are not dropped.
	hub.add(connID, peer)
	defer hub.remove(connID)

	if _, err := coordinator.Connect(ctx, connID, displayName, locale); err != nil {
		writeWSDomainError(peer, "", locale, err)
		return
	}
	// Background context: the request context is already torn down by the
	// time the deferred disconnect runs.
	defer coordinator.Disconnect(context.Background(), connID)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	decoder := json.NewDecoder(conn)
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case matchmaking.MessageUserChange:
			handleUserChangeFrame(ctx, coordinator, peer, connID, locale, frame)
		case matchmaking.MessageBattleRequest:
			if opponentID, ok := decodeOpponentFrame(peer, frame); ok {
				coordinator.RequestBattle(ctx, connID, opponentID)
			}
		case matchmaking.MessageBattleRequestCancel:
			if opponentID, ok := decodeOpponentFrame(peer, frame); ok {
				coordinator.CancelBattle(ctx, connID, opponentID)
			}
		case matchmaking.MessageBattleAccepted:
			if opponentID, ok := decodeOpponentFrame(peer, frame); ok {
				coordinator.AcceptBattle(ctx, connID, opponentID)
			}
		case matchmaking.MessageBattleRejected:
			if opponentID, ok := decodeOpponentFrame(peer, frame); ok {
				coordinator.RejectBattle(ctx, connID, opponentID)
			}
		default:
			writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleUserChangeFrame(ctx context.Context, coordinator *matchmaking.Coordinator, peer *wsPeer, connID string, locale string, frame wsFrame) {
	var payload userChangePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid user_change payload")
		return
	}

	update := domain.Update{DisplayName: payload.Username}
	if payload.Status != nil {
		status, ok := domain.StatusFromWire(*payload.Status)
		if !ok {
			writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unknown status value")
			return
		}
		update.Status = domain.StatusPtr(status)
	}

	user, err := coordinator.UpdateProfile(ctx, connID, update)
	if err != nil {
		writeWSDomainError(peer, frame.RequestID, locale, err)
		return
	}

	view := matchmaking.UserView{ID: user.ID, Username: user.DisplayName, Status: user.Status.String()}
	if err := peer.writeFrame(wsFrame{
		Type:      matchmaking.MessageUserChange,
		RequestID: frame.RequestID,
		Payload:   mustJSON(view),
	}); err != nil {
		log.Printf("lobby: ack user_change for %s: %v", connID, err)
	}
}

func decodeOpponentFrame(peer *wsPeer, frame wsFrame) (string, bool) {
	var payload opponentPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid battle payload")
		return "", false
	}
	opponentID := strings.TrimSpace(payload.OpponentID)
	if opponentID == "" {
		writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "opponent_id is required")
		return "", false
	}
	return opponentID, true
}
