package matchmaking

import (
	"sort"

	"github.com/jamlabs/aircraft/internal/services/lobby/domain"
)

// Message names exchanged with clients. The vocabulary is fixed; transports
// must not invent additional names for matchmaking traffic.
const (
	MessageConnectSuccess      = "connect_success"
	MessageUserChange          = "user_change"
	MessageAvailableList       = "available_list"
	MessageBattleRequest       = "battle_request"
	MessageBattleRequestCancel = "battle_request_cancel"
	MessageBattleAccepted      = "battle_accepted"
	MessageBattleRejected      = "battle_rejected"
)

// Event is one outbound notification: a message name from the fixed
// vocabulary plus its payload. The transport layer is responsible for
// encoding the payload onto the wire.
type Event struct {
	Name    string
	Payload any
}

// Notifier is the delivery boundary provided by the transport layer.
// Both methods are fire-and-forget: delivery failures are the transport's
// problem and never roll back a committed transition.
type Notifier interface {
	// SendTo delivers an event to a single connection.
	SendTo(connID string, event Event)
	// BroadcastExcept delivers an event to every live connection except
	// the given one.
	BroadcastExcept(connID string, event Event)
}

// UserView is the client-facing projection of a user record. Connection
// routing details and locale stay server-side.
type UserView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// ChallengeNotice is the payload of a battle_request notification.
type ChallengeNotice struct {
	Message  string   `json:"message"`
	Opponent UserView `json:"opponent"`
}

// Notice is the payload of cancellation and rejection notifications.
type Notice struct {
	Message string `json:"message"`
}

func viewOf(user domain.User) UserView {
	return UserView{
		ID:       user.ID,
		Username: user.DisplayName,
		Status:   user.Status.String(),
	}
}

// rosterView projects the records whose status is in the visible set,
// sorted by username then id so every broadcast carries a deterministic
// view regardless of registry iteration order.
func rosterView(users []domain.User, visible ...domain.Status) []UserView {
	views := make([]UserView, 0, len(users))
	for _, user := range users {
		for _, status := range visible {
			if user.Status == status {
				views = append(views, viewOf(user))
				break
			}
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Username != views[j].Username {
			return views[i].Username < views[j].Username
		}
		return views[i].ID < views[j].ID
	})
	return views
}
