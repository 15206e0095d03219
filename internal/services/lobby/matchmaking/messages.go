package matchmaking

import (
	"fmt"
	"strings"
)

const localePTBR = "pt-BR"

func displayNameOrFallback(name string, locale string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	if locale == localePTBR {
		return "Um jogador"
	}
	return "A player"
}

func challengeMessage(locale string, challengerName string) string {
	name := displayNameOrFallback(challengerName, locale)
	if locale == localePTBR {
		return fmt.Sprintf("%s desafiou você para uma batalha!", name)
	}
	return fmt.Sprintf("%s challenges you for a battle!", name)
}

func cancelMessage(locale string, initiatorName string) string {
	name := displayNameOrFallback(initiatorName, locale)
	if locale == localePTBR {
		return fmt.Sprintf("%s não quer mais uma batalha com você.", name)
	}
	return fmt.Sprintf("%s doesn't want a battle with you anymore.", name)
}

func rejectMessage(locale string, rejecterName string) string {
	name := displayNameOrFallback(rejecterName, locale)
	if locale == localePTBR {
		return fmt.Sprintf("%s recusou seu pedido.", name)
	}
	return fmt.Sprintf("%s has rejected your request.", name)
}

func departureMessage(locale string, departedName string) string {
	name := displayNameOrFallback(departedName, locale)
	if locale == localePTBR {
		return fmt.Sprintf("%s saiu do lobby.", name)
	}
	return fmt.Sprintf("%s has left the lobby.", name)
}
