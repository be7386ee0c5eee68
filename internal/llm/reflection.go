// Short in-character reflections produced after prayer and other
// moments of leisure.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReflectionContext describes the moment being reflected on.
type ReflectionContext struct {
	Username string
	Name     string
	Place    string
	Ledger   json.RawMessage
}

// PrayerReflection asks the citizen to voice a private prayer.
// Returns an error when the client is disabled (callers treat it as a no-op).
func PrayerReflection(ctx context.Context, client *Client, rc ReflectionContext) (string, error) {
	if !client.Enabled() {
		return "", ErrDisabled
	}
	place := rc.Place
	if place == "" {
		place = "the church"
	}
	prompt := fmt.Sprintf("You have just prayed at %s. In two or three sentences, write the private prayer you offered, "+
		"drawing on your worries and hopes. Do not mention games or simulations.", place)
	return client.Chat(ctx, rc.Name, prompt, rc.Ledger)
}

// RumorLine asks the citizen to phrase a rumor for the marketplace.
func RumorLine(ctx context.Context, client *Client, speaker, target, gist string) (string, error) {
	if !client.Enabled() {
		return "", ErrDisabled
	}
	prompt := fmt.Sprintf("You are in a busy marketplace. In one sentence, whisper this rumor about %s to a passerby: %s", target, gist)
	return client.Chat(ctx, speaker, prompt, nil)
}
