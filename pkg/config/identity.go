package config

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/genesis-bot/genesis/pkg/prompt"
)

// defaultNames is the pool a fresh bot picks its name from.
var defaultNames = []string{
	"Atlas", "Nova", "Echo", "Sage", "Oracle",
	"Nimbus", "Zenith", "Cipher", "Aether", "Prism",
}

const defaultPersonality = "I am a helpful, friendly AI assistant. I aim to be clear, concise, and accurate in my responses. I enjoy helping users accomplish their goals and learning new things along the way."

const identityFile = "bot.json"

// BotIdentity returns the persona for a user, creating bot.json with a
// random name and the stock personality on first contact. A zero
// userID gets the anonymous default without touching disk.
func BotIdentity(botDataDir string, userID int64) (prompt.Identity, error) {
	if userID == 0 {
		return prompt.Identity{Name: "Genesis AI"}, nil
	}

	dir := filepath.Join(botDataDir, "users", strconv.FormatInt(userID, 10))
	path := filepath.Join(dir, identityFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		var id prompt.Identity
		if err := json.Unmarshal(raw, &id); err == nil && id.Name != "" {
			return id, nil
		}
		// A corrupt identity file is regenerated below.
	}

	id := prompt.Identity{
		Name:        defaultNames[rand.Intn(len(defaultNames))],
		Personality: defaultPersonality,
	}
	if err := SaveBotIdentity(botDataDir, userID, id); err != nil {
		return prompt.Identity{}, err
	}
	return id, nil
}

// SaveBotIdentity persists a user's persona.
func SaveBotIdentity(botDataDir string, userID int64, id prompt.Identity) error {
	dir := filepath.Join(botDataDir, "users", strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create bot data directory: %w", err)
	}
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bot identity: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, identityFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write bot identity: %w", err)
	}
	return nil
}
