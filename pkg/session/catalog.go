package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/models"
)

// Catalog resolves the configuration of a bot by id. It stands in for the
// administrative store that owns tenant records.
type Catalog interface {
	Get(ctx context.Context, id string) (*models.BotSession, error)
}

// FileCatalog reads bots from a TOML file:
//
//	[[sessions]]
//	id = "bot-1"
//	identity = "Você é a assistente da Clínica Sorriso."
//	active = true
//	end_date = 2030-12-31T23:59:59Z
//
//	[sessions.credentials]
//	openai_api_key = "sk-..."
//
//	[sessions.settings]
//	max_messages_per_minute = 15
//
// Settings left out of the file take the engine defaults.
type FileCatalog struct {
	path string

	mu   sync.RWMutex
	bots map[string]models.BotSession
}

type catalogFile struct {
	Sessions []toml.Primitive `toml:"sessions"`
}

// NewFileCatalog loads path
func NewFileCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file. The previous contents are kept on error.
func (c *FileCatalog) Reload() error {
	var doc catalogFile
	md, err := toml.DecodeFile(c.path, &doc)
	if err != nil {
		return fmt.Errorf("failed to read session catalog %s: %w", c.path, err)
	}

	bots := make(map[string]models.BotSession, len(doc.Sessions))
	for i, prim := range doc.Sessions {
		bot := models.BotSession{Settings: DefaultSettings()}
		if err := md.PrimitiveDecode(prim, &bot); err != nil {
			return fmt.Errorf("failed to decode session #%d: %w", i+1, err)
		}
		if bot.ID == "" {
			return fmt.Errorf("session #%d has no id", i+1)
		}
		if _, dup := bots[bot.ID]; dup {
			return fmt.Errorf("session %s is defined twice", bot.ID)
		}
		bots[bot.ID] = bot
	}

	c.mu.Lock()
	c.bots = bots
	c.mu.Unlock()
	return nil
}

func (c *FileCatalog) Get(ctx context.Context, id string) (*models.BotSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bot, ok := c.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &bot, nil
}

// IDs lists the configured bot ids
func (c *FileCatalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.bots))
	for id := range c.bots {
		ids = append(ids, id)
	}
	return ids
}

// DefaultSettings are the settings of a bot that configures nothing
func DefaultSettings() models.Settings {
	return models.Settings{
		PreventGroupResponses: true,
		MaxResponseLength:     constants.DefaultMaxResponseLength,
		TypingIndicator:       true,
		TypingDuration:        constants.DefaultTypingDurationSeconds,
		TypingVariance:        0.3,
		MinResponseDelay:      constants.DefaultMinResponseDelaySeconds,
		MaxResponseDelay:      constants.DefaultMaxResponseDelaySeconds,
		HumanLikeMistakes:     0.05,
		ReactionProbability:   0.02,
		HumanControlTimeout:   constants.DefaultHumanControlTimeoutMinutes,
		MaxMessagesPerHour:    constants.DefaultMaxMessagesPerHour,
		MaxMessagesPerMinute:  constants.DefaultMaxMessagesPerMinute,
		CacheReuseProbability: constants.DefaultCacheReuseProbability,
	}
}
