package config

import (
	"errors"
	"fmt"
	"sort"
)

// ErrChannelNotFound is returned by channel lookups and mutations.
var ErrChannelNotFound = errors.New("channel not found")

// ListChannels returns the registered channels sorted by id.
func (c *Config) ListChannels() []ChannelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChannelEntry, len(c.Channels))
	copy(out, c.Channels)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddChannel registers a channel. Duplicate ids are rejected.
func (c *Config) AddChannel(entry ChannelEntry) error {
	if entry.ID == "" {
		return errors.New("channel id required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.Channels {
		if ch.ID == entry.ID {
			return fmt.Errorf("channel %q already exists", entry.ID)
		}
	}
	c.Channels = append(c.Channels, entry)
	return nil
}

// RemoveChannel deletes a channel by id.
func (c *Config) RemoveChannel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.Channels {
		if ch.ID == id {
			c.Channels = append(c.Channels[:i], c.Channels[i+1:]...)
			return nil
		}
	}
	return ErrChannelNotFound
}

// SetChannelEnabled toggles a channel by id.
func (c *Config) SetChannelEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Channels {
		if c.Channels[i].ID == id {
			c.Channels[i].Enabled = enabled
			return nil
		}
	}
	return ErrChannelNotFound
}

// ChannelEnabled reports whether a channel exists and is enabled.
// Unregistered channels are treated as enabled so ad-hoc CLI channels work
// without prior setup.
func (c *Config) ChannelEnabled(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch.Enabled
		}
	}
	return true
}
