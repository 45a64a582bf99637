package browser

import "time"

// Viewport defines the browser viewport size.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// SessionConfig configures a browser session.
type SessionConfig struct {
	SessionID         string        `json:"session_id"`
	Viewport          Viewport      `json:"viewport"`
	UserAgent         string        `json:"user_agent,omitempty"`
	Locale            string        `json:"locale,omitempty"`
	NavigationTimeout time.Duration `json:"navigation_timeout"`
}

// DefaultSessionConfig returns the recommended session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Viewport: Viewport{
			Width:  1920,
			Height: 1080,
		},
		Locale:            "en-GB",
		NavigationTimeout: 30 * time.Second,
	}
}

// Normalize fills zero fields from DefaultSessionConfig.
func (c SessionConfig) Normalize() SessionConfig {
	merged := DefaultSessionConfig()
	merged.SessionID = c.SessionID
	if c.Viewport.Width != 0 {
		merged.Viewport.Width = c.Viewport.Width
	}
	if c.Viewport.Height != 0 {
		merged.Viewport.Height = c.Viewport.Height
	}
	if c.UserAgent != "" {
		merged.UserAgent = c.UserAgent
	}
	if c.Locale != "" {
		merged.Locale = c.Locale
	}
	if c.NavigationTimeout > 0 {
		merged.NavigationTimeout = c.NavigationTimeout
	}
	return merged
}
