package config

import "time"

// BrowserConfig configures the headless Chrome instance driving WhatsApp Web.
type BrowserConfig struct {
	Bin               string   `yaml:"bin"` // empty = rod-managed Chromium
	Headless          bool     `yaml:"headless"`
	URL               string   `yaml:"url"`
	UserAgent         string   `yaml:"user_agent"`
	PollInterval      string   `yaml:"poll_interval"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
	DestroyTimeout    string   `yaml:"destroy_timeout"`
	SendTimeout       string   `yaml:"send_timeout"`
	ExtraFlags        []string `yaml:"extra_flags"`
}

func (c BrowserConfig) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, time.Second)
}

func (c BrowserConfig) GetNavigationTimeout() time.Duration {
	return parseDuration(c.NavigationTimeout, 60*time.Second)
}

func (c BrowserConfig) GetDestroyTimeout() time.Duration {
	return parseDuration(c.DestroyTimeout, 10*time.Second)
}

func (c BrowserConfig) GetSendTimeout() time.Duration {
	return parseDuration(c.SendTimeout, 90*time.Second)
}
