package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
	"strings"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                   string
		HttpPort               int      `yaml:"httpPort"`
		SslDomain              string   `yaml:"sslDomain"`
		Scheme                 string   `yaml:"scheme"`
		QueueRetryMax          int      `yaml:"queueRetryMax"`
		QueueTickSecs          int      `yaml:"queueTickSecs"`
		RateLimitPerSec        float64  `yaml:"rateLimitPerSec"`
		RateLimitBurst         int      `yaml:"rateLimitBurst"`
		InboxRateLimitPerSec   float64  `yaml:"inboxRateLimitPerSec"`
		InboxRateLimitBurst    int      `yaml:"inboxRateLimitBurst"`
		MaxBodyBytes           int64    `yaml:"maxBodyBytes"`
		SharedInboxes          bool     `yaml:"sharedInboxes"`
		DisableInboxCollection bool     `yaml:"disableInboxCollection"`
		DisableEmail           bool     `yaml:"disableEmail"`
		WebfingerDomains       []string `yaml:"webfingerDomains"`
		BlockedInstances       []string `yaml:"blockedInstances"`
	}
}

// BaseURL returns the server base URL, e.g. "https://example.com"
func (c *AppConfig) BaseURL() string {
	scheme := c.Conf.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Conf.SslDomain)
}

// IsLocalHost checks a hostname against the configured domain and its aliases
func (c *AppConfig) IsLocalHost(host string) bool {
	if host == c.Conf.SslDomain {
		return true
	}
	for _, d := range c.Conf.WebfingerDomains {
		if host == d {
			return true
		}
	}
	return false
}

// IsInstanceBlocked checks a URL against the blocked instance list
func (c *AppConfig) IsInstanceBlocked(url string) bool {
	for _, b := range c.Conf.BlockedInstances {
		if b != "" && strings.Contains(url, b) {
			return true
		}
	}
	return false
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("MAMMUT_HOST")
	envHttpPort := os.Getenv("MAMMUT_HTTPPORT")
	envSslDomain := os.Getenv("MAMMUT_SSLDOMAIN")
	envScheme := os.Getenv("MAMMUT_SCHEME")
	envRetryMax := os.Getenv("MAMMUT_QUEUE_RETRY_MAX")
	envSharedInboxes := os.Getenv("MAMMUT_SHARED_INBOXES")
	envNoCollect := os.Getenv("MAMMUT_DISABLE_INBOX_COLLECTION")
	envNoEmail := os.Getenv("MAMMUT_DISABLE_EMAIL")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envScheme != "" {
		c.Conf.Scheme = envScheme
	}

	if envRetryMax != "" {
		v, err := strconv.Atoi(envRetryMax)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.QueueRetryMax = v
	}

	if envSharedInboxes == "true" {
		c.Conf.SharedInboxes = true
	}

	if envNoCollect == "true" {
		c.Conf.DisableInboxCollection = true
	}

	if envNoEmail == "true" {
		c.Conf.DisableEmail = true
	}

	if c.Conf.QueueRetryMax == 0 {
		c.Conf.QueueRetryMax = 10
	}

	if c.Conf.QueueTickSecs == 0 {
		c.Conf.QueueTickSecs = 10
	}

	if c.Conf.RateLimitPerSec == 0 {
		c.Conf.RateLimitPerSec = 10
	}

	if c.Conf.RateLimitBurst == 0 {
		c.Conf.RateLimitBurst = 20
	}

	if c.Conf.InboxRateLimitPerSec == 0 {
		c.Conf.InboxRateLimitPerSec = 5
	}

	if c.Conf.InboxRateLimitBurst == 0 {
		c.Conf.InboxRateLimitBurst = 10
	}

	if c.Conf.MaxBodyBytes == 0 {
		c.Conf.MaxBodyBytes = 1 << 20
	}

	return c, nil
}
