package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging struct {
		Level   string `yaml:"level"`
		Pretty  bool   `yaml:"pretty"`
		Service string `yaml:"service"`
	} `yaml:"logging"`
	Server struct {
		Addr                 string `yaml:"addr"`
		CORSOrigin           string `yaml:"cors_origin"`
		ReadTimeoutSeconds   int    `yaml:"read_timeout_seconds"`
		IdleTimeoutSeconds   int    `yaml:"idle_timeout_seconds"`
		ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds"`
	} `yaml:"server"`
	Book struct {
		Depth           int `yaml:"depth"`
		MaxDepth        int `yaml:"max_depth"`
		SubscriberQueue int `yaml:"subscriber_queue"`
	} `yaml:"book"`
	Simulator struct {
		Enabled    bool     `yaml:"enabled"`
		IntervalMs int      `yaml:"interval_ms"`
		SeedOrders int      `yaml:"seed_orders"`
		Symbols    []string `yaml:"symbols"`
		Sources    []string `yaml:"sources"`
	} `yaml:"simulator"`
	Feeds []Feed `yaml:"feeds"`
	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Symbols []string `yaml:"symbols"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled    bool     `yaml:"enabled"`
		Addr       string   `yaml:"addr"`
		Password   string   `yaml:"password"`
		DB         int      `yaml:"db"`
		TTLSeconds int      `yaml:"ttl_seconds"`
		Symbols    []string `yaml:"symbols"`
	} `yaml:"redis"`
}

// Feed is an upstream WebSocket source of wire events.
type Feed struct {
	Source string `yaml:"source"`
	URL    string `yaml:"url"`
}

func defaultConfig() Config {
	var c Config
	c.Logging.Level = "info"
	c.Logging.Pretty = false
	c.Logging.Service = "consolidated-book"
	c.Server.Addr = "127.0.0.1:3000"
	c.Server.CORSOrigin = "*"
	c.Server.ReadTimeoutSeconds = 5
	c.Server.IdleTimeoutSeconds = 60
	c.Server.ShutdownGraceSeconds = 5
	c.Book.Depth = 5
	c.Book.MaxDepth = 50
	c.Book.SubscriberQueue = 16
	c.Simulator.Enabled = true
	c.Simulator.IntervalMs = 500
	c.Simulator.SeedOrders = 5
	c.Simulator.Symbols = []string{"AAPL", "MSFT", "AMZN", "GOOGL", "FB"}
	c.Simulator.Sources = []string{"NYSE", "NASDAQ", "IEX", "ARCA", "BATS"}
	c.Kafka.Enabled = false
	c.Kafka.Topic = "book.snapshots"
	c.Redis.Enabled = false
	c.Redis.Addr = "127.0.0.1:6379"
	c.Redis.TTLSeconds = 120
	return c
}

// Load layers the YAML file named by BOOK_CONFIG and then environment
// overrides over the defaults. The returned Config is always usable; the error
// only reports a config file that could not be read or parsed.
func Load() (Config, error) {
	c := defaultConfig()
	var fileErr error
	if path := os.Getenv("BOOK_CONFIG"); path != "" {
		if b, err := os.ReadFile(path); err != nil {
			fileErr = fmt.Errorf("read config %s: %w", path, err)
		} else if err := yaml.Unmarshal(b, &c); err != nil {
			fileErr = fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if v := os.Getenv("BOOK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BOOK_LOG_PRETTY"); v != "" {
		c.Logging.Pretty = truthy(v)
	}
	if v := os.Getenv("BOOK_SERVICE_NAME"); v != "" {
		c.Logging.Service = v
	}
	if v := os.Getenv("BOOK_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	// PORT wins over the configured port, keeping the configured host.
	if p := os.Getenv("PORT"); p != "" {
		c.Server.Addr = withPort(c.Server.Addr, p)
	} else if p := os.Getenv("APP_PORT"); p != "" {
		c.Server.Addr = withPort(c.Server.Addr, p)
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		c.Server.CORSOrigin = v
	}
	if v := os.Getenv("BOOK_DEPTH"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Book.Depth = n
		}
	}
	if v := os.Getenv("BOOK_MAX_DEPTH"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Book.MaxDepth = n
		}
	}
	// The pushed depth is always servable as a snapshot.
	if c.Book.MaxDepth < c.Book.Depth {
		c.Book.MaxDepth = c.Book.Depth
	}
	if v := os.Getenv("BOOK_SUBSCRIBER_QUEUE"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Book.SubscriberQueue = n
		}
	}
	if v := os.Getenv("BOOK_SIMULATOR"); v != "" {
		c.Simulator.Enabled = truthy(v)
	}
	if v := os.Getenv("BOOK_SIMULATOR_INTERVAL_MS"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Simulator.IntervalMs = n
		}
	}
	if v := os.Getenv("BOOK_SYMBOLS"); v != "" {
		c.Simulator.Symbols = splitCSV(v)
	}
	if v := os.Getenv("BOOK_FEEDS"); v != "" {
		c.Feeds = parseFeeds(v)
	}
	if v := os.Getenv("BOOK_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitCSV(v)
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("BOOK_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("BOOK_KAFKA_SYMBOLS"); v != "" {
		c.Kafka.Symbols = splitCSV(v)
	}
	if len(c.Kafka.Symbols) == 0 {
		c.Kafka.Symbols = c.Simulator.Symbols
	}
	if v := os.Getenv("BOOK_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("BOOK_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("BOOK_REDIS_TTL_SECONDS"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Redis.TTLSeconds = n
		}
	}
	if len(c.Redis.Symbols) == 0 {
		c.Redis.Symbols = c.Simulator.Symbols
	}
	return c, fileErr
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func withPort(addr, port string) string {
	host := "127.0.0.1"
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	return host + ":" + port
}

// parseFeeds reads SOURCE=url pairs separated by commas.
func parseFeeds(v string) []Feed {
	var out []Feed
	for _, item := range splitCSV(v) {
		source, url, ok := strings.Cut(item, "=")
		if !ok || source == "" || url == "" {
			continue
		}
		out = append(out, Feed{Source: strings.TrimSpace(source), URL: strings.TrimSpace(url)})
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
