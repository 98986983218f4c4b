package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/readerlink/internal/auth"
	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/danmuck/readerlink/internal/registry"
)

const (
	KindServer = "readerd"
	KindClient = "readerctl"

	ModeSync  = "sync"
	ModeAsync = "async"
)

// ServerConfig is the resolved readerd runtime configuration.
type ServerConfig struct {
	ID           string
	ListenAddr   string
	Tokens       auth.Tokens
	HistoryLimit int
	Registry     registry.Config
	Session      session.Config
	Readers      []ReaderEntry
}

// ReaderEntry declares one stub reader hosted by a plugin. Group makes the
// reader allocatable from that reader group.
type ReaderEntry struct {
	Plugin string    `toml:"plugin"`
	Name   string    `toml:"name"`
	Group  string    `toml:"group"`
	Card   CardEntry `toml:"card"`
}

// CardEntry is the card inserted at boot. Demo inserts the built-in
// record card; otherwise Script drives the responses. No AID and no
// script means the reader starts empty.
type CardEntry struct {
	Demo   bool          `toml:"demo"`
	AID    string        `toml:"aid"`
	Script []ScriptEntry `toml:"script"`
}

type ScriptEntry struct {
	Command  string `toml:"command"`
	Response string `toml:"response"`
}

func (c CardEntry) Empty() bool {
	return !c.Demo && strings.TrimSpace(c.AID) == "" && len(c.Script) == 0
}

// ClientConfig is the resolved readerctl configuration.
type ClientConfig struct {
	ServerURL    string
	Mode         string
	ClientID     string
	ServerID     string
	Token        string
	Plugin       string
	RemotePlugin string
	Reader       string
	// ReaderGroup allocates any free reader of the group instead of naming one.
	ReaderGroup    string
	ProcessingMode batch.ProcessingMode
	Channel        batch.ChannelControl
	// Single sends the one configured group as a single-group transmit.
	Single             bool
	Groups             []GroupEntry
	MaxConnectAttempts int
	Session            session.Config
}

type GroupEntry struct {
	Selector string   `toml:"selector"`
	Commands []string `toml:"commands"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ID:           "readerd",
		ListenAddr:   ":7420",
		HistoryLimit: 256,
		Registry:     registry.DefaultConfig(),
		Session:      session.DefaultConfig(),
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      "http://127.0.0.1:7420",
		Mode:           ModeSync,
		ClientID:       "readerctl",
		ServerID:       "readerd",
		Plugin:         "remote",
		RemotePlugin:   "stub",
		ProcessingMode: batch.ProcessAll,
		Channel:        batch.KeepOpen,
		Session:        session.DefaultConfig(),
	}
}

type sessionFile struct {
	ConnectTimeout     string `toml:"connect_timeout"`
	ReadTimeout        string `toml:"read_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	RequestTimeout     string `toml:"request_timeout"`
	IdleTimeout        string `toml:"idle_timeout"`
	ErrorGracePeriod   string `toml:"error_grace_period"`
	HeartbeatInterval  string `toml:"heartbeat_interval"`
	SecurityMode       string `toml:"security_mode"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	TLSMutual          bool   `toml:"tls_mutual"`
	TLSCertFile        string `toml:"tls_cert_file"`
	TLSKeyFile         string `toml:"tls_key_file"`
	TLSCAFile          string `toml:"tls_ca_file"`
	TLSServerName      string `toml:"tls_server_name"`
	InsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
}

// readerd.toml key mapping.
type serverFile struct {
	ID           string        `toml:"id"`
	Addr         string        `toml:"addr"`
	Tokens       []string      `toml:"tokens"`
	HistoryLimit int           `toml:"history_limit"`
	ReapInterval string        `toml:"reap_interval"`
	Session      sessionFile   `toml:"session"`
	Readers      []ReaderEntry `toml:"readers"`
}

// readerctl.toml key mapping.
type clientFile struct {
	ServerURL          string       `toml:"server_url"`
	Mode               string       `toml:"mode"`
	ClientID           string       `toml:"client_id"`
	ServerID           string       `toml:"server_id"`
	Token              string       `toml:"token"`
	Plugin             string       `toml:"plugin"`
	RemotePlugin       string       `toml:"remote_plugin"`
	Reader             string       `toml:"reader"`
	ReaderGroup        string       `toml:"reader_group"`
	ProcessingMode     string       `toml:"processing_mode"`
	Channel            string       `toml:"channel"`
	Single             bool         `toml:"single"`
	MaxConnectAttempts int          `toml:"max_connect_attempts"`
	Groups             []GroupEntry `toml:"groups"`
	Session            sessionFile  `toml:"session"`
}

// LoadServerConfig decodes path over DefaultServerConfig and validates the result.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load readerd config: %w", err)
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("tokens") {
		cfg.Tokens = auth.ParseTokens(strings.Join(raw.Tokens, ","))
	}
	if meta.IsDefined("history_limit") {
		cfg.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("reap_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReapInterval))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("load readerd config: parse reap_interval: %w", err)
		}
		cfg.Registry.ReapInterval = d
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return ServerConfig{}, fmt.Errorf("load readerd config: %w", err)
	}
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Registry.IdleTimeout = cfg.Session.IdleTimeout
	if meta.IsDefined("readers") {
		cfg.Readers = raw.Readers
	}

	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("load readerd config: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig decodes path over DefaultClientConfig and validates the result.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load readerctl config: %w", err)
	}

	if meta.IsDefined("server_url") {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("mode") {
		cfg.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("client_id") {
		cfg.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("server_id") {
		cfg.ServerID = strings.TrimSpace(raw.ServerID)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("plugin") {
		cfg.Plugin = strings.TrimSpace(raw.Plugin)
	}
	if meta.IsDefined("remote_plugin") {
		cfg.RemotePlugin = strings.TrimSpace(raw.RemotePlugin)
	}
	if meta.IsDefined("reader") {
		cfg.Reader = strings.TrimSpace(raw.Reader)
	}
	if meta.IsDefined("reader_group") {
		cfg.ReaderGroup = strings.TrimSpace(raw.ReaderGroup)
	}
	if meta.IsDefined("processing_mode") {
		cfg.ProcessingMode = batch.ProcessingMode(strings.TrimSpace(raw.ProcessingMode))
	}
	if meta.IsDefined("channel") {
		cfg.Channel = batch.ChannelControl(strings.TrimSpace(raw.Channel))
	}
	if meta.IsDefined("single") {
		cfg.Single = raw.Single
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("groups") {
		cfg.Groups = raw.Groups
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return ClientConfig{}, fmt.Errorf("load readerctl config: %w", err)
	}
	cfg.Session = cfg.Session.WithDefaults()

	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("load readerctl config: %w", err)
	}
	return cfg, nil
}

func overlaySession(meta toml.MetaData, raw sessionFile, cfg *session.Config) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"error_grace_period", raw.ErrorGracePeriod, &cfg.ErrorGracePeriod},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session", "tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("session", "tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("session", "tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("session", "tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("session", "tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("session", "tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("session", "tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("readerd config missing id")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("readerd config missing addr")
	}
	if cfg.HistoryLimit < 0 {
		return fmt.Errorf("readerd config history_limit must not be negative")
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Readers))
	for i, r := range cfg.Readers {
		if err := ValidateReaderEntry(r); err != nil {
			return fmt.Errorf("readers[%d] invalid: %w", i, err)
		}
		key := r.Plugin + "/" + r.Name
		if _, dup := seen[key]; dup {
			return fmt.Errorf("readers[%d] invalid: duplicate reader %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func ValidateReaderEntry(r ReaderEntry) error {
	if strings.TrimSpace(r.Plugin) == "" {
		return fmt.Errorf("plugin is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := BuildCard(r.Card); err != nil {
		return err
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("readerctl config invalid server_url %q", cfg.ServerURL)
	}
	switch cfg.Mode {
	case ModeSync, ModeAsync:
	default:
		return fmt.Errorf("readerctl config unsupported mode %q (expected sync or async)", cfg.Mode)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return fmt.Errorf("readerctl config missing client_id")
	}
	if strings.TrimSpace(cfg.RemotePlugin) == "" {
		return fmt.Errorf("readerctl config missing remote_plugin")
	}
	reader, group := strings.TrimSpace(cfg.Reader), strings.TrimSpace(cfg.ReaderGroup)
	switch {
	case reader == "" && group == "":
		return fmt.Errorf("readerctl config missing reader or reader_group")
	case reader != "" && group != "":
		return fmt.Errorf("readerctl config sets both reader and reader_group")
	}
	if cfg.MaxConnectAttempts < 0 {
		return fmt.Errorf("readerctl config max_connect_attempts must not be negative")
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return err
	}
	if _, err := cfg.Request(); err != nil {
		return err
	}
	return nil
}
