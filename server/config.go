// config loading and TLS material handling
package server

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs can say "90s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration. Zero values get defaults from
// withDefaults; only Addr is mandatory.
type Config struct {
	Addr         string     `yaml:"addr"`
	Workers      int        `yaml:"workers"`
	QueueDepth   int        `yaml:"queue_depth"`
	IdleTimeout  Duration   `yaml:"idle_timeout"`
	MaxBodyBytes int        `yaml:"max_body_bytes"`
	AcceptRate   float64    `yaml:"accept_rate"`  // connections per second, 0 = unlimited
	AcceptBurst  int        `yaml:"accept_burst"` // burst for the accept limiter
	TLS          *TLSConfig `yaml:"tls"`
}

// TLSConfig enables HTTPS. With Reload set, the cert/key files are watched
// and swapped in live without dropping connections.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Reload   bool   `yaml:"reload"`
}

// LoadConfig reads a yaml config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configs the engine cannot start with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.TLS != nil && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls requires cert_file and key_file")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = c.Workers * 16
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = Duration(60 * time.Second)
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 64
	}
	return c
}

// certStore holds the active certificate behind an atomic pointer so
// handshakes never block on a reload.
type certStore struct {
	certFile, keyFile string
	cert              atomic.Pointer[tls.Certificate]
	watcher           *fsnotify.Watcher
	log               zerolog.Logger
}

func newCertStore(tc *TLSConfig, log zerolog.Logger) (*certStore, error) {
	s := &certStore{certFile: tc.CertFile, keyFile: tc.KeyFile, log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}

	if tc.Reload {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		for _, f := range []string{tc.CertFile, tc.KeyFile} {
			if err := w.Add(f); err != nil {
				w.Close()
				return nil, err
			}
		}
		s.watcher = w
		go s.watch()
	}
	return s, nil
}

func (s *certStore) reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("config: load tls keypair: %w", err)
	}
	s.cert.Store(&cert)
	return nil
}

func (s *certStore) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				// keep serving the previous cert
				s.log.Warn().Err(err).Str("file", ev.Name).Msg("certificate reload failed")
				continue
			}
			s.log.Info().Str("file", ev.Name).Msg("certificate reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("certificate watcher")
		}
	}
}

func (s *certStore) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.cert.Load(), nil
}

func (s *certStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *certStore) tlsConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.getCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}
