package server

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/s00inx/httpcore/internal/obs"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	yaml := `
addr: 127.0.0.1:8080
workers: 4
queue_depth: 32
idle_timeout: 90s
max_body_bytes: 65536
accept_rate: 100.5
accept_burst: 10
tls:
  cert_file: /etc/ssl/cert.pem
  key_file: /etc/ssl/key.pem
  reload: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:8080" || cfg.Workers != 4 || cfg.QueueDepth != 32 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.IdleTimeout.Std() != 90*time.Second {
		t.Errorf("idle timeout = %v", cfg.IdleTimeout.Std())
	}
	if cfg.MaxBodyBytes != 65536 || cfg.AcceptRate != 100.5 || cfg.AcceptBurst != 10 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TLS == nil || !cfg.TLS.Reload || cfg.TLS.CertFile != "/etc/ssl/cert.pem" {
		t.Errorf("tls = %+v", cfg.TLS)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		yaml string
	}{
		{"bad duration", "addr: :80\nidle_timeout: soon\n"},
		{"missing addr", "workers: 2\n"},
		{"tls without key", "addr: :80\ntls:\n  cert_file: /c.pem\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("want error, got nil")
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("missing file must error")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Addr: ":0"}.withDefaults()
	if cfg.Workers <= 0 || cfg.QueueDepth <= 0 {
		t.Errorf("no worker defaults: %+v", cfg)
	}
	if cfg.IdleTimeout.Std() <= 0 {
		t.Errorf("no idle timeout default: %v", cfg.IdleTimeout)
	}

	// explicit values survive
	cfg = Config{Addr: ":0", Workers: 2, QueueDepth: 5}.withDefaults()
	if cfg.Workers != 2 || cfg.QueueDepth != 5 {
		t.Errorf("defaults clobbered explicit values: %+v", cfg)
	}
}

func TestCertStoreHotReload(t *testing.T) {
	certFile, keyFile := writeCertFiles(t)
	store, err := newCertStore(&TLSConfig{CertFile: certFile, KeyFile: keyFile, Reload: true}, obs.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	before, err := store.getCertificate(nil)
	if err != nil || before == nil {
		t.Fatalf("initial cert: %v", err)
	}
	initialLeaf := append([]byte(nil), before.Certificate[0]...)

	// swap the files on disk; the watcher must pick the new pair up
	certPem, keyPem := genCertPEM(t, 2)
	if err := os.WriteFile(keyFile, keyPem, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certFile, certPem, 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := store.getCertificate(nil)
		if cur != nil && !bytes.Equal(cur.Certificate[0], initialLeaf) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded")
}

func TestCertStoreKeepsOldCertOnBrokenReload(t *testing.T) {
	certFile, keyFile := writeCertFiles(t)
	store, err := newCertStore(&TLSConfig{CertFile: certFile, KeyFile: keyFile, Reload: true}, obs.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := os.WriteFile(certFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	cur, err := store.getCertificate(nil)
	if err != nil || cur == nil || len(cur.Certificate) == 0 {
		t.Fatalf("previous cert lost after broken reload: %v", err)
	}
}
