package tlsconfig

import (
	"crypto/tls"
	"strings"
	"testing"
)

func TestApplyVersionProfile(t *testing.T) {
	cfg := &tls.Config{}
	ApplyVersionProfile(cfg, ProfileModern)
	if cfg.MinVersion != VersionTLS13 || cfg.MaxVersion != VersionTLS13 {
		t.Errorf("ProfileModern gave Min=%v Max=%v", cfg.MinVersion, cfg.MaxVersion)
	}

	ApplyVersionProfile(cfg, ProfileSecure)
	if cfg.MinVersion != VersionTLS12 || cfg.MaxVersion != VersionTLS13 {
		t.Errorf("ProfileSecure gave Min=%v Max=%v", cfg.MinVersion, cfg.MaxVersion)
	}
}

func TestGetVersionName(t *testing.T) {
	cases := map[uint16]string{
		tls.VersionTLS12: "TLS 1.2",
		tls.VersionTLS13: "TLS 1.3",
		tls.VersionTLS11: "Unknown",
	}
	for version, want := range cases {
		if got := GetVersionName(version); got != want {
			t.Errorf("GetVersionName(%v) = %q, want %q", version, got, want)
		}
	}
}

func TestCipherSuitesSecureAreAllAEAD(t *testing.T) {
	if len(CipherSuitesSecure) == 0 {
		t.Fatal("expected a non-empty cipher suite list")
	}
	for _, id := range CipherSuitesSecure {
		found := false
		for _, s := range tls.CipherSuites() {
			if s.ID == id {
				found = true
				if !strings.Contains(s.Name, "_GCM_") && !strings.Contains(s.Name, "_CHACHA20_POLY1305_") {
					t.Errorf("cipher suite %s is not an AEAD suite", s.Name)
				}
				break
			}
		}
		if !found {
			t.Errorf("cipher suite %v is not a recognized Go cipher suite", id)
		}
	}
}
