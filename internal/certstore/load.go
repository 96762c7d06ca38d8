package certstore

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
)

// FileEntry is one record of a certs.json side-file: a certificate paired
// with the local IP and/or SNI name it should be selected for. Behavioral
// knobs live in the .ini config; data records like these live in JSON.
type FileEntry struct {
	Name              string `json:"name"`
	LocalIP           string `json:"localIP,omitempty"`
	CertFile          string `json:"certFile"`
	KeyFile           string `json:"keyFile"`
	TunnelDestination bool   `json:"tunnelDestination,omitempty"`
	Default           bool   `json:"default,omitempty"`
}

// LoadFromFile reads a certs.json side-file and returns a populated Store.
// A missing file yields an empty store rather than an error.
func LoadFromFile(path string) (*Store, error) {
	store := New()
	if path == "" {
		return store, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("certstore: reading %s: %w", path, err)
	}
	var entries []FileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("certstore: parsing %s: %w", path, err)
	}
	for _, e := range entries {
		cert, err := tls.LoadX509KeyPair(e.CertFile, e.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("certstore: loading certificate pair for %q: %w", e.Name, err)
		}
		ctx := &Context{
			Name:                e.Name,
			Certificate:         &cert,
			IsTunnelDestination: e.TunnelDestination,
		}
		if e.Default {
			store.LoadDefault(ctx)
		}
		if e.LocalIP != "" {
			store.Bind(e.LocalIP, ctx)
		} else {
			store.BindSNI(ctx)
		}
	}
	return store, nil
}
