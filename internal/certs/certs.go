// Package certs loads broker TLS material laid out as
//
//	<dir>/<env>/*.cert     client certificate
//	<dir>/<env>/*.key      client key
//	<dir>/<env>/ca/*       CA certificates
//
// Every part is optional. A missing directory means plain connections.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Load builds a TLS config from dir/env. It returns (nil, nil) when there is
// no material to load.
func Load(dir, env string) (*tls.Config, error) {
	certsDir := filepath.Join(dir, env)

	entries, err := os.ReadDir(certsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read certs dir: %w", err)
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	found := false

	certFile, keyFile := pick(entries, ".cert"), pick(entries, ".key")
	if certFile != "" && keyFile != "" {
		pair, err := tls.LoadX509KeyPair(filepath.Join(certsDir, certFile), filepath.Join(certsDir, keyFile))
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
		found = true
	}

	pool, err := loadCAs(filepath.Join(certsDir, "ca"))
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.RootCAs = pool
		found = true
	}

	if !found {
		return nil, nil
	}
	return cfg, nil
}

// pick returns the first regular file (by name) with the given suffix
func pick(entries []fs.DirEntry, suffix string) string {
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

func loadCAs(caDir string) (*x509.CertPool, error) {
	entries, err := os.ReadDir(caDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ca dir: %w", err)
	}

	var pool *x509.CertPool
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		pem, err := os.ReadFile(filepath.Join(caDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read ca %s: %w", e.Name(), err)
		}

		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca %s: no PEM certificates found", e.Name())
		}
	}
	return pool, nil
}
