package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// poolAddress mirrors the {host, port} shape the pool-urls endpoint returns.
type poolAddress struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// ResolveUpstreamAddr determines which V2 pool address to dial: TPAddress
// always wins as an explicit override, Local short-circuits to the fixed
// loopback address, and otherwise the environment's pool-urls endpoint is
// queried with the configured token and the first address returned is used.
func (c *Config) ResolveUpstreamAddr() (string, error) {
	if c.TPAddress != "" {
		return c.TPAddress, nil
	}
	if c.Local {
		return localUpstreamAddr, nil
	}
	return fetchPoolAddr(c.PoolURLsEndpoint(), c.Token)
}

// fetchPoolAddr POSTs the token to endpoint and returns the first pool
// address in the response, split out from ResolveUpstreamAddr so it can be
// exercised against a test server without routing through the fixed
// staging/production URLs.
func fetchPoolAddr(endpoint, token string) (string, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fetch pool urls: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch pool urls: unexpected status %s", resp.Status)
	}

	var addrs []poolAddress
	if err := json.NewDecoder(resp.Body).Decode(&addrs); err != nil {
		return "", fmt.Errorf("parse pool urls: %w", err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("pool urls endpoint returned no addresses")
	}
	return fmt.Sprintf("%s:%d", addrs[0].Host, addrs[0].Port), nil
}
