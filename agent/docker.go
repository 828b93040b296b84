package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/quarrybuild/quarry/internal/api"
)

const defaultDaemonConfigPath = "/etc/docker/daemon.json"

// daemonConfigJSON renders the docker daemon config: json-file logs
// with rotation so build output cannot fill the disk, and the
// configured storage driver. Docker requires log-opts values to be
// strings, numbers included.
func daemonConfigJSON(config api.DockerConfig) ([]byte, error) {
	doc := map[string]any{
		"log-driver": "json-file",
		"log-opts": map[string]string{
			"max-size": config.LogMaxSize,
			"max-file": strconv.Itoa(config.LogMaxFile),
		},
		"storage-driver": config.StorageDriver,
	}

	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// loginArgs builds the registry login invocation. The token itself is
// never part of argv: it reaches the runtime over stdin.
func loginArgs(username, host string) []string {
	return []string{"login", "--username", username, "--password-stdin", host}
}

// authFileListsRegistry reports whether the runtime's auth file
// already holds a credential for the registry host.
func authFileListsRegistry(path, host string) (bool, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	doc := struct {
		Auths map[string]json.RawMessage `json:"auths"`
	}{}
	if err := json.Unmarshal(buf, &doc); err != nil {
		return false, fmt.Errorf("decoding %s: %w", path, err)
	}

	_, ok := doc.Auths[host]
	return ok, nil
}
