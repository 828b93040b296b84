package compute

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Payload holds the inputs for the startup script: the agent config
// to land on the node and where the node fetches the agent binary.
// The registry credential is deliberately absent - the agent fetches
// it from the secret store using the node's own identity.
type Payload struct {
	ConfigTOML string
	AgentURL   string
}

var payloadTemplate = template.Must(template.New("startup").Parse(`#!/usr/bin/env bash
set -euo pipefail

mkdir -p /etc/quarry /var/lib/quarry /opt/quarry

cat > /etc/quarry/agent.toml <<'QUARRY_CONF'
{{.ConfigTOML}}
QUARRY_CONF
chmod 0600 /etc/quarry/agent.toml

if [ ! -x /opt/quarry/quarry-agent ]; then
  {{.FetchCommand}}
  chmod 0755 /opt/quarry/quarry-agent
fi

exec /opt/quarry/quarry-agent -config /etc/quarry/agent.toml >>/var/log/quarry-agent.log 2>&1
`))

// RenderPayload produces the startup script embedded in the instance
// at creation time.
func RenderPayload(p *Payload) (string, error) {
	if p.AgentURL == "" {
		return "", fmt.Errorf("an agent binary URL is required")
	}
	config := strings.TrimSpace(p.ConfigTOML)
	if config == "" {
		return "", fmt.Errorf("the agent config is empty")
	}
	if strings.Contains(config, "QUARRY_CONF") {
		return "", fmt.Errorf("the agent config collides with the heredoc delimiter")
	}

	buf := &bytes.Buffer{}
	err := payloadTemplate.Execute(buf, struct {
		ConfigTOML   string
		FetchCommand string
	}{config, fetchCommand(p.AgentURL)})
	if err != nil {
		return "", fmt.Errorf("rendering payload: %w", err)
	}

	return buf.String(), nil
}

func fetchCommand(url string) string {
	if strings.HasPrefix(url, "gs://") {
		return "gsutil -q cp " + url + " /opt/quarry/quarry-agent"
	}
	return "curl -fsSL -o /opt/quarry/quarry-agent " + url
}
