package registry

import (
	"encoding/json"
	"fmt"

	"github.com/relaygrid/orchestrator/internal/capability"
)

// Manifest is the on-the-wire shape of a worker's self-description,
// published at <base url>/manifest.json. A worker opts into discovery by
// serving one; the operator never hand-writes Descriptor structs for
// discovered workers.
type Manifest struct {
	Name      string            `json:"name"`
	TaskKinds []string          `json:"task_kinds"`
	Tools     []manifestTool    `json:"tools"`
	Routing   manifestRouting   `json:"routing"`
}

type manifestTool struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Parameters []string `json:"parameters"`
}

type manifestRouting struct {
	RunsOnUserCompute   bool `json:"runs_on_user_compute"`
	PreferResultPointer bool `json:"prefer_result_pointer"`
	AllowFallback       bool `json:"allow_fallback"`
}

// RegisterFromManifest decodes a discovered worker's manifest and registers
// it under the given ID and base URL. A malformed tool version fails the
// whole registration rather than silently dropping one capability, since a
// partially-registered worker is worse than an absent one: the router
// would treat it as able to do less than it actually can.
func (r *Registry) RegisterFromManifest(id, baseURL string, raw []byte, priority int) error {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("registry: invalid manifest for %s: %w", id, err)
	}

	caps := make([]capability.Capability, 0, len(m.Tools))
	for _, t := range m.Tools {
		version := t.Version
		if version == "" {
			version = "1.0.0"
		}
		c, err := capability.New(t.Name, version, t.Parameters...)
		if err != nil {
			return fmt.Errorf("registry: manifest for %s: %w", id, err)
		}
		caps = append(caps, c)
	}

	desc := Descriptor{
		ID:           id,
		DisplayName:  m.Name,
		BaseURL:      baseURL,
		TaskKinds:    m.TaskKinds,
		Capabilities: caps,
		Flags: RoutingFlags{
			RunsOnUserCompute:   m.Routing.RunsOnUserCompute,
			PreferResultPointer: m.Routing.PreferResultPointer,
			AllowFallback:       m.Routing.AllowFallback,
		},
		Priority: priority,
	}
	return r.Register(desc)
}
