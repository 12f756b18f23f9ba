// Package catalog exposes the static catalog of available models and tools.
// The catalog is built once at process start; lookups are read-only and safe
// for concurrent use.
package catalog

import (
	"fmt"
	"sort"

	"github.com/prompterhq/prompter/pkg/models"
)

// Built-in tool keys.
const (
	ToolRemoteShell = "remoteShell"
	ToolBrowser     = "browser"
	ToolKnowledge   = "knowledge"
)

// Catalog resolves model and tool keys to their descriptors.
type Catalog struct {
	models map[string]models.ModelDescriptor
	tools  map[string]models.ToolDescriptor
}

// New builds a catalog from the configured model list and the built-in tool
// set. Model keys must be unique; config validation enforces that before New
// is reached.
func New(modelList []models.ModelDescriptor) *Catalog {
	c := &Catalog{
		models: make(map[string]models.ModelDescriptor, len(modelList)),
		tools:  make(map[string]models.ToolDescriptor),
	}
	for _, m := range modelList {
		c.models[m.Key] = m
	}
	for _, t := range builtinTools() {
		c.tools[t.Key] = t
	}
	return c
}

func builtinTools() []models.ToolDescriptor {
	return []models.ToolDescriptor{
		{
			Key:         ToolRemoteShell,
			Kind:        models.ToolSessionBacked,
			Description: "Execute commands and edit files on the user's remote host over SSH.",
		},
		{
			Key:         ToolBrowser,
			Kind:        models.ToolSessionBacked,
			Description: "Automate a headless browser: navigate, extract content, screenshot, run scripts.",
		},
		{
			Key:         ToolKnowledge,
			Kind:        models.ToolStatic,
			Description: "Search the local knowledge base for reference documents.",
		},
	}
}

// Model looks up a model descriptor by key.
func (c *Catalog) Model(key string) (models.ModelDescriptor, error) {
	m, ok := c.models[key]
	if !ok {
		return models.ModelDescriptor{}, fmt.Errorf("unknown model %q", key)
	}
	return m, nil
}

// Tool looks up a tool descriptor by key.
func (c *Catalog) Tool(key string) (models.ToolDescriptor, error) {
	t, ok := c.tools[key]
	if !ok {
		return models.ToolDescriptor{}, fmt.Errorf("unknown tool %q", key)
	}
	return t, nil
}

// Models returns all model descriptors sorted by key.
func (c *Catalog) Models() []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Tools returns all tool descriptors sorted by key.
func (c *Catalog) Tools() []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
