// Package knowledge loads reviewer guidance and session defaults from a
// repository's .ai-review directory.
package knowledge

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tony-jang/ai-review/pkg/models"
)

// knownFields maps knowledge file stems to Knowledge fields.
var knownFields = map[string]string{
	"conventions":     "conventions",
	"decisions":       "decisions",
	"ignore-rules":    "ignore_rules",
	"ignore_rules":    "ignore_rules",
	"review-examples": "review_examples",
	"review_examples": "review_examples",
}

// Load reads .ai-review/knowledge/*.md under repoPath. Missing directories
// yield an empty Knowledge.
func Load(repoPath string) models.Knowledge {
	dir := filepath.Join(repoPath, ".ai-review", "knowledge")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.Knowledge{}
	}

	var k models.Knowledge
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(raw))
		stem := strings.TrimSuffix(entry.Name(), ".md")
		switch knownFields[stem] {
		case "conventions":
			k.Conventions = content
		case "decisions":
			k.Decisions = content
		case "ignore_rules":
			k.IgnoreRules = content
		case "review_examples":
			k.ReviewExamples = content
		default:
			if k.Extra == nil {
				k.Extra = make(map[string]string)
			}
			k.Extra[stem] = content
		}
	}
	return k
}

// SessionConfig is the per-repo override for session defaults.
type SessionConfig struct {
	Models             []models.AgentConfig
	MaxTurns           int
	ConsensusThreshold float64
}

type yamlAgent struct {
	ID           string   `yaml:"id"`
	ClientKind   string   `yaml:"client_kind"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	Strictness   string   `yaml:"strictness"`
	SystemPrompt string   `yaml:"system_prompt"`
	Temperature  *float64 `yaml:"temperature"`
	Focus        []string `yaml:"focus"`
	Color        string   `yaml:"color"`
	Description  string   `yaml:"description"`
	Enabled      *bool    `yaml:"enabled"`
}

type yamlConfig struct {
	Models       []yamlAgent `yaml:"models"`
	Deliberation struct {
		MaxTurns           int     `yaml:"max_turns"`
		ConsensusThreshold float64 `yaml:"consensus_threshold"`
	} `yaml:"deliberation"`
}

// LoadConfig reads .ai-review/config.yaml under repoPath. A missing file
// returns a zero config and no error.
func LoadConfig(repoPath string) (SessionConfig, error) {
	var sc SessionConfig
	raw, err := os.ReadFile(filepath.Join(repoPath, ".ai-review", "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return sc, nil
		}
		return sc, err
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return sc, err
	}
	for _, ya := range yc.Models {
		agent := models.AgentConfig{
			ID:           ya.ID,
			ClientKind:   models.ClientKind(ya.ClientKind),
			Provider:     ya.Provider,
			Model:        ya.Model,
			Strictness:   models.Strictness(ya.Strictness),
			SystemPrompt: ya.SystemPrompt,
			Temperature:  ya.Temperature,
			Focus:        ya.Focus,
			Color:        ya.Color,
			Description:  ya.Description,
			Enabled:      ya.Enabled == nil || *ya.Enabled,
		}
		if agent.ClientKind == "" {
			agent.ClientKind = models.ClientClaudeCode
		}
		if agent.Strictness == "" {
			agent.Strictness = models.StrictnessBalanced
		}
		sc.Models = append(sc.Models, agent)
	}
	sc.MaxTurns = yc.Deliberation.MaxTurns
	sc.ConsensusThreshold = yc.Deliberation.ConsensusThreshold
	return sc, nil
}
