package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bitacora/internal/domain"
)

// Config models bitacora.yml.
type Config struct {
	SheetsURL string `yaml:"sheets_url"`
	Relay     struct {
		URL            string `yaml:"url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		PullLimit      int    `yaml:"pull_limit"`
	} `yaml:"relay"`
	Activities []domain.Activity `yaml:"activities"`
	OtherLabel string            `yaml:"other_label"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bitacora config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Activities) == 0 {
		return fmt.Errorf("config.activities is required")
	}
	seen := make(map[string]bool, len(c.Activities))
	for i, a := range c.Activities {
		if strings.TrimSpace(a.Key) == "" {
			return fmt.Errorf("activity %d has empty key", i)
		}
		if strings.TrimSpace(a.Label) == "" {
			return fmt.Errorf("activity %s has empty label", a.Key)
		}
		if seen[a.Key] {
			return fmt.Errorf("activity %s is duplicated", a.Key)
		}
		seen[a.Key] = true
	}
	if c.Relay.TimeoutSeconds < 0 {
		return fmt.Errorf("config.relay.timeout_seconds must not be negative")
	}
	if c.Relay.PullLimit < 0 {
		return fmt.Errorf("config.relay.pull_limit must not be negative")
	}
	return nil
}

// Label returns the display label for an activity key.
func (c *Config) Label(key string) (string, bool) {
	for _, a := range c.Activities {
		if a.Key == key {
			return a.Label, true
		}
	}
	return "", false
}

// OtherRowLabel returns the fallback label for unlabeled "otros" rows.
func (c *Config) OtherRowLabel() string {
	if c.OtherLabel == "" {
		return domain.DefaultOtherLabel
	}
	return c.OtherLabel
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bitacora.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(parsed.Activities) > 0 {
		cfg.Activities = parsed.Activities
	}
	if parsed.OtherLabel != "" {
		cfg.OtherLabel = parsed.OtherLabel
	}
	if parsed.SheetsURL != "" {
		cfg.SheetsURL = parsed.SheetsURL
	}
	if parsed.Relay.URL != "" {
		cfg.Relay.URL = parsed.Relay.URL
	}
	if parsed.Relay.Token != "" {
		cfg.Relay.Token = parsed.Relay.Token
	}
	if parsed.Relay.TimeoutSeconds != 0 {
		cfg.Relay.TimeoutSeconds = parsed.Relay.TimeoutSeconds
	}
	if parsed.Relay.PullLimit != 0 {
		cfg.Relay.PullLimit = parsed.Relay.PullLimit
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `sheets_url: ""

relay:
  url: http://127.0.0.1:8888/relay
  token: ""
  timeout_seconds: 15
  pull_limit: 5000

other_label: Otros

activities:
  - key: actividadesEducativas
    label: Actividades Educativas
  - key: evalInicialAdultos
    label: Evaluaciones Iniciales – Adultos
  - key: evalInicialPediatricos
    label: Evaluaciones Iniciales – Pediátricos
  - key: evalInicialSaludMental
    label: Evaluaciones Iniciales – Salud Mental
  - key: cavvAbusoSexual
    label: Evaluación del CAVV – Abuso Sexual
  - key: cavvViolenciaDomestica
    label: Evaluación del CAVV – Violencia Doméstica
  - key: consultas
    label: Consultas
  - key: casosSocialesInicial
    label: Casos Sociales – Inicial
  - key: casosSocialesSeguimiento
    label: Casos Sociales – Seguimiento
  - key: reevaluaciones
    label: Reevaluaciones
  - key: planesMedicos
    label: Planes Médicos
  - key: terapiaGrupo
    label: Terapia de Grupo
  - key: serviciosComunidad
    label: Servicios a la Comunidad
`
