// Package engineconfig resolves the engine's startup configuration: CLI
// flags, a .env file, and a YAML experiment manifest. Grounded on the
// teacher's cmd/tarsy/main.go (flag parsing, getEnv-with-default,
// godotenv.Load) and pkg/config/loader.go (YAML-file-plus-defaults
// resolution).
package engineconfig

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/worker"
)

// CLIArgs is the engine's command-line surface, per §6: experiment id,
// orchestrator and listen URLs, persist flag, max worker count, and
// which language runners to spawn.
type CLIArgs struct {
	ExperimentID    uuid.UUID
	OrchestratorURL string
	ListenURL       string
	StatusAddr      string
	Persist         bool
	MaxWorkers      int
	SpawnL1         bool
	SpawnL2         bool
	SpawnMain       bool
	ConfigDir       string
}

// Languages returns the set of runner languages this invocation should
// spawn, derived from the per-language spawn flags.
func (a CLIArgs) Languages() []worker.Language {
	var langs []worker.Language
	if a.SpawnL1 {
		langs = append(langs, worker.Language("l1"))
	}
	if a.SpawnL2 {
		langs = append(langs, worker.Language("l2"))
	}
	if a.SpawnMain {
		langs = append(langs, worker.Language("main"))
	}
	return langs
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// ParseFlags parses argv (excluding the program name) into CLIArgs,
// using environment variables as defaults the way the teacher's main.go
// does for CONFIG_DIR/HTTP_PORT.
func ParseFlags(argv []string) (*CLIArgs, error) {
	fs := flag.NewFlagSet("engine", flag.ContinueOnError)

	experimentID := fs.String("experiment-id", getEnv("EXPERIMENT_ID", ""), "experiment UUID")
	orchestratorURL := fs.String("orchestrator-url", getEnv("ORCHESTRATOR_URL", ""), "outbound orchestrator client URL")
	listenURL := fs.String("listen-url", getEnv("LISTEN_URL", ":7200"), "inbound listen URL for runner connections")
	statusAddr := fs.String("status-addr", getEnv("STATUS_ADDR", ":7300"), "address for the local debug/status HTTP surface")
	persist := fs.Bool("persist", getEnv("PERSIST", "true") == "true", "persist output parts to disk")
	maxWorkers := fs.Int("max-workers", 1, "maximum number of workers")
	spawnL1 := fs.Bool("spawn-l1", true, "spawn the L1 runner")
	spawnL2 := fs.Bool("spawn-l2", true, "spawn the L2 runner")
	spawnMain := fs.Bool("spawn-main", false, "spawn a host-language runner")
	configDir := fs.String("config-dir", getEnv("CONFIG_DIR", "./config"), "path to the experiment manifest directory")

	if err := fs.Parse(argv); err != nil {
		return nil, engineerr.New(engineerr.Configuration, err)
	}

	if *experimentID == "" {
		return nil, engineerr.New(engineerr.Configuration, fmt.Errorf("experiment-id is required"))
	}
	id, err := uuid.Parse(*experimentID)
	if err != nil {
		return nil, engineerr.New(engineerr.Configuration, fmt.Errorf("invalid experiment-id: %w", err))
	}
	if *orchestratorURL == "" {
		return nil, engineerr.New(engineerr.Configuration, fmt.Errorf("orchestrator-url is required"))
	}
	if *maxWorkers < 1 {
		return nil, engineerr.New(engineerr.Configuration, fmt.Errorf("max-workers must be at least 1"))
	}

	return &CLIArgs{
		ExperimentID:    id,
		OrchestratorURL: *orchestratorURL,
		ListenURL:       *listenURL,
		StatusAddr:      *statusAddr,
		Persist:         *persist,
		MaxWorkers:      *maxWorkers,
		SpawnL1:         *spawnL1,
		SpawnL2:         *spawnL2,
		SpawnMain:       *spawnMain,
		ConfigDir:       *configDir,
	}, nil
}

// LoadDotEnv loads a .env file from dir, logging nothing on absence —
// callers decide whether a missing file is worth a warning.
func LoadDotEnv(dir string) error {
	path := dir + "/.env"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// PackageSpec configures one pipeline package loaded from the manifest.
type PackageSpec struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Name        string `yaml:"name"`
	InitPayload string `yaml:"init_payload"`
}

// DatasetRef names a dataset the experiment fetches at init.
type DatasetRef struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

// Manifest is the experiment-level configuration loaded from
// <config-dir>/experiment.yaml: the package pipeline definition, dataset
// references, and the simulation seed.
type Manifest struct {
	Seed     int64         `yaml:"seed"`
	Datasets []DatasetRef  `yaml:"datasets"`
	Packages []PackageSpec `yaml:"packages"`
}

// LoadManifest reads and parses <dir>/experiment.yaml.
func LoadManifest(dir string) (*Manifest, error) {
	path := dir + "/experiment.yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engineerr.New(engineerr.Configuration, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, engineerr.New(engineerr.Configuration, fmt.Errorf("invalid experiment manifest: %w", err))
	}
	return &m, nil
}
