package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	prov "github.com/3cpo-dev/dsmctl/internal/providers"
)

// DefaultConfig returns the configuration used when no file exists: the
// localssh provider with no hosts, strict host key checking and the
// workdir layout of the dsm project.
func DefaultConfig() prov.Config {
	var cfg prov.Config
	cfg.Providers.Default = "localssh"
	cfg.Providers.Linode.Region = "us-east"
	cfg.Providers.Linode.Type = "g6-nanode-1"
	cfg.Providers.Linode.Image = "linode/ubuntu22.04"
	cfg.Providers.Vultr.Region = "ewr"
	cfg.Providers.Vultr.Plan = "vc2-1c-1gb"
	cfg.Providers.Vultr.OSID = 1743

	cfg.Fleet.Tag = "dsm"
	cfg.Fleet.WaitTimeout = DefaultWaitTimeout
	cfg.Fleet.BasePort = 8000

	cfg.SSH.User = "ubuntu"
	cfg.SSH.Port = 22
	cfg.SSH.KeyPath = filepath.Join(ConfigDir(), "ssh", "id_ed25519")
	cfg.SSH.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	cfg.SSH.Trust = "known_hosts"
	cfg.SSH.ConnectTimeout = 15 * time.Second
	cfg.SSH.Retries = 2

	cfg.Pipeline.Workdir = "dsm"
	cfg.Pipeline.ConfigFile = "dsm.conf"
	cfg.Pipeline.Concurrency = 1
	cfg.Pipeline.StepTimeout = 30 * time.Minute
	cfg.Pipeline.Commands.Fetch = "git pull"
	cfg.Pipeline.Commands.Clean = "make clean"
	cfg.Pipeline.Commands.Build = "make clean && make && make test"
	cfg.Pipeline.Workload.Command = "bin/matrix_gen 10 10 10 10 && bin/matrix_mul ${IS_COORDINATOR} ${ADDRESS} ${PORT}"
	cfg.Pipeline.Workload.ResultsFile = "results.txt"
	cfg.Pipeline.Workload.ResultsDir = "results"

	cfg.Store.Path = filepath.Join(ConfigDir(), "history.db")
	return cfg
}

// LoadConfig reads YAML configuration from path over DefaultConfig. If path
// is empty it resolves <ConfigDir>/config.yaml, and a missing default file
// yields the defaults. Provider tokens are merged from secrets.env and the
// LINODE_TOKEN / VULTR_TOKEN environment variables, environment winning.
func LoadConfig(path string) (prov.Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{"LINODE_TOKEN", "VULTR_TOKEN"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if t := secrets["LINODE_TOKEN"]; t != "" {
		cfg.Providers.Linode.Token = t
	}
	if t := secrets["VULTR_TOKEN"]; t != "" {
		cfg.Providers.Vultr.Token = t
	}
	return cfg, validateConfig(cfg)
}

func validateConfig(cfg prov.Config) error {
	switch {
	case cfg.Fleet.WaitTimeout <= 0:
		return errors.New("config: fleet.wait_timeout must be positive")
	case cfg.SSH.ConnectTimeout <= 0:
		return errors.New("config: ssh.connect_timeout must be positive")
	case cfg.Pipeline.StepTimeout <= 0:
		return errors.New("config: pipeline.step_timeout must be positive")
	case cfg.Pipeline.Concurrency < 1:
		return errors.New("config: pipeline.concurrency must be at least 1")
	case cfg.Fleet.BasePort < 1 || cfg.Fleet.BasePort > 65535:
		return fmt.Errorf("config: fleet.base_port %d out of range", cfg.Fleet.BasePort)
	case cfg.Pipeline.ConfigFile == "":
		return errors.New("config: pipeline.config_file is empty")
	}
	return nil
}
