package providers

import "time"

type Config struct {
	Providers struct {
		Default string `yaml:"default"`
		Linode  struct {
			Token  string `yaml:"token"`
			Region string `yaml:"region"`
			Type   string `yaml:"type"`
			Image  string `yaml:"image"`
		} `yaml:"linode"`
		Vultr struct {
			Token  string `yaml:"token"`
			Region string `yaml:"region"`
			Plan   string `yaml:"plan"`
			OSID   int    `yaml:"os_id"`
		} `yaml:"vultr"`
		LocalSSH struct {
			Hosts []LocalHost `yaml:"hosts"`
		} `yaml:"localssh"`
	} `yaml:"providers"`
	Fleet struct {
		// Tag marks instances as members of this cluster; listing, waiting and
		// termination only ever touch tagged instances.
		Tag         string        `yaml:"tag"`
		WaitTimeout time.Duration `yaml:"wait_timeout"`
		BasePort    int           `yaml:"base_port"`
	} `yaml:"fleet"`
	SSH struct {
		User           string        `yaml:"user"`
		Port           int           `yaml:"port"`
		KeyPath        string        `yaml:"key_path"`
		KnownHosts     string        `yaml:"known_hosts"`
		Trust          string        `yaml:"trust"`
		PinnedKeys     []string      `yaml:"pinned_keys"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		Retries        int           `yaml:"retries"`
	} `yaml:"ssh"`
	Pipeline struct {
		Workdir     string        `yaml:"workdir"`
		ConfigFile  string        `yaml:"config_file"`
		Concurrency int           `yaml:"concurrency"`
		StepTimeout time.Duration `yaml:"step_timeout"`
		// Commands run inside workdir. ${IS_COORDINATOR}, ${ROLE}, ${ADDRESS},
		// ${PORT}, ${FLEET_SIZE} and ${CONFIG_PATH} are replaced per node;
		// any other variable is expanded by the remote shell.
		Commands struct {
			Fetch string `yaml:"fetch"`
			Clean string `yaml:"clean"`
			Build string `yaml:"build"`
		} `yaml:"commands"`
		Workload struct {
			Enabled     bool   `yaml:"enabled"`
			Command     string `yaml:"command"`
			ResultsFile string `yaml:"results_file"`
			ResultsDir  string `yaml:"results_dir"`
		} `yaml:"workload"`
	} `yaml:"pipeline"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// LocalHost is a pre-existing machine reachable over SSH.
type LocalHost struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
}
