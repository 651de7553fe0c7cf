// Package config loads and validates the service configuration.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Service    ServiceConfig      `yaml:"service"`
	Host       HostConfig         `yaml:"host"`
	Executor   ExecutorConfig     `yaml:"executor"`
	Builders   map[string]Builder `yaml:"builders"`
	Trust      TrustConfig        `yaml:"trust"`
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
	Server     ServerConfig       `yaml:"server"`
	Parameters []Parameter        `yaml:"parameters,omitempty"`
	Retry      RetryConfig        `yaml:"retry"`
}

// ServiceConfig identifies this PR service instance.
type ServiceConfig struct {
	// Name is carried in the pullrequest_service build property; it lets
	// several PR services share one executor.
	Name    string `yaml:"name"`
	URLPath string `yaml:"urlpath"`
	DBName  string `yaml:"dbname"`
	// PollInterval is the watch-loop period.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ResetInterruptedOnStartup requeues SCHEDULING/BUILDING rows left over
	// from a previous run.
	ResetInterruptedOnStartup bool `yaml:"reset_interrupted_on_startup"`
	// URL templates for the UI; {prid} is replaced with the PR id.
	PullRequestURL   string `yaml:"pullrequest_url,omitempty"`
	PerfReportURL    string `yaml:"perf_report_url,omitempty"`
	BuildURLTemplate string `yaml:"build_url,omitempty"`
}

// HostType selects the code-review host implementation.
type HostType string

const (
	HostGitHub HostType = "github"
	HostGitLab HostType = "gitlab"
)

// HostConfig configures the code-review host adapter.
type HostConfig struct {
	Type      HostType      `yaml:"type"`
	APIURL    string        `yaml:"api_url,omitempty"`
	BaseURL   string        `yaml:"base_url,omitempty"`
	Owner     string        `yaml:"owner"`
	Repo      string        `yaml:"repo"`
	Token     string        `yaml:"token,omitempty"`
	UserAgent string        `yaml:"user_agent,omitempty"`
	ReuseETag bool          `yaml:"reuse_etag"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// ExecutorConfig configures the build-executor adapter.
type ExecutorConfig struct {
	APIURL  string        `yaml:"api_url"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// NATS subscription for builder lifecycle events.
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// Builder is one logical builder entry; the map key is the internal name.
type Builder struct {
	Name     string   `yaml:"name"`
	Builders []string `yaml:"builders"`
	Order    int      `yaml:"order"`
	IsPerf   bool     `yaml:"perf,omitempty"`
	// Automatic disables auto-enqueue when false and the builder is only
	// reachable through the restart action.
	Automatic *bool `yaml:"automatic,omitempty"`
}

// TrustConfig gates auto-enqueue for first-seen pull requests.
// Both lists must be set for the policy to apply; nil means no limitation.
type TrustConfig struct {
	TrustedAuthors []string `yaml:"trusted_authors,omitempty"`
	Reviewers      []string `yaml:"reviewers,omitempty"`
}

// SchedulerConfig tunes the admission logic.
type SchedulerConfig struct {
	// VerifyHead lists the head repository via git before submitting and
	// skips the submission when the head SHA is gone.
	VerifyHead bool `yaml:"verify_head"`
}

// ServerConfig configures the JSON API server.
type ServerConfig struct {
	Listen       string `yaml:"listen"`
	AccountsFile string `yaml:"accounts_file,omitempty"`
	MaxConns     int    `yaml:"max_conns,omitempty"`
}

// Parameter declares a named value extracted from PR descriptions and
// attached to submitted build properties.
type Parameter struct {
	NameFilter string `yaml:"name_filter"`
	Property   string `yaml:"property"`
}

// RetryConfig holds raw backoff settings for host/executor calls.
type RetryConfig struct {
	Mode       string        `yaml:"mode,omitempty"`
	Initial    time.Duration `yaml:"initial,omitempty"`
	Max        time.Duration `yaml:"max,omitempty"`
	MaxRetries int           `yaml:"max_retries"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists so ${VAR} references resolve.
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "Pull Requests"
	}
	if c.Service.URLPath == "" {
		c.Service.URLPath = "pullrequests"
	}
	if c.Service.DBName == "" {
		c.Service.DBName = "pullrequests"
	}
	if c.Service.PollInterval <= 0 {
		c.Service.PollInterval = 120 * time.Second
	}
	if c.Host.UserAgent == "" {
		c.Host.UserAgent = "prbuild"
	}
	if c.Host.Timeout <= 0 {
		c.Host.Timeout = 60 * time.Second
	}
	if c.Executor.Timeout <= 0 {
		c.Executor.Timeout = 60 * time.Second
	}
	if c.Executor.SubjectPrefix == "" {
		c.Executor.SubjectPrefix = "build.ev"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8010"
	}
	if c.Server.MaxConns <= 0 {
		c.Server.MaxConns = 256
	}
	if len(c.Parameters) == 0 {
		c.Parameters = []Parameter{{NameFilter: RegressionFilterName, Property: "regression_test_filter"}}
	}
}

// RegressionFilterName matches check_regression= and check_regressions=.
const RegressionFilterName = "check_regression[s]?"

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	switch c.Host.Type {
	case HostGitHub, HostGitLab:
	case "":
		return fmt.Errorf("host.type is required (github or gitlab)")
	default:
		return fmt.Errorf("unknown host.type: %s", c.Host.Type)
	}
	if c.Host.Owner == "" || c.Host.Repo == "" {
		return fmt.Errorf("host.owner and host.repo are required")
	}
	if c.Host.Type == HostGitLab && c.Host.APIURL == "" {
		return fmt.Errorf("host.api_url is required for gitlab")
	}
	if c.Executor.APIURL == "" {
		return fmt.Errorf("executor.api_url is required")
	}
	if len(c.Builders) == 0 {
		return fmt.Errorf("at least one builder must be configured")
	}
	seen := map[string]string{}
	for internal, b := range c.Builders {
		if b.Name == "" {
			return fmt.Errorf("builder %s: name is required", internal)
		}
		if len(b.Builders) == 0 {
			return fmt.Errorf("builder %s: builders list is required", internal)
		}
		if other, dup := seen[b.Name]; dup {
			return fmt.Errorf("builders %s and %s share display name %q", other, internal, b.Name)
		}
		seen[b.Name] = internal
	}
	// Trust policy only applies when both lists are configured.
	if (c.Trust.TrustedAuthors == nil) != (c.Trust.Reviewers == nil) {
		return fmt.Errorf("trust.trusted_authors and trust.reviewers must be set together")
	}
	return nil
}

// DBPath returns the sqlite file for this service.
func (c *Config) DBPath() string {
	return c.Service.DBName + ".sqlite"
}

// loadEnvFile loads the .env file from the working directory when present.
func loadEnvFile() error {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return err
	}
	return godotenv.Load()
}

// WriteStarter writes a commented starter configuration, refusing to
// overwrite unless force is set.
func WriteStarter(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(starterConfig); err != nil {
		return err
	}
	return w.Flush()
}

var starterConfig = strings.TrimLeft(`
service:
  name: "Pull Requests"
  urlpath: pullrequests
  dbname: pullrequests
  poll_interval: 120s
  pullrequest_url: "https://github.com/me/project/pull/{prid}"

host:
  type: github
  owner: me
  repo: project
  token: ${GITHUB_TOKEN}
  reuse_etag: true

executor:
  api_url: http://localhost:8010/api
  nats_url: nats://localhost:4222

builders:
  runtests1:
    name: t1
    builders: [runtests1]
    order: 0
  perfcheck:
    name: perf
    builders: [perfcheck]
    order: 100
    perf: true

server:
  listen: ":8080"
`, "\n")
