package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"finetune-orchestrator/core/executor"
	"finetune-orchestrator/core/models"
	"finetune-orchestrator/training/frameworks"

	"github.com/spf13/viper"
)

// Config holds the orchestrator configuration
type Config struct {
	// Root that relative script, model and launcher-config paths resolve against
	WorkDir string
	// Parent of the per-run scratch directory
	ScratchDir string
	// Keep the scratch directory after the run
	KeepScratch bool

	Models     ModelsConfig
	Scripts    ScriptsConfig
	Launcher   LauncherConfig
	Naming     NamingConfig
	Supervisor SupervisorConfig
	Storage    StorageConfig
	Slack      SlackConfig

	// Upload credential read from the environment when --upload is absent
	UploadToken string

	// Postgres ledger of stage events, disabled when empty
	DatabaseURL string

	// Status API listen address, disabled when empty
	StatusAddr string
}

type ModelsConfig struct {
	Dir               string
	SDXLBase          string
	SDXLFineTunedBase string
	FluxDir           string
	FluxModel         string
	FluxClipL         string
	FluxT5XXL         string
	FluxAE            string
}

type ScriptsConfig struct {
	Root         string
	SDXLTrain    string
	FluxTrain    string
	ExtractDelta string
	MergeDelta   string
}

type LauncherConfig struct {
	Executable              string
	Interpreter             string
	ConfigFile              string
	DynamoBackend           string
	DynamoMode              string
	MixedPrecision          string
	NumProcesses            int
	NumMachines             int
	NumCPUThreadsPerProcess int
}

type NamingConfig struct {
	FineTunedSuffix     string
	FluxFineTunedSuffix string
	DeltaSuffix         string
	FinalSuffix         string
	Extension           string
}

type SupervisorConfig struct {
	PollInterval time.Duration
	ReapTimeout  time.Duration
}

type StorageConfig struct {
	Backend string // hf | s3 | minio
	Prefix  string // remote path prefix, e.g. flux/loras

	HFEndpoint string
	HFRepoID   string
	HFRepoType string
	HFRevision string

	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

type SlackConfig struct {
	Token   string
	Channel string
}

// Load reads the optional config file at path (or ./finetune.yaml), then
// FINETUNE_* environment variables, over built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("finetune")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Well-known variables that do not carry the prefix
	_ = v.BindEnv("upload_token", "FINETUNE_UPLOAD_TOKEN", "HF_TOKEN")
	_ = v.BindEnv("database_url", "FINETUNE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("slack.token", "FINETUNE_SLACK_TOKEN", "SLACK_TOKEN")
	_ = v.BindEnv("slack.channel", "FINETUNE_SLACK_CHANNEL", "SLACK_CHANNEL")
	_ = v.BindEnv("storage.region", "FINETUNE_STORAGE_REGION", "AWS_REGION")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("finetune")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{
		WorkDir:     v.GetString("work_dir"),
		ScratchDir:  v.GetString("scratch_dir"),
		KeepScratch: v.GetBool("keep_scratch"),
		Models: ModelsConfig{
			Dir:               v.GetString("models.dir"),
			SDXLBase:          v.GetString("models.sdxl_base"),
			SDXLFineTunedBase: v.GetString("models.sdxl_fine_tuned_base"),
			FluxDir:           v.GetString("models.flux_dir"),
			FluxModel:         v.GetString("models.flux_model"),
			FluxClipL:         v.GetString("models.flux_clip_l"),
			FluxT5XXL:         v.GetString("models.flux_t5xxl"),
			FluxAE:            v.GetString("models.flux_ae"),
		},
		Scripts: ScriptsConfig{
			Root:         v.GetString("scripts.root"),
			SDXLTrain:    v.GetString("scripts.sdxl_train"),
			FluxTrain:    v.GetString("scripts.flux_train"),
			ExtractDelta: v.GetString("scripts.extract_delta"),
			MergeDelta:   v.GetString("scripts.merge_delta"),
		},
		Launcher: LauncherConfig{
			Executable:              v.GetString("launcher.executable"),
			Interpreter:             v.GetString("launcher.interpreter"),
			ConfigFile:              v.GetString("launcher.config_file"),
			DynamoBackend:           v.GetString("launcher.dynamo_backend"),
			DynamoMode:              v.GetString("launcher.dynamo_mode"),
			MixedPrecision:          v.GetString("launcher.mixed_precision"),
			NumProcesses:            v.GetInt("launcher.num_processes"),
			NumMachines:             v.GetInt("launcher.num_machines"),
			NumCPUThreadsPerProcess: v.GetInt("launcher.num_cpu_threads_per_process"),
		},
		Naming: NamingConfig{
			FineTunedSuffix:     v.GetString("naming.fine_tuned_suffix"),
			FluxFineTunedSuffix: v.GetString("naming.flux_fine_tuned_suffix"),
			DeltaSuffix:         v.GetString("naming.delta_suffix"),
			FinalSuffix:         v.GetString("naming.final_suffix"),
			Extension:           v.GetString("naming.extension"),
		},
		Supervisor: SupervisorConfig{
			PollInterval: v.GetDuration("supervisor.poll_interval"),
			ReapTimeout:  v.GetDuration("supervisor.reap_timeout"),
		},
		Storage: StorageConfig{
			Backend:         v.GetString("storage.backend"),
			Prefix:          v.GetString("storage.prefix"),
			HFEndpoint:      v.GetString("storage.hf_endpoint"),
			HFRepoID:        v.GetString("storage.hf_repo_id"),
			HFRepoType:      v.GetString("storage.hf_repo_type"),
			HFRevision:      v.GetString("storage.hf_revision"),
			Bucket:          v.GetString("storage.bucket"),
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UseSSL:          v.GetBool("storage.use_ssl"),
		},
		Slack: SlackConfig{
			Token:   v.GetString("slack.token"),
			Channel: v.GetString("slack.channel"),
		},
		UploadToken: v.GetString("upload_token"),
		DatabaseURL: v.GetString("database_url"),
		StatusAddr:  v.GetString("status_addr"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("work_dir", ".")
	v.SetDefault("scratch_dir", "")
	v.SetDefault("keep_scratch", false)

	layout := models.DefaultModelLayout()
	v.SetDefault("models.dir", layout.ModelsDir)
	v.SetDefault("models.sdxl_base", layout.SDXLBase)
	v.SetDefault("models.sdxl_fine_tuned_base", layout.SDXLFineTunedBase)
	v.SetDefault("models.flux_dir", layout.FluxDir)
	v.SetDefault("models.flux_model", layout.FluxModel)
	v.SetDefault("models.flux_clip_l", layout.FluxClipL)
	v.SetDefault("models.flux_t5xxl", layout.FluxT5XXL)
	v.SetDefault("models.flux_ae", layout.FluxAE)

	scripts := frameworks.DefaultScriptLayout(".")
	v.SetDefault("scripts.root", scripts.Root)
	v.SetDefault("scripts.sdxl_train", scripts.SDXLTrain)
	v.SetDefault("scripts.flux_train", scripts.FluxTrain)
	v.SetDefault("scripts.extract_delta", scripts.ExtractDelta)
	v.SetDefault("scripts.merge_delta", scripts.MergeDelta)

	launcher := executor.DefaultLauncherOptions()
	v.SetDefault("launcher.executable", "accelerate")
	v.SetDefault("launcher.interpreter", "python3")
	v.SetDefault("launcher.config_file", "configs/accelerate.yaml")
	v.SetDefault("launcher.dynamo_backend", launcher.DynamoBackend)
	v.SetDefault("launcher.dynamo_mode", launcher.DynamoMode)
	v.SetDefault("launcher.mixed_precision", launcher.MixedPrecision)
	v.SetDefault("launcher.num_processes", launcher.NumProcesses)
	v.SetDefault("launcher.num_machines", launcher.NumMachines)
	v.SetDefault("launcher.num_cpu_threads_per_process", launcher.NumCPUThreadsPerProcess)

	naming := models.DefaultNamingPolicy()
	v.SetDefault("naming.fine_tuned_suffix", naming.FineTunedSuffix)
	v.SetDefault("naming.flux_fine_tuned_suffix", naming.FluxFineTunedSuffix)
	v.SetDefault("naming.delta_suffix", naming.DeltaSuffix)
	v.SetDefault("naming.final_suffix", naming.FinalSuffix)
	v.SetDefault("naming.extension", naming.Extension)

	v.SetDefault("supervisor.poll_interval", executor.DefaultPollInterval)
	v.SetDefault("supervisor.reap_timeout", executor.DefaultReapTimeout)

	v.SetDefault("storage.backend", "hf")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.hf_endpoint", "https://huggingface.co")
	v.SetDefault("storage.hf_repo_id", "notkenski/apothecary-dev")
	v.SetDefault("storage.hf_repo_type", "model")
	v.SetDefault("storage.hf_revision", "main")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("slack.token", "")
	v.SetDefault("slack.channel", "")

	v.SetDefault("upload_token", "")
	v.SetDefault("database_url", "")
	v.SetDefault("status_addr", "")
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "hf", "s3", "minio":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("supervisor.poll_interval must be positive")
	}
	if c.Naming.Extension == "" {
		return fmt.Errorf("naming.extension must not be empty")
	}
	return nil
}
