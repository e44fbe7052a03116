package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"finetune-orchestrator/api/rest/handlers"
	"finetune-orchestrator/api/rest/routes"
	"finetune-orchestrator/config"
	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/monitoring"
	"finetune-orchestrator/core/notify"
	"finetune-orchestrator/core/pipeline"
	"finetune-orchestrator/core/repository"
	"finetune-orchestrator/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
)

const progressInterval = 30 * time.Second

// stopSignals cancel the run. Children live in their own process group and do
// not receive terminal signals, so a hangup must be relayed through the context.
var stopSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

type options struct {
	configPath string

	sessionName     string
	family          string
	trainDataZip    string
	trainDataRemote string
	trainingDir     string
	outputDir       string

	dreamConfig string
	fluxConfig  string
	xloraConfig string
	mloraConfig string

	clipL string
	t5xxl string
	ae    string

	upload     string
	statusAddr string
}

// flagAliases maps legacy flag names onto their current spelling
var flagAliases = map[string]string{
	"training_zip": "train_data_zip",
	"json_config":  "dream_config",
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("finetune", pflag.ContinueOnError)
	fs.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		name = strings.ReplaceAll(name, "-", "_")
		if alias, ok := flagAliases[name]; ok {
			name = alias
		}
		return pflag.NormalizedName(name)
	})

	fs.StringVar(&opts.configPath, "config", "", "orchestrator config file")
	fs.StringVar(&opts.sessionName, "session_name", "", "session name used to derive output filenames")
	fs.StringVar(&opts.family, "family", string(models.FamilySDXL), "model family: sdxl or flux")
	fs.StringVar(&opts.trainDataZip, "train_data_zip", "", "zip of training images and captions")
	fs.StringVar(&opts.trainDataRemote, "train_data_remote", "", "name of the training zip in the artifact store")
	fs.StringVar(&opts.trainingDir, "training_dir", "", "already extracted training data")
	fs.StringVar(&opts.outputDir, "output_dir", "output", "directory for produced weights")
	fs.StringVar(&opts.dreamConfig, "dream_config", "", "SDXL training config (JSON or YAML)")
	fs.StringVar(&opts.fluxConfig, "flux_config", "", "Flux training config (JSON or YAML)")
	fs.StringVar(&opts.xloraConfig, "xlora_config", "", "delta extraction config")
	fs.StringVar(&opts.mloraConfig, "mlora_config", "", "delta merge config")
	fs.StringVar(&opts.clipL, "clip_l", "", "override the Flux CLIP-L weights")
	fs.StringVar(&opts.t5xxl, "t5xxl", "", "override the Flux T5-XXL weights")
	fs.StringVar(&opts.ae, "ae", "", "override the Flux autoencoder weights")
	fs.StringVar(&opts.upload, "upload", "", "upload token; publishing is skipped without one")
	fs.StringVar(&opts.statusAddr, "status_addr", "", "listen address of the status API")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// job builds the training job and checks that its family has what it needs
func (o *options) job(cfg *config.Config) (*models.TrainingJob, error) {
	family := models.Family(strings.ToLower(o.family))
	if !family.Valid() {
		return nil, fmt.Errorf("unknown family %q", o.family)
	}
	if o.sessionName == "" {
		return nil, errors.New("--session_name is required")
	}
	if o.trainDataZip == "" && o.trainDataRemote == "" && o.trainingDir == "" {
		return nil, errors.New("one of --train_data_zip, --train_data_remote or --training_dir is required")
	}

	job := &models.TrainingJob{
		SessionName:         o.sessionName,
		Family:              family,
		TrainingDataArchive: o.trainDataZip,
		TrainingDataRemote:  o.trainDataRemote,
		TrainingDir:         o.trainingDir,
		OutputDir:           o.outputDir,
		UploadToken:         cfg.UploadToken,
		EncoderOverrides: models.EncoderPaths{
			ClipL: o.clipL,
			T5XXL: o.t5xxl,
			AE:    o.ae,
		},
		CreatedAt: time.Now(),
	}
	if o.upload != "" {
		job.UploadToken = o.upload
	}

	switch family {
	case models.FamilyFlux:
		if o.fluxConfig == "" {
			return nil, errors.New("--flux_config is required for flux")
		}
		job.Configs.Train = o.fluxConfig
	default:
		if o.dreamConfig == "" || o.xloraConfig == "" || o.mloraConfig == "" {
			return nil, errors.New("--dream_config, --xlora_config and --mlora_config are required for sdxl")
		}
		job.Configs = models.StageConfigPaths{
			Train:   o.dreamConfig,
			Extract: o.xloraConfig,
			Merge:   o.mloraConfig,
		}
	}
	return job, nil
}

func main() {
	logger := log.New(os.Stderr, "[finetune] ", log.LstdFlags|log.Lmsgprefix)
	if err := run(logger, os.Args[1:]); err != nil {
		logger.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.statusAddr != "" {
		cfg.StatusAddr = opts.statusAddr
	}

	job, err := opts.job(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), stopSignals...)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Initialize the optional run ledger
	var (
		sink    monitoring.EventSink
		ledger  storage.ArtifactLedger
		jobs    *repository.JobRepository
		history *handlers.HistoryHandler
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		logger.Println("Database connected successfully")

		jobs = repository.NewJobRepository(db)
		if err := jobs.CreateJob(job); err != nil {
			return err
		}
		events := repository.NewEventRepository(db)
		runArtifacts := repository.NewArtifactRepository(db)
		sink = events
		ledger = runArtifacts
		history = handlers.NewHistoryHandler(jobs, events, runArtifacts)
	} else {
		job.RunID = uuid.New().String()
	}

	pc, err := pipeline.NewPipelineContext(cfg, job.Family, logger)
	if err != nil {
		return err
	}
	defer pc.Close()

	monitor := monitoring.NewJobMonitor(job, sink, logger)
	go monitor.Start(ctx, progressInterval)
	artifacts := storage.NewArtifactManager(ledger)

	stores := storage.NewStoreFactory(cfg.Storage, logger)
	publisher := storage.NewPublisher(stores, cfg.Storage.Prefix, logger)

	var datasets storage.Store
	if job.TrainingDataRemote != "" {
		if datasets, err = stores(job.UploadToken); err != nil {
			return err
		}
	}

	var notifier notify.Notifier
	if cfg.Slack.Token != "" && cfg.Slack.Channel != "" {
		notifier = notify.NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel, logger)
	}

	if cfg.StatusAddr != "" {
		r := mux.NewRouter()
		routes.SetupRoutes(r, monitor, artifacts, cancel, history)
		server := &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: r,
		}
		go func() {
			logger.Printf("Starting status server on %s", cfg.StatusAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("Status server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Printf("Status server forced to shutdown: %v", err)
			}
		}()
	}

	logger.Printf("Starting run %s: session %s, family %s", job.RunID, job.SessionName, job.Family)
	p := pipeline.NewPipeline(pc, monitor, artifacts, publisher, datasets, notifier)
	result, runErr := p.Run(ctx, job)

	if jobs != nil {
		snap := monitor.Snapshot()
		if err := jobs.UpdateJobStatus(job.RunID, snap.Status, snap.Error); err != nil {
			logger.Printf("Failed to update run status: %v", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	logger.Printf("Result: %s", result)
	return nil
}
