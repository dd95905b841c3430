package step

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/analytics"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/internal"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/nexusmods"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/output"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/secretkeys"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/stepconf"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/stepenv"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const (
	uploadIDOutputKey = "NEXUSMODS_UPLOAD_ID"
	fileUIDOutputKey  = "NEXUSMODS_FILE_UID"
)

// Input is the raw step input, as defined in step.yml.
type Input struct {
	APIKey           stepconf.Secret `env:"api_key,required"`
	Protocol         string          `env:"protocol,opt[v3,legacy]"`
	APIBaseURL       string          `env:"api_base_url"`
	Domain           string          `env:"domain"`
	GameID           string          `env:"game_id"`
	ModID            string          `env:"mod_id"`
	ModUID           string          `env:"mod_uid"`
	FileID           string          `env:"file_id"`
	FilePath         string          `env:"file_path,required"`
	Name             string          `env:"name"`
	Version          string          `env:"version,required"`
	FileCategory     string          `env:"file_category"`
	RemoveOldVersion *bool           `env:"remove_old_version"`
	LatestModVersion *bool           `env:"latest_mod_version"`
	PollIntervalMs   int             `env:"poll_interval_ms"`
	PollMaxAttempts  int             `env:"poll_max_attempts"`
	HTTPRetries      int             `env:"http_retries"`
	Verbose          bool            `env:"verbose"`
}

// Config is the validated configuration of an upload.
type Config struct {
	Protocol    nexusmods.Config
	FilePath    string
	DisplayName string
	Mod         nexusmods.ModFile
	Poll        nexusmods.PollConfig
	HTTPRetries int
}

// Uploader is the Nexus Mods upload step.
type Uploader struct {
	envRepo       env.Repository
	inputParser   stepconf.InputParser
	logger        log.Logger
	pathModifier  pathutil.PathModifier
	pathChecker   pathutil.PathChecker
	exporter      output.Exporter
	fs            internal.FileSystem
	secretManager secretkeys.Manager
	sleeper       nexusmods.Sleeper
}

// NewUploader ...
func NewUploader(
	envRepo env.Repository,
	inputParser stepconf.InputParser,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	exporter output.Exporter,
) Uploader {
	return Uploader{
		envRepo:       envRepo,
		inputParser:   inputParser,
		logger:        logger,
		pathModifier:  pathModifier,
		pathChecker:   pathChecker,
		exporter:      exporter,
		fs:            internal.RealOS{},
		secretManager: secretkeys.NewManager(),
	}
}

// ProcessConfig parses and validates the step inputs.
func (u Uploader) ProcessConfig() (Config, error) {
	var input Input
	if err := u.inputParser.Parse(&input); err != nil {
		return Config{}, err
	}
	stepconf.Print(input)
	u.logger.Println()
	u.logger.EnableDebugLog(input.Verbose)

	protocol := nexusmods.ProtocolName(input.Protocol).Normalized()

	mod := nexusmods.ModFile{
		GameID:           strings.TrimSpace(input.GameID),
		ModID:            strings.TrimSpace(input.ModID),
		ModUID:           strings.TrimSpace(input.ModUID),
		FileID:           strings.TrimSpace(input.FileID),
		Version:          strings.TrimSpace(input.Version),
		Category:         strings.TrimSpace(input.FileCategory),
		RemoveOldVersion: boolOrDefault(input.RemoveOldVersion, true),
		LatestModVersion: boolOrDefault(input.LatestModVersion, true),
	}
	if err := validateMod(protocol, &mod); err != nil {
		return Config{}, err
	}

	poll, err := pollConfig(input.PollIntervalMs, input.PollMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	if input.HTTPRetries < 0 {
		return Config{}, fmt.Errorf("http_retries must not be negative, got %d", input.HTTPRetries)
	}

	filePath, err := u.resolveFilePath(input.FilePath)
	if err != nil {
		return Config{}, err
	}
	u.logger.Donef("File to upload: %s", filePath)

	return Config{
		Protocol: nexusmods.Config{
			Protocol:   protocol,
			APIKey:     string(input.APIKey),
			APIBaseURL: strings.TrimSpace(input.APIBaseURL),
			Domain:     strings.TrimSpace(input.Domain),
		},
		FilePath:    filePath,
		DisplayName: strings.TrimSpace(input.Name),
		Mod:         mod,
		Poll:        poll,
		HTTPRetries: input.HTTPRetries,
	}, nil
}

func boolOrDefault(value *bool, defaultValue bool) bool {
	if value == nil {
		return defaultValue
	}
	return *value
}

func validateMod(protocol nexusmods.ProtocolName, mod *nexusmods.ModFile) error {
	protocol = protocol.Normalized()

	var missing []string
	switch protocol {
	case nexusmods.ProtocolV3:
		if mod.ModUID == "" {
			missing = append(missing, "mod_uid")
		}
		if mod.Category == "" {
			mod.Category = "main"
		}
	case nexusmods.ProtocolLegacy:
		for input, value := range map[string]string{"game_id": mod.GameID, "mod_id": mod.ModID, "file_id": mod.FileID} {
			if value == "" {
				missing = append(missing, input)
			}
		}
		if mod.Category == "" {
			mod.Category = "1"
		}
		if _, err := strconv.Atoi(mod.Category); err != nil {
			return fmt.Errorf("file_category must be a number with the legacy protocol, got %s", mod.Category)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("the %s protocol requires the following inputs: %s", protocol, strings.Join(missing, ", "))
	}
	return nil
}

func pollConfig(intervalMs, maxAttempts int) (nexusmods.PollConfig, error) {
	poll := nexusmods.DefaultPollConfig()
	if intervalMs < 0 {
		return poll, fmt.Errorf("poll_interval_ms must not be negative, got %d", intervalMs)
	}
	if maxAttempts < 0 {
		return poll, fmt.Errorf("poll_max_attempts must not be negative, got %d", maxAttempts)
	}
	if intervalMs > 0 {
		poll.InitialInterval = time.Duration(intervalMs) * time.Millisecond
	}
	if maxAttempts > 0 {
		poll.MaxAttempts = maxAttempts
	}
	return poll, nil
}

// Run uploads the file and claims it for the mod.
func (u Uploader) Run(ctx context.Context, cfg Config) (nexusmods.Result, error) {
	file, err := nexusmods.NewFileDescriptor(u.fs, cfg.FilePath, cfg.DisplayName)
	if err != nil {
		return nexusmods.Result{}, err
	}
	u.logger.Printf("File size: %s", units.HumanSizeWithPrecision(float64(file.Size), 3))

	protocolConfig := cfg.Protocol
	protocolConfig.HTTPClient = nexusmods.NewHTTPClient(u.logger, cfg.HTTPRetries)
	protocolConfig.RequestID = uuid.NewString()
	protocolConfig.Redactor = secretkeys.NewRedactorFromEnv(u.secretManager, u.envRepo, cfg.Protocol.APIKey)
	protocolConfig.FileSystem = u.fs
	u.logger.Debugf("Request ID: %s", protocolConfig.RequestID)

	protocol, err := nexusmods.NewProtocol(protocolConfig, u.logger)
	if err != nil {
		return nexusmods.Result{}, err
	}

	var tracker nexusmods.Tracker
	uploadTracker, err := analytics.NewDefaultUploadTracker(u.envRepo, u.logger, protocolConfig.Protocol)
	if err != nil {
		u.logger.Debugf("Analytics disabled: %s", err)
	} else {
		tracker = uploadTracker
		defer uploadTracker.Wait()
	}

	u.logger.Println()
	u.logger.Infof("Uploading %s to Nexus Mods (%s protocol)...", file.DisplayName, protocolConfig.Protocol)
	uploadStartTime := time.Now()

	uploader := nexusmods.NewUploader(protocol, nexusmods.NewPoller(cfg.Poll, u.sleeper, u.logger), tracker, u.logger)
	result, err := uploader.Upload(ctx, file, cfg.Mod)
	if err != nil {
		return nexusmods.Result{}, err
	}

	u.logger.Donef("File uploaded successfully to Nexus Mods in %s", time.Since(uploadStartTime).Round(time.Second))
	return result, nil
}

// Export exposes the identifiers of the upload as step outputs.
func (u Uploader) Export(result nexusmods.Result) error {
	repository := stepenv.NewRepository(u.envRepo, u.exporter)

	u.logger.Println()
	if err := repository.Set(uploadIDOutputKey, result.UploadID); err != nil {
		return fmt.Errorf("failed to export %s: %w", uploadIDOutputKey, err)
	}
	u.logger.Printf("%s: %s", uploadIDOutputKey, result.UploadID)

	if result.Claim.FileUID == "" {
		return nil
	}
	if err := repository.Set(fileUIDOutputKey, result.Claim.FileUID); err != nil {
		return fmt.Errorf("failed to export %s: %w", fileUIDOutputKey, err)
	}
	u.logger.Printf("%s: %s", fileUIDOutputKey, result.Claim.FileUID)
	return nil
}
