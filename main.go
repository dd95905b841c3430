package main

import (
	"context"
	"os"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/output"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/step"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/stepconf"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()
	envRepo := env.NewRepository()
	uploader := step.NewUploader(
		envRepo,
		stepconf.NewInputParser(envRepo),
		logger,
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		output.NewExporter(command.NewFactory(envRepo)),
	)

	config, err := uploader.ProcessConfig()
	if err != nil {
		logger.Errorf("Process config: %s", err)
		return 1
	}

	result, err := uploader.Run(context.Background(), config)
	if err != nil {
		logger.Errorf("Upload failed: %s", err)
		return 1
	}

	if err := uploader.Export(result); err != nil {
		logger.Errorf("Export outputs: %s", err)
		return 1
	}
	return 0
}
