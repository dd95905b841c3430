package stepenv

import (
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-steplib/bitrise-step-nexusmods-upload/output"
)

// NewRepository returns an env.Repository whose Set and Unset also export the
// value as a step output, so later steps of the build can read it.
func NewRepository(osRepository env.Repository, exporter output.Exporter) env.Repository {
	return defaultRepository{
		osRepository: osRepository,
		exporter:     exporter,
	}
}

type defaultRepository struct {
	osRepository env.Repository
	exporter     output.Exporter
}

func (r defaultRepository) Get(key string) string {
	return r.osRepository.Get(key)
}

func (r defaultRepository) Set(key, value string) error {
	if err := r.osRepository.Set(key, value); err != nil {
		return err
	}
	return r.exporter.ExportOutput(key, value)
}

func (r defaultRepository) Unset(key string) error {
	if err := r.osRepository.Unset(key); err != nil {
		return err
	}
	return r.exporter.ExportOutput(key, "")
}

func (r defaultRepository) List() []string {
	return r.osRepository.List()
}
