package output

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/command"
)

// Exporter exports step outputs into the build's environment through envman.
type Exporter interface {
	ExportOutput(key, value string) error
}

type envmanExporter struct {
	cmdFactory command.Factory
}

// NewExporter ...
func NewExporter(cmdFactory command.Factory) Exporter {
	return envmanExporter{cmdFactory: cmdFactory}
}

// ExportOutput is used for exposing values for other steps regardless of their size.
func (e envmanExporter) ExportOutput(key, value string) error {
	cmd := e.cmdFactory.Create("envman", []string{"add", "--key", key, "--value", value}, nil)
	if out, err := cmd.RunAndReturnTrimmedCombinedOutput(); err != nil {
		return fmt.Errorf("exporting output with envman failed: %s, output: %s", err, out)
	}
	return nil
}
