package stepconf

// InputParser fills a config struct from step inputs.
type InputParser interface {
	Parse(input interface{}) error
}

type defaultInputParser struct {
	envGetter EnvGetter
}

// NewInputParser returns an InputParser reading the inputs through envGetter,
// usually an env.Repository.
func NewInputParser(envGetter EnvGetter) InputParser {
	return defaultInputParser{
		envGetter: envGetter,
	}
}

// Parse populates input (a pointer to a struct with `env` tags) and validates it.
func (p defaultInputParser) Parse(input interface{}) error {
	return parse(input, p.envGetter)
}
