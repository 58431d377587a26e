package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/latentmorph/internal/envvar"
)

// Environment is the deployment environment the binary runs in.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// FromEnv reads the environment from LATENTMORPH_ENV, defaulting to development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.LatentmorphEnv))
}

// Parse maps a name to an Environment. Unknown names are development.
func Parse(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return Production
	default:
		return Development
	}
}

// IsProduction reports whether e is Production.
func (e Environment) IsProduction() bool {
	return e == Production
}
