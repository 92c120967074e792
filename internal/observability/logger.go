package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NodeLogger returns the global logger tagged with the node identity.
func NodeLogger(node string) zerolog.Logger {
	return log.Logger.With().Str("node", node).Logger()
}
