package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the settings an
// operator checks first
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("MarketPost", GetVersion())

	platforms := config.Automation.Platforms
	if len(platforms) == 0 {
		platforms = []string{"all"}
	}

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("address", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)).
		Strs("platforms", platforms).
		Str("token_backend", config.Tokens.Backend).
		Bool("headless", config.Browser.Headless).
		Bool("rotation", config.Blocking.Enabled).
		Msg("MarketPost starting")
}
