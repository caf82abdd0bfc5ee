package util

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to the upper-cased flag name to build its environment variable
const EnvPrefix = "OTA_"

// SetFlagsFromEnvVars fills the flags of cmd, including the inherited ones, from OTA_ prefixed
// environment variables. Flags given on the command line keep their value.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		envName := FlagEnvName(f.Name)
		value, present := os.LookupEnv(envName)
		if !present {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			log.Warnf("ignoring %s, unable to set flag %s: %v", envName, f.Name, err)
		}
	})
}

// FlagEnvName returns the environment variable of a flag, e.g. manifest-url -> OTA_MANIFEST_URL
func FlagEnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
