package scripted

import (
	"log"
	"time"

	"github.com/spf13/viper"

	"github.jpl.nasa.gov/bdube/gostem/watch"
)

/*SetupViper configures viper with default values and config file locations
for the scripted acquisition options:
	- engineExe
	- scriptPath
	- artifactPath
	- pollInterval
	- acquireTimeout
	- relayInteractiveScript
	- relayScriptedScript
	- relaySettle

The config file is named stem-scripted, can be any type supported by
Viper, and is located adjacent to the binary or at $HOME
*/
func SetupViper() {
	viper.SetDefault("engineExe", `C:\Program Files\Gatan\DigitalMicrograph.exe`)
	viper.SetDefault("scriptPath", `C:\automation\acquire_temp.s`)
	viper.SetDefault("artifactPath", `C:\automation\latest_scan.fits`)
	viper.SetDefault("pollInterval", 100*time.Millisecond)
	viper.SetDefault("acquireTimeout", 120*time.Second)
	viper.SetDefault("relayInteractiveScript", `C:\automation\relay_interactive.s`)
	viper.SetDefault("relayScriptedScript", `C:\automation\relay_scripted.s`)
	viper.SetDefault("relaySettle", 2*time.Second)

	viper.SetConfigName("stem-scripted")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// pass
		} else {
			log.Fatalf("loading of config file failed %q", err)
		}
	}
}

// FromViper builds a Synchronizer from the viper configuration.
// SetupViper must have been called first.
func FromViper() *Synchronizer {
	return &Synchronizer{
		ScriptPath:   viper.GetString("scriptPath"),
		ArtifactPath: viper.GetString("artifactPath"),
		Engine:       ExecEngine{Exe: viper.GetString("engineExe")},
		Watcher:      watch.Poll{Interval: viper.GetDuration("pollInterval")},
		Timeout:      viper.GetDuration("acquireTimeout"),
	}
}

// RelayFromViper builds the detector relay from the viper configuration.
func RelayFromViper() *Relay {
	return &Relay{
		Engine:            ExecEngine{Exe: viper.GetString("engineExe")},
		InteractiveScript: viper.GetString("relayInteractiveScript"),
		ScriptedScript:    viper.GetString("relayScriptedScript"),
		SettleTime:        viper.GetDuration("relaySettle"),
	}
}
