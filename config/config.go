package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	RaftbedVersion = "-"
)

// init reads the VERSION file from the project root so the CLI and
// logs can report a version without a build-time ldflags step.
func init() {
	_, currentFile, _, _ := runtime.Caller(0) //nolint:dogsled

	// config.go lives in config/, so the project root is one level up.
	projectRoot := filepath.Dir(filepath.Dir(currentFile))

	version, err := os.ReadFile(filepath.Join(projectRoot, "VERSION"))
	if err != nil {
		slog.Error("could not read the version file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	RaftbedVersion = strings.TrimSpace(string(version))

	// Ensure Config is non-nil with default values for tests and simple runs
	if Config == nil {
		Config = initDefaultConfig()
	}
}

var Config *RaftbedConfig

// RaftbedConfig holds every tunable of the harness. The struct tags
// drive flag binding (cmd package), YAML config files (viper), and the
// reflective defaults below.
type RaftbedConfig struct {
	Servers      int  `mapstructure:"servers" default:"5" description:"number of replicated server slots in the simulated cluster"`
	Unreliable   bool `mapstructure:"unreliable" default:"false" description:"simulate message delay and loss from the start"`
	MaxRaftState int  `mapstructure:"maxraftstate" default:"-1" description:"snapshot when persisted consensus state exceeds this many bytes; -1 disables snapshots"`

	LogLevel string `mapstructure:"log-level" default:"info" description:"the log level"`
	LogTags  string `mapstructure:"log-tags" default:"" description:"comma separated verbose-log tags to enable (e.g. cluster,raft,net)"`

	Scenario string `mapstructure:"scenario" default:"" description:"path to a YAML scenario file to run"`

	MetricsAddr string `mapstructure:"metrics-addr" default:"" description:"if set, serve harness counters over HTTP on this address (host:port)"`
}

// Load resolves the configuration: YAML file in the metadata dir if
// present, overridden by any flag the user actually set.
func Load(flags *pflag.FlagSet) {
	configureMetadataDir()
	viper.SetConfigType("yaml")
	viper.AddConfigPath(MetadataDir)
	viper.SetConfigName("raftbed")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "help" {
			return
		}
		// Only update parsed config if the user set the value or viper lacks it
		if flag.Changed || !viper.IsSet(flag.Name) {
			viper.Set(flag.Name, flag.Value.String())
		}
	})

	if err := viper.Unmarshal(&Config); err != nil {
		panic(err)
	}
}

// InitConfig writes the resolved configuration out as raftbed.yaml in
// the metadata dir, unless one already exists and --overwrite was not
// given.
func InitConfig(flags *pflag.FlagSet) {
	Load(flags)
	configPath := filepath.Join(MetadataDir, "raftbed.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		err := viper.WriteConfigAs(configPath)
		if err != nil {
			slog.Error("could not write the config file",
				slog.String("path", configPath),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("config created", slog.String("path", configPath))
	} else {
		if overwrite, _ := flags.GetBool("overwrite"); overwrite {
			err := viper.WriteConfigAs(configPath)
			if err != nil {
				slog.Error("could not write the config file",
					slog.String("path", configPath),
					slog.String("error", err.Error()))
				os.Exit(1)
			}
			slog.Info("config overwritten", slog.String("path", configPath))
		} else {
			slog.Info("config already exists. skipping.", slog.String("path", configPath))
			slog.Info("run with --overwrite to overwrite the existing config")
		}
	}
}

// configureMetadataDir creates the default metadata directory used for
// the config file and any other persistent harness state.
func configureMetadataDir() {
	// If MetadataDir is not an absolute path, anchor it to current working directory.
	if !filepath.IsAbs(MetadataDir) {
		cwd, _ := os.Getwd()
		MetadataDir = filepath.Join(cwd, MetadataDir)
	}
	if err := os.MkdirAll(MetadataDir, 0o700); err != nil {
		fmt.Printf("could not create metadata directory at %s. error: %s\n", MetadataDir, err)
		fmt.Println("using current directory as metadata directory")
		MetadataDir = "."
	}
}

func initDefaultConfig() *RaftbedConfig {
	defaultConfig := &RaftbedConfig{}
	configType := reflect.TypeOf(*defaultConfig)
	configValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)
		value := configValue.Field(i)

		tag := field.Tag.Get("default")
		if tag != "" {
			switch value.Kind() {
			case reflect.String:
				value.SetString(tag)
			case reflect.Int:
				intVal := 0
				_, err := fmt.Sscanf(tag, "%d", &intVal)
				if err == nil {
					value.SetInt(int64(intVal))
				}
			case reflect.Bool:
				boolVal := false
				_, err := fmt.Sscanf(tag, "%t", &boolVal)
				if err == nil {
					value.SetBool(boolVal)
				}
			}
		}
	}

	return defaultConfig
}

// ForceInit replaces the global config, filling zero-valued fields
// from the defaults. Used by tests.
func ForceInit(config *RaftbedConfig) {
	defaultConfig := initDefaultConfig()

	configType := reflect.TypeOf(*config)
	configValue := reflect.ValueOf(config).Elem()

	defaultConfigValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		value := configValue.Field(i)
		defaultValue := defaultConfigValue.Field(i)
		if value.IsZero() {
			value.Set(defaultValue)
		}
	}

	Config = config
}
