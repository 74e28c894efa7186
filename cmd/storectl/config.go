package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/host"
)

const (
	configFileName = "storectl"
	configFileType = "yaml"
	envPrefix      = "STORECTL"

	cfgKeyArcID      = "arc_id"
	cfgKeyObserver   = "observer"
	cfgKeyDriverRoot = "driver.root"
	cfgKeyServer     = "server"
	cfgKeyListen     = "listen"

	defaultServer = "http://localhost:8470"
	defaultListen = ":8470"
)

// loadConfig reads storectl.yaml from the working directory, or path when
// given, and layers STORECTL_* environment variables over it. A missing
// default file is not an error; a missing explicit file is.
func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(cfgKeyServer, defaultServer)
	v.SetDefault(cfgKeyListen, defaultListen)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// hostConfig maps the loaded settings onto host defaults.
func hostConfig(v *viper.Viper) host.Config {
	cfg := host.DefaultConfig()
	cfg.Merge(&host.Config{
		Driver:   driver.Config{Root: v.GetString(cfgKeyDriverRoot)},
		Observer: v.GetString(cfgKeyObserver),
		ArcID:    v.GetString(cfgKeyArcID),
	})
	return cfg
}
