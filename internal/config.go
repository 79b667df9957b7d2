// Copyright © 2021 Genome Research Limited
//
//  This file is part of batchq.
//
//  batchq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  batchq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with batchq. If not, see <http://www.gnu.org/licenses/>.

package internal

// this file implements the config system used by the cmd package

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/inconshreveable/log15"
	"github.com/jinzhu/configor"
	"github.com/olekukonko/tablewriter"
)

const (
	configCommonBasename = ".batchq_config.yml"

	// Production is the name of the main deployment
	Production = "production"

	// Development is the name of the development deployment, used during testing
	Development = "development"

	// ConfigSourceEnvVar is a config value source
	ConfigSourceEnvVar = "env var"

	// ConfigSourceDefault is a config value source
	ConfigSourceDefault = "default"

	sourcesProperty = "sources"
	envPrefix       = "BATCHQ"
)

// Config holds the configuration options for submitting and tracking jobs.
// Times are in seconds.
type Config struct {
	Scheduler          string `default:"pbs"`
	ExecShell          string `default:"bash"`
	ExecHost           string `default:""`
	ExecUser           string `default:""`
	PrivateKeyPath     string `default:"~/.ssh/id_rsa"`
	ExecKnownHosts     string `default:""`
	ManagerDir         string `default:"~/.batchq"`
	HistoryFile        string `default:"history.db"`
	PollInterval       int    `default:"30"`
	WaitGracePeriod    int    `default:"5"`
	ResubmitOnError    bool   `default:"false"`
	ResubmitAttempts   int    `default:"3"`
	ResubmitWait       int    `default:"10"`
	PBSMemoryResource  string `default:"mem"`
	SGEMemoryResource  string `default:"s_data"`
	SGEStorageResource string `default:"h_fsize"`
	SGENodeFlags       bool   `default:"false"`
	SubmitExe          string `default:"qsub"`
	StatusExe          string `default:"qstat"`
	KillExe            string `default:"qdel"`
	AccountingExe      string `default:"qacct"`
	ProbeExitCodes     bool   `default:"false"`
	LogDir             string `default:""`
	Email              string `default:""`
	GroupList          string `default:""`
	Umask              string `default:""`
	StatusCacheTime    int    `default:"1"`
	ReadOutUnknownIsOK bool   `default:"false"`
	Deployment         string `default:"production"`
	sources            map[string]string
}

// merge compares existing to new Config values, and for each one that has
// changed, sets the given source on the changed property in our sources,
// and sets the new value on ourselves.
func (c *Config) merge(new *Config, source string) {
	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	vNew := reflect.ValueOf(*new)

	if c.sources == nil {
		c.sources = make(map[string]string)
	}

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		if vNew.Field(i).Interface() != v.Field(i).Interface() {
			c.sources[property] = source
			setField(reflect.ValueOf(c).Elem().Field(i), vNew.Field(i))
		}
	}
}

// clone makes a new Config with our values.
func (c *Config) clone() *Config {
	new := &Config{}

	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if typeOfC.Field(i).Name == sourcesProperty {
			continue
		}
		setField(reflect.ValueOf(new).Elem().Field(i), v.Field(i))
	}

	new.sources = make(map[string]string)
	for key, val := range c.sources {
		new.sources[key] = val
	}

	return new
}

func setField(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.String:
		dst.SetString(src.String())
	case reflect.Int:
		dst.SetInt(src.Int())
	case reflect.Bool:
		dst.SetBool(src.Bool())
	}
}

// Source returns where the value of a Config field was defined.
func (c Config) Source(field string) string {
	if c.sources == nil {
		return ConfigSourceDefault
	}
	source, set := c.sources[field]
	if !set {
		return ConfigSourceDefault
	}
	return source
}

func (c Config) String() string {
	v := reflect.ValueOf(c)
	typeOfC := v.Type()

	tableString := &strings.Builder{}
	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"Config", "Value", "Source"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		table.Append([]string{property, fmt.Sprintf("%v", v.Field(i).Interface()), c.Source(property)})
	}

	table.Render()
	return tableString.String()
}

/*
ConfigLoad loads configuration settings from files and environment
variables. Note, this function exits on error, since without config we can't
do anything.

We prefer settings in config file in current dir (or the current dir's parent
dir if the useparentdir option is true (used for test scripts)) over config file
in home directory over config file in dir pointed to by BATCHQ_CONFIG_DIR.

The deployment argument determines if we read .batchq_config.production.yml or
.batchq_config.development.yml; we always read .batchq_config.yml. If the empty
string is supplied, deployment is development if you're in the git repository
directory. Otherwise, deployment is taken from the environment variable
BATCHQ_DEPLOYMENT, and if that's not set it defaults to production.

Settings found in no file can be set with the environment variable
BATCHQ_<setting name in caps>, eg.
export BATCHQ_SCHEDULER="sge"
*/
func ConfigLoad(deployment string, useparentdir bool, logger log15.Logger) Config {
	config, err := configLoad(deployment, useparentdir, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	return config
}

func configLoad(deployment string, useparentdir bool, logger log15.Logger) (Config, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	if useparentdir {
		pwd = filepath.Dir(pwd)
	}

	// if deployment not set on the command line
	if deployment != Development && deployment != Production {
		deployment = DefaultDeployment(logger)
	}
	// we don't os.Setenv("CONFIGOR_ENV", deployment) to stop configor loading
	// files before we want it to
	err = os.Setenv("CONFIGOR_ENV_PREFIX", envPrefix)
	if err != nil {
		return Config{}, err
	}

	// because we want to know the source of every value, we can't take
	// advantage of configor.Load() being able to take all env vars and config
	// files at once. We do it repeatedly and merge results instead
	config := &Config{}
	if err = defaults.Set(config); err != nil {
		return Config{}, err
	}

	configEnv := config.clone()
	err = configor.Load(configEnv)
	if err != nil {
		return Config{}, err
	}
	config.merge(configEnv, ConfigSourceEnvVar)

	// read each config file and merge results
	configDeploymentBasename := ".batchq_config." + deployment + ".yml"

	var dirs []string
	if configDir := os.Getenv(envPrefix + "_CONFIG_DIR"); configDir != "" {
		dirs = append(dirs, configDir)
	}
	home, herr := os.UserHomeDir()
	if herr != nil || home == "" {
		return Config{}, fmt.Errorf("could not find home dir: %v", herr)
	}
	dirs = append(dirs, home, pwd)

	for _, dir := range dirs {
		for _, basename := range []string{configCommonBasename, configDeploymentBasename} {
			if err = configLoadFromFile(config, filepath.Join(dir, basename)); err != nil {
				return Config{}, err
			}
		}
	}

	// adjust properties as needed
	config.Deployment = deployment

	// convert the possible ~/ in ManagerDir to abs path to user's home
	config.ManagerDir = TildaToHome(config.ManagerDir)
	config.ManagerDir += "_" + deployment
	config.PrivateKeyPath = TildaToHome(config.PrivateKeyPath)
	config.ExecKnownHosts = TildaToHome(config.ExecKnownHosts)

	// convert the possible relative paths to abs paths in ManagerDir
	if config.HistoryFile != "" && !filepath.IsAbs(config.HistoryFile) {
		config.HistoryFile = filepath.Join(config.ManagerDir, config.HistoryFile)
	}
	if config.LogDir != "" {
		config.LogDir = TildaToHome(config.LogDir)
	}

	return *config, nil
}

func configLoadFromFile(config *Config, path string) error {
	_, err := os.Stat(path)
	if err != nil {
		return nil
	}

	configFile := config.clone()
	err = configor.Load(configFile, path)
	if err != nil {
		return err
	}
	config.merge(configFile, path)
	return nil
}

// IsProduction tells you if we're in the production deployment.
func (c Config) IsProduction() bool {
	return c.Deployment == Production
}

// IsDevelopment tells you if we're in the development deployment.
func (c Config) IsDevelopment() bool {
	return c.Deployment == Development
}

// Seconds converts one of our integer second settings to a Duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// DefaultDeployment works out the default deployment.
func DefaultDeployment(logger log15.Logger) string {
	pwd, err := os.Getwd()
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	// if we're in the git repository
	var deployment string
	if _, err := os.Stat(filepath.Join(pwd, "jobqueue", "manager.go")); err == nil {
		// force development
		deployment = Development
	} else {
		// default to production
		deployment = Production

		// and allow env var to override with development
		if deploymentEnv := os.Getenv(envPrefix + "_DEPLOYMENT"); deploymentEnv != "" {
			if deploymentEnv == Development {
				deployment = Development
			}
		}
	}
	return deployment
}

// DefaultConfig works out the default config for when we need to be able to
// report the default before we know what deployment the user has actually
// chosen, ie. before we have a final config.
func DefaultConfig(logger log15.Logger) Config {
	return ConfigLoad(DefaultDeployment(logger), false, logger)
}
