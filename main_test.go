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

package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/VertebrateResequencing/batchq/internal"
	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"
)

var testLogger = log15.New()

func init() {
	testLogger.SetHandler(log15.DiscardHandler())
}

func TestConfig(t *testing.T) {
	fileTestSetup := func(dir, scheduler, email1, email2 string) (string, string, error) {
		path := filepath.Join(dir, ".batchq_config.yml")
		if _, err := os.Stat(path); err == nil {
			return path, "", fmt.Errorf("%s already exists", path)
		}
		path2 := filepath.Join(dir, ".batchq_config.development.yml")
		if _, err := os.Stat(path2); err == nil {
			return path, "", fmt.Errorf("%s already exists", path2)
		}

		err := ioutil.WriteFile(path, []byte(fmt.Sprintf("scheduler: \"%s\"\nemail: \"%s\"\n", scheduler, email1)), 0600)
		if err != nil {
			return path, path2, err
		}
		err = ioutil.WriteFile(path2, []byte(fmt.Sprintf("email: \"%s\"\n", email2)), 0600)
		return path, path2, err
	}
	fileTestTeardown := func(path, path2 string) {
		err := os.Remove(path)
		if err != nil {
			fmt.Printf("\nfailed to delete %s: %s\n", path, err)
		}
		err = os.Remove(path2)
		if err != nil {
			fmt.Printf("\nfailed to delete %s: %s\n", path2, err)
		}
	}

	Convey("In the repository the default deployment is development", t, func() {
		So(internal.DefaultDeployment(testLogger), ShouldEqual, internal.Development)
	})

	Convey("ConfigLoad gives default values to start with", t, func() {
		config := internal.ConfigLoad("development", false, testLogger)
		So(config.Scheduler, ShouldEqual, "pbs")
		So(config.Source("Scheduler"), ShouldEqual, internal.ConfigSourceDefault)
		So(config.Email, ShouldBeBlank)
		So(config.IsDevelopment(), ShouldBeTrue)

		Convey("These can be overridden with config files in BATCHQ_CONFIG_DIR", func() {
			dir, err := ioutil.TempDir("", "batchq_conf_test")
			So(err, ShouldBeNil)
			defer os.RemoveAll(dir)

			path, path2, err := fileTestSetup(dir, "sge", "a@b.c", "d@e.f")
			defer fileTestTeardown(path, path2)
			So(err, ShouldBeNil)

			os.Setenv("BATCHQ_CONFIG_DIR", dir)
			defer os.Unsetenv("BATCHQ_CONFIG_DIR")

			config = internal.ConfigLoad("development", false, testLogger)
			So(config.Scheduler, ShouldEqual, "sge")
			So(config.Source("Scheduler"), ShouldEqual, path)
			So(config.Email, ShouldEqual, "d@e.f")
			So(config.Source("Email"), ShouldEqual, path2)

			Convey("Which can be overridden with config files in the current dir", func() {
				pwd, err := os.Getwd()
				So(err, ShouldBeNil)
				path3, path4, err := fileTestSetup(pwd, "direct", "g@h.i", "j@k.l")
				defer fileTestTeardown(path3, path4)
				So(err, ShouldBeNil)

				config = internal.ConfigLoad("development", false, testLogger)
				So(config.Scheduler, ShouldEqual, "direct")
				So(config.Source("Scheduler"), ShouldEqual, path3)
				So(config.Email, ShouldEqual, "j@k.l")
				So(config.Source("Email"), ShouldEqual, path4)
			})
		})
	})
}
