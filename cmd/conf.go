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

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultYML = `# The format of this file is YAML

# scheduler: Which job scheduler should jobs be submitted to?
# pbs and sge submit with qsub; direct just runs each job's command on the
# machine batchq is running on (or exechost), one after another, without any
# job scheduler at all.
#scheduler: "pbs"

# execshell: What shell should be used to run job scheduler commands and, with
# the direct scheduler, your tools?
#execshell: "bash"

# exechost: If set, job scheduler commands (qsub, qstat etc.) are run over ssh
# on this host instead of locally, so you can submit from a machine outside the
# cluster.
#exechost: ""

# execuser: The user to ssh to exechost as. Defaults to your username.
#execuser: ""

# privatekeypath: The private key used to ssh to exechost.
#privatekeypath: "~/.ssh/id_rsa"

# execknownhosts: A known_hosts file that exechost's key must be listed in. If
# unset, any host key is accepted.
#execknownhosts: ""

# managerdir: The directory batchq keeps its files in. Note that the
# deployment will be appended to this, eg. ~/.batchq_production
#managerdir: "~/.batchq"

# historyfile: The file in managerdir that records the jobs of every run and
# every change to their state.
#historyfile: "history.db"

# pollinterval: How often (seconds) to ask the job scheduler about the state of
# the jobs of a run while waiting for them to finish.
#pollinterval: 30

# waitgraceperiod: How long (seconds) to keep polling, once every job has
# apparently finished, for the job scheduler to settle.
#waitgraceperiod: 5

# resubmitonerror: Should a submission that fails be tried again?
#resubmitonerror: false

# resubmitattempts: How many times to try a failing submission (at most 100).
#resubmitattempts: 3

# resubmitwait: How long (seconds) to wait before the first retry of a failed
# submission; later retries wait longer.
#resubmitwait: 10

# pbsmemoryresource: The PBS resource name memory requests are given as, eg.
# -l mem=4gb
#pbsmemoryresource: "mem"

# sgememoryresource: The SGE resource name memory requests are given as.
#sgememoryresource: "s_data"

# sgestorageresource: The SGE resource name storage requests are given as.
#sgestorageresource: "h_fsize"

# sgenodeflags: Should node count and walltime be requested from SGE? Many
# SGE installations reject these.
#sgenodeflags: false

# submitexe, statusexe, killexe, accountingexe: The job scheduler commands used
# to submit jobs, list their states, kill them, and find out their exit codes.
#submitexe: "qsub"
#statusexe: "qstat"
#killexe: "qdel"
#accountingexe: "qacct"

# probeexitcodes: When a job stops being listed by the job scheduler, should its
# exit code be looked up with accountingexe? If not, it is assumed to have
# succeeded.
#probeexitcodes: false

# logdir: The directory job output logs are written to. Defaults to the job
# scheduler's default (usually the directory you submitted from).
#logdir: ""

# email: If set, the job scheduler will mail this address when jobs abort.
#email: ""

# grouplist: The group jobs run as (-W group_list with pbs).
#grouplist: ""

# umask: The umask for job output files (-W umask with pbs), eg. "0022".
#umask: ""

# statuscachetime: For how long (seconds) a listing of job states can be reused
# before asking the job scheduler again.
#statuscachetime: 1

# readoutunknownisok: When reading a past run back from the history, should
# jobs that were never seen to finish count as having succeeded?
#readoutunknownisok: false
`

// options for this cmd
var confDefault bool

// confCmd represents the conf command
var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "See batchq's configuration",
	Long: `See the configuration values batchq will use.

This command also shows where a particular value was defined.

For a list of all possible configuration settings, their descriptions and
default values in the yml format suitable for using as one of your config files,
use the --default option.

batchq will load its configuration settings from one or more files named
.batchq_config[.production|.development].yml found in these directories, in
order of precedence:
1) The current directory
2) Your home directory
3) The directory pointed to by the environment variable $BATCHQ_CONFIG_DIR

.batchq_config.yml files are always read, and can be used to define settings
common to both production and development deployments.
.batchq_config.production.yml files are only read in a production context:
either a --deployment production option has been passed to the batchq
executable, or the environment variable $BATCHQ_DEPLOYMENT has been set to
'production'. A similar story applies for .batchq_config.development.yml files.
The default deployment is production (unless you're in the git repository for
batchq, in which case it is development).

If a setting is found in none of the files read, then an environment variable is
checked: BATCHQ_<setting name in caps>. Eg. to use SGE you might do:
export BATCHQ_SCHEDULER="sge"`,
	Run: func(cmd *cobra.Command, args []string) {
		if confDefault {
			fmt.Print(defaultYML)
			os.Exit(0)
		}

		fmt.Printf("%s", config)
	},
}

func init() {
	RootCmd.AddCommand(confCmd)

	// flags specific to this sub-command
	confCmd.Flags().BoolVarP(&confDefault, "default", "d", false, "print default config yml file to STDOUT")
}
