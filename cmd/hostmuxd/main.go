/*
	Copyright the hostmux authors

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/michaelquigley/pfxlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hostmux/hostmux"
)

func init() {
	pfxlog.GlobalInit(logrus.InfoLevel, pfxlog.DefaultOptions().SetTrimPrefix("github.com/hostmux/"))
}

func main() {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:   "hostmuxd",
		Short: "multi-tenant http(s) server routing requests to static, php and proxy processors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}

			instance := hostmux.NewInstance(configPath)

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigs
				pfxlog.Logger().Infof("received %v, shutting down", sig)
				instance.Shutdown()
			}()

			return instance.Run()
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "hostmux.yml", "path to the configuration file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		pfxlog.Logger().Fatal(err)
	}
}
