// Copyright 2024 The Kitten Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd holds the lwkctl subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"kitten.dev/kitten/lwkctl/boot"
	"kitten.dev/kitten/lwkctl/config"
	"kitten.dev/kitten/pkg/log"
)

// output is where a subcommand writes its results.
type output struct {
	out io.Writer
}

func (o *output) writer() io.Writer {
	if o.out == nil {
		return os.Stdout
	}
	return o.out
}

// failure logs an error and returns the exit status for it.
func failure(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}

// bootNode boots the node described by the configuration that the command
// line passed to a subcommand.
func bootNode(args []any, console io.Writer) (*boot.Node, error) {
	conf := args[0].(*config.Config)
	return boot.Boot(conf, boot.Opts{Console: console})
}

// shutdown shuts n down, logging failure.
func shutdown(n *boot.Node) {
	if err := n.Shutdown(); err != nil {
		log.Warningf("Shutting down node %q: %v", n.Config.Name, err)
	}
}
