/* Copyright 2025 Refsync Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"os"
	"strings"

	"github.com/refsync/refsync/pkg/cli/config"
	"github.com/refsync/refsync/pkg/cli/context"
	"github.com/refsync/refsync/pkg/client"
	"github.com/refsync/refsync/pkg/clock"
	"github.com/refsync/refsync/pkg/log"

	// commands
	"github.com/refsync/refsync/pkg/cli/cmd/push"
	"github.com/refsync/refsync/pkg/cli/cmd/root"
	"github.com/refsync/refsync/pkg/cli/cmd/status"
	"github.com/refsync/refsync/pkg/cli/cmd/version"
)

// apiEndpoint and versionTag are populated during link time
var apiEndpoint string
var versionTag = "master"

// parseAPIEndpoint extracts the --apiEndpoint flag value from command line
// arguments regardless of where it appears, because the context is built
// before cobra parses flags. Returns an empty string if not found.
func parseAPIEndpoint(args []string) string {
	for i, arg := range args {
		if strings.HasPrefix(arg, "--apiEndpoint=") {
			return strings.TrimPrefix(arg, "--apiEndpoint=")
		}
		if arg == "--apiEndpoint" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func initCtx(endpointFlag string) (context.RefsyncCtx, error) {
	cf, err := config.Read()
	if err != nil {
		return context.RefsyncCtx{}, err
	}

	endpoint := cf.APIEndpoint
	if endpoint == "" {
		endpoint = apiEndpoint
	}
	if endpointFlag != "" {
		endpoint = endpointFlag
	}

	return context.RefsyncCtx{
		APIEndpoint: endpoint,
		APIKey:      cf.APIKey,
		Version:     versionTag,
		HTTPClient:  client.NewRateLimitedHTTPClient(),
		Clock:       clock.New(),
	}, nil
}

func main() {
	ctx, err := initCtx(parseAPIEndpoint(os.Args[1:]))
	if err != nil {
		log.Error(err.Error() + "\n")
		os.Exit(1)
	}

	log.Debug("running with context %+v\n", context.Redact(ctx))

	root.Register(push.NewCmd(ctx))
	root.Register(status.NewCmd(ctx))
	root.Register(version.NewCmd(ctx))

	if err := root.Execute(); err != nil {
		log.Error(err.Error() + "\n")
		os.Exit(1)
	}
}
