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

package status

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/refsync/refsync/pkg/cli/context"
	"github.com/refsync/refsync/pkg/client"
	"github.com/refsync/refsync/pkg/log"
)

var example = `
  refsync status`

// NewCmd returns a new status command
func NewCmd(ctx context.RefsyncCtx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show the remote library state",
		Example: example,
		RunE:    newRun(ctx),
	}

	return cmd
}

func newRun(ctx context.RefsyncCtx) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c := client.Client{
			Endpoint:   ctx.APIEndpoint,
			APIKey:     ctx.APIKey,
			Version:    ctx.Version,
			HTTPClient: ctx.HTTPClient,
			Clock:      ctx.Clock,
		}

		version, err := c.LibraryVersion()
		if err != nil {
			return errors.Wrap(err, "fetching library version")
		}

		versions, err := c.ItemVersions()
		if err != nil {
			return errors.Wrap(err, "fetching item versions")
		}

		log.Infof("library version: %d\n", version)
		log.Infof("items on server: %d\n", len(versions))

		return nil
	}
}
