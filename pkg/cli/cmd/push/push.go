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

package push

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/refsync/refsync/pkg/cli/context"
	"github.com/refsync/refsync/pkg/client"
	"github.com/refsync/refsync/pkg/log"
	"github.com/refsync/refsync/pkg/sync"
)

var example = `
  refsync push items.json`

// entry is one item description in the input file. Parent refers to the
// position of another entry in the same file.
type entry struct {
	ItemType string                 `json:"itemType"`
	Fields   map[string]interface{} `json:"fields"`
	Note     string                 `json:"note"`
	Path     string                 `json:"path"`
	LinkMode string                 `json:"linkMode"`
	Parent   *int                   `json:"parent"`
}

// NewCmd returns a new push command
func NewCmd(ctx context.RefsyncCtx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "push <file>",
		Short:   "Send items described in a JSON file to the remote library",
		Example: example,
		Args:    cobra.ExactArgs(1),
		RunE:    newRun(ctx),
	}

	return cmd
}

func buildItem(eng *sync.Engine, e entry) (*sync.Item, error) {
	switch e.ItemType {
	case "note":
		n, err := sync.NewNote(eng, e.Note)
		if err != nil {
			return nil, errors.Wrap(err, "creating note")
		}
		return &n.Item, nil
	case "attachment":
		a, err := sync.NewAttachment(eng, e.Path, sync.LinkMode(e.LinkMode))
		if err != nil {
			return nil, errors.Wrap(err, "creating attachment")
		}
		return &a.Item, nil
	default:
		it, err := sync.NewItem(eng, e.ItemType)
		if err != nil {
			return nil, errors.Wrap(err, "creating item")
		}
		return it, nil
	}
}

func newRun(ctx context.RefsyncCtx) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrap(err, "reading input file")
		}

		var es []entry
		if err := json.Unmarshal(b, &es); err != nil {
			return errors.Wrap(err, "unmarshalling input file")
		}

		remote := client.Client{
			Endpoint:   ctx.APIEndpoint,
			APIKey:     ctx.APIKey,
			Version:    ctx.Version,
			HTTPClient: ctx.HTTPClient,
			Clock:      ctx.Clock,
		}
		eng := sync.NewEngine(&remote)

		items := make([]*sync.Item, len(es))
		for idx, e := range es {
			it, err := buildItem(eng, e)
			if err != nil {
				return errors.Wrapf(err, "building item %d", idx)
			}

			dropped, err := it.Set(e.Fields)
			if err != nil {
				return errors.Wrapf(err, "setting fields on item %d", idx)
			}
			for _, field := range dropped {
				log.Warnf("item %d: dropping unknown field %q\n", idx, field)
			}

			items[idx] = it
		}

		// parents are wired after every item exists so that forward
		// references work
		for idx, e := range es {
			if e.Parent == nil {
				continue
			}
			if *e.Parent < 0 || *e.Parent >= len(items) || *e.Parent == idx {
				return errors.Errorf("item %d: invalid parent index %d", idx, *e.Parent)
			}
			if err := items[idx].SetParent(items[*e.Parent]); err != nil {
				return errors.Wrapf(err, "setting parent on item %d", idx)
			}
		}

		for idx, it := range items {
			if _, err := it.Save(true); err != nil {
				return errors.Wrapf(err, "queueing item %d", idx)
			}
		}

		log.Infof("sending %d items\n", len(items))

		sent, err := eng.SendAll()
		if err != nil {
			return errors.Wrap(err, "sending items")
		}

		eng.WaitForPendingUploads()

		for _, fr := range eng.FailedRequests() {
			log.Errorf("failed (%d): %s\n", fr.Code, fr.Message)
		}

		log.Successf("sent %d items (library version %d)\n", len(sent), eng.Version())

		return nil
	}
}
