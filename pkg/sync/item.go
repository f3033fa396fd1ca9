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

package sync

import (
	"github.com/pkg/errors"

	"github.com/refsync/refsync/pkg/log"
)

// ErrMissingItemType is an error for constructing an item without a type
var ErrMissingItemType = errors.New("item type is required")

// ErrNilParent is an error for setting a nil parent
var ErrNilParent = errors.New("parent must be a valid item")

// Item is one addressable record in the library: a bibliographic entry, a
// note or a file attachment. Field data is initialized lazily from the
// type's template the first time it is needed.
type Item struct {
	eng      *Engine
	itemType string
	linkMode string
	data     map[string]interface{}

	initialized bool
	saved       bool
	parent      *Item

	// one-shot listeners invoked with the server key once the item is saved
	savedFns []func(key string)
}

// NewItem returns a new item of the given type, registered with the engine.
func NewItem(eng *Engine, itemType string) (*Item, error) {
	if itemType == "" {
		return nil, ErrMissingItemType
	}

	return &Item{
		eng:      eng,
		itemType: itemType,
		data: map[string]interface{}{
			"itemType": itemType,
			"version":  nil,
			"key":      nil,
		},
	}, nil
}

// ItemType returns the immutable type tag of the item
func (i *Item) ItemType() string {
	return i.itemType
}

// Key returns the server-assigned identifier, or an empty string if the item
// has not been saved.
func (i *Item) Key() string {
	i.eng.mu.Lock()
	defer i.eng.mu.Unlock()

	if key, ok := i.data["key"].(string); ok {
		return key
	}

	return ""
}

// Version returns the server-assigned version, or 0 if the item has not
// been saved.
func (i *Item) Version() int {
	i.eng.mu.Lock()
	defer i.eng.mu.Unlock()

	if v, ok := i.data["version"].(int); ok {
		return v
	}

	return 0
}

// Saved returns true once the server has accepted the item and assigned a
// key and a version.
func (i *Item) Saved() bool {
	i.eng.mu.Lock()
	defer i.eng.mu.Unlock()

	return i.saved
}

// Data returns a copy of the item's field data
func (i *Item) Data() map[string]interface{} {
	i.eng.mu.Lock()
	defer i.eng.mu.Unlock()

	ret := make(map[string]interface{}, len(i.data))
	for k, v := range i.data {
		ret[k] = v
	}

	return ret
}

// Init merges the type's field template into the item's data without
// overwriting any field already set. It is idempotent. Templates are fetched
// from the remote template service once per type and cached on the engine.
func (i *Item) Init() error {
	if i.initialized {
		return nil
	}

	tmpl, err := i.eng.template(i.itemType, i.linkMode)
	if err != nil {
		return errors.Wrapf(err, "initializing %s item", i.itemType)
	}

	i.eng.mu.Lock()
	for k, v := range tmpl {
		if _, ok := i.data[k]; !ok {
			i.data[k] = v
		}
	}
	i.eng.mu.Unlock()

	i.initialized = true

	return nil
}

// Set initializes the item if needed and overwrites the supplied fields.
// Fields not recognized for the item's type are dropped rather than
// failing; the names of the dropped fields are returned so callers can
// surface them as warnings.
func (i *Item) Set(fields map[string]interface{}) ([]string, error) {
	if err := i.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing item")
	}

	var dropped []string

	i.eng.mu.Lock()
	for k, v := range fields {
		if _, ok := i.data[k]; ok {
			i.data[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	i.eng.mu.Unlock()

	for _, k := range dropped {
		log.Debug("dropping unknown field %q for item type %s\n", k, i.itemType)
	}

	return dropped, nil
}

// SetParent records a back-reference to the given item. The parent's
// lifetime is independent; no cycle detection is performed.
func (i *Item) SetParent(parent *Item) error {
	if parent == nil {
		return ErrNilParent
	}

	i.parent = parent

	return nil
}

// onSaved registers a one-shot listener for the item's saved notification.
// If the item is already saved, the listener fires immediately.
func (i *Item) onSaved(fn func(key string)) {
	i.eng.mu.Lock()
	if !i.saved {
		i.savedFns = append(i.savedFns, fn)
		i.eng.mu.Unlock()
		return
	}
	key, _ := i.data["key"].(string)
	i.eng.mu.Unlock()

	fn(key)
}

// fireSaved invokes and clears the item's saved listeners. Must be called
// without the engine lock held, as listeners re-enter the engine.
func (i *Item) fireSaved() {
	i.eng.mu.Lock()
	fns := i.savedFns
	i.savedFns = nil
	key, _ := i.data["key"].(string)
	i.eng.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}

// Save queues the item for submission. If asBatch is true the item waits
// for the next queue drain and Save returns nil; otherwise the whole queue
// is drained immediately and the first item sent is returned.
//
// If the item has an unsaved parent, Save registers a listener that
// re-invokes it with the same flag once the parent's key arrives, and
// returns nil without queueing. Saving an already-saved item is a no-op
// that returns the item itself.
func (i *Item) Save(asBatch bool) (*Item, error) {
	if i.Saved() {
		return i, nil
	}

	if err := i.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing item")
	}

	if i.parent != nil && !i.parent.Saved() {
		i.parent.onSaved(func(parentKey string) {
			i.eng.mu.Lock()
			i.data["parentItem"] = parentKey
			i.eng.mu.Unlock()

			if _, err := i.Save(asBatch); err != nil {
				// the original caller is gone; the failure record is the
				// only place this can surface
				log.Debug("deferred save failed: %v\n", err)
				i.eng.recordFailure(err.Error(), 0, serializeData(i.Data()))
			}
		})

		return nil, nil
	}

	if i.parent != nil {
		i.eng.mu.Lock()
		i.data["parentItem"] = i.parent.data["key"]
		i.eng.mu.Unlock()
	}

	i.eng.enqueue(i)

	if asBatch {
		return nil, nil
	}

	sent, err := i.eng.SendAll()
	if err != nil {
		return nil, errors.Wrap(err, "draining queue")
	}
	if len(sent) == 0 {
		return nil, nil
	}

	return sent[0], nil
}
