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

// Note is an item holding a single text field. It may have a parent item.
type Note struct {
	Item
}

// NewNote returns a new note with the given text
func NewNote(eng *Engine, text string) (*Note, error) {
	it, err := NewItem(eng, "note")
	if err != nil {
		return nil, err
	}

	n := Note{Item: *it}
	// set ahead of initialization; the template merge never overwrites
	// fields that are already present
	n.data["note"] = text

	return &n, nil
}
