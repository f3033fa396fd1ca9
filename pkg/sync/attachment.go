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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LinkMode describes how an attachment relates to its file
type LinkMode string

// The four supported link modes
const (
	LinkModeImportedFile LinkMode = "imported_file"
	LinkModeImportedURL  LinkMode = "imported_url"
	LinkModeLinkedFile   LinkMode = "linked_file"
	LinkModeLinkedURL    LinkMode = "linked_url"
)

// ErrInvalidLinkMode is an error for constructing an attachment with an
// unknown link mode
var ErrInvalidLinkMode = errors.New("invalid link mode")

func validLinkMode(m LinkMode) bool {
	switch m {
	case LinkModeImportedFile, LinkModeImportedURL, LinkModeLinkedFile, LinkModeLinkedURL:
		return true
	}

	return false
}

// Attachment is an item backed by a local file. Its upload protocol runs
// only after the attachment itself has been saved, which in turn can only
// happen after its parent (if any) has been saved.
type Attachment struct {
	Item

	path     string
	filename string
}

// NewAttachment returns a new attachment for the file at the given path.
// The file must exist at construction time. Once the attachment is saved,
// its upload starts automatically.
func NewAttachment(eng *Engine, path string, mode LinkMode) (*Attachment, error) {
	if !validLinkMode(mode) {
		return nil, errors.Wrapf(ErrInvalidLinkMode, "%q", mode)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "checking attachment file %s", path)
	}

	it, err := NewItem(eng, "attachment")
	if err != nil {
		return nil, err
	}
	it.linkMode = string(mode)
	it.data["linkMode"] = string(mode)

	a := Attachment{
		Item:     *it,
		path:     path,
		filename: filepath.Base(path),
	}

	// self-subscription: the saved notification is what starts the upload.
	// The key is tracked synchronously so that a wait barrier entered right
	// after the drain cannot miss an upload that has not spawned yet.
	a.onSaved(func(key string) {
		a.eng.trackUpload(key, &a)
		go a.runUpload(key)
	})

	return &a, nil
}

// Filename returns the base name of the attachment's file
func (a *Attachment) Filename() string {
	return a.filename
}

// Path returns the local path of the attachment's file
func (a *Attachment) Path() string {
	return a.path
}
