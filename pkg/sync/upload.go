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
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/refsync/refsync/pkg/client"
	"github.com/refsync/refsync/pkg/log"
)

// Upload runs the upload protocol for a saved attachment. It returns true
// if file content was transferred and finalized, and false if the server
// already had the content or the upload failed.
//
// Calling Upload before the attachment is saved has no side effects: the
// listener registered at construction time will start the upload once the
// save completes.
func (a *Attachment) Upload() (bool, error) {
	if !a.Saved() {
		return false, nil
	}

	key := a.Key()
	a.eng.trackUpload(key, a)

	return a.runUpload(key), nil
}

// runUpload drives the upload protocol and swallows its own errors after
// recording them. The registry entry is removed on every exit path; the
// wait barrier depends on that.
func (a *Attachment) runUpload(key string) bool {
	defer a.eng.untrackUpload(key)

	uploaded, err := a.doUpload(key)
	if err != nil {
		log.Debug("upload of %s failed: %v\n", a.filename, err)
		a.eng.recordFailure(err.Error(), transportErrorCode(err), a.filename)
		return false
	}

	return uploaded
}

func (a *Attachment) doUpload(key string) (bool, error) {
	fi, err := os.Stat(a.path)
	if err != nil {
		return false, errors.Wrapf(err, "checking attachment file %s", a.path)
	}
	size := fi.Size()
	mtime := fi.ModTime().UnixMilli()

	hash, err := fileMD5(a.path)
	if err != nil {
		return false, errors.Wrap(err, "hashing attachment file")
	}

	auth, err := a.eng.remote.AuthorizeUpload(key, client.UploadRequest{
		MD5:      hash,
		Filename: a.filename,
		Filesize: size,
		MTime:    mtime,
	})
	if err != nil {
		return false, errors.Wrap(err, "registering upload")
	}

	// the server already has this content; no byte transfer
	if auth.Exists {
		log.Debug("file %s already exists on the server\n", a.filename)
		return false, nil
	}

	f, err := os.Open(a.path)
	if err != nil {
		return false, errors.Wrapf(err, "opening attachment file %s", a.path)
	}
	defer f.Close()

	if err := a.eng.remote.UploadFile(auth, f, size); err != nil {
		return false, errors.Wrap(err, "transferring file content")
	}

	if err := a.eng.remote.FinalizeUpload(key, auth.UploadKey); err != nil {
		return false, errors.Wrap(err, "finalizing upload")
	}

	log.Debug("uploaded %s (%d bytes)\n", a.filename, size)

	return true, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "reading file")
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
