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
	"fmt"
	"io"
	stdsync "sync"

	"github.com/pkg/errors"

	"github.com/refsync/refsync/pkg/client"
)

// fakeRemote is a scripted implementation of Remote for tests
type fakeRemote struct {
	mu stdsync.Mutex

	version    int
	versionErr error
	keySeq     int

	templates     map[string]map[string]interface{}
	templateCalls int

	itemVersions map[string]int

	// batches records a deep copy of every batch passed to WriteItems
	batches [][]map[string]interface{}
	// writeVersions records the precondition version of every write
	writeVersions []int

	writeFn     func(batch []map[string]interface{}, version int) (client.WriteResult, error)
	authorizeFn func(itemKey string, req client.UploadRequest) (client.UploadAuthorization, error)
	uploadFn    func(auth client.UploadAuthorization, file io.Reader, size int64) error
	finalizeFn  func(itemKey, uploadKey string) error

	authorizeReqs []client.UploadRequest
	uploadCalls   int
	uploadedBody  []byte
	finalizeCalls int
	finalizedKeys []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		version: 5,
		templates: map[string]map[string]interface{}{
			"book": {"itemType": "book", "title": "", "creators": []interface{}{}},
			"note": {"itemType": "note", "note": "", "tags": []interface{}{}},
			"attachment/imported_file": {
				"itemType": "attachment", "linkMode": "imported_file",
				"title": "", "filename": "", "contentType": "",
			},
		},
		itemVersions: map[string]int{},
	}
}

func (f *fakeRemote) LibraryVersion() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.versionErr != nil {
		return 0, f.versionErr
	}

	return f.version, nil
}

func (f *fakeRemote) ItemVersions() (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.itemVersions, nil
}

func (f *fakeRemote) Template(itemType, linkMode string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.templateCalls++

	key := itemType
	if linkMode != "" {
		key = itemType + "/" + linkMode
	}

	tmpl, ok := f.templates[key]
	if !ok {
		return nil, errors.Errorf("no template for %s", key)
	}

	ret := map[string]interface{}{}
	for k, v := range tmpl {
		ret[k] = v
	}

	return ret, nil
}

func (f *fakeRemote) WriteItems(batch []map[string]interface{}, version int) (client.WriteResult, error) {
	f.mu.Lock()
	recorded := make([]map[string]interface{}, len(batch))
	for i, data := range batch {
		cp := map[string]interface{}{}
		for k, v := range data {
			cp[k] = v
		}
		recorded[i] = cp
	}
	f.batches = append(f.batches, recorded)
	f.writeVersions = append(f.writeVersions, version)
	f.mu.Unlock()

	if f.writeFn != nil {
		return f.writeFn(batch, version)
	}

	// default: every item succeeds with a generated key
	f.mu.Lock()
	defer f.mu.Unlock()

	res := client.WriteResult{
		Success: map[int]string{},
		Failed:  map[int]client.WriteError{},
		Version: version + 1,
	}
	for i := range batch {
		f.keySeq++
		res.Success[i] = fmt.Sprintf("KEY%04d", f.keySeq)
	}
	f.version = version + 1

	return res, nil
}

func (f *fakeRemote) AuthorizeUpload(itemKey string, req client.UploadRequest) (client.UploadAuthorization, error) {
	f.mu.Lock()
	f.authorizeReqs = append(f.authorizeReqs, req)
	f.mu.Unlock()

	if f.authorizeFn != nil {
		return f.authorizeFn(itemKey, req)
	}

	return client.UploadAuthorization{
		URL:         req.Filename,
		ContentType: "multipart/form-data; boundary=x",
		Prefix:      "PRE",
		Suffix:      "SUF",
		UploadKey:   "uploadkey",
	}, nil
}

func (f *fakeRemote) UploadFile(auth client.UploadAuthorization, file io.Reader, size int64) error {
	f.mu.Lock()
	f.uploadCalls++
	f.mu.Unlock()

	if f.uploadFn != nil {
		return f.uploadFn(auth, file, size)
	}

	body, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.uploadedBody = body
	f.mu.Unlock()

	return nil
}

func (f *fakeRemote) FinalizeUpload(itemKey, uploadKey string) error {
	f.mu.Lock()
	f.finalizeCalls++
	f.finalizedKeys = append(f.finalizedKeys, itemKey)
	f.mu.Unlock()

	if f.finalizeFn != nil {
		return f.finalizeFn(itemKey, uploadKey)
	}

	return nil
}

func (f *fakeRemote) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.batches)
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.uploadCalls
}

func (f *fakeRemote) finalizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.finalizeCalls
}
