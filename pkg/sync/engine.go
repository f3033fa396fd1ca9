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

// Package sync implements the batch submission protocol for locally created
// items and the deferred upload pipeline for their file attachments.
//
// One Engine holds the shared queue state for a library session. Items are
// expected to be created and saved from a single goroutine; attachment
// uploads run concurrently with each other and with the batch engine.
package sync

import (
	"encoding/json"
	"io"
	stdsync "sync"

	"github.com/pkg/errors"

	"github.com/refsync/refsync/pkg/client"
	"github.com/refsync/refsync/pkg/log"
)

// Remote is the server surface the engine needs. Satisfied by
// *client.Client.
type Remote interface {
	LibraryVersion() (int, error)
	ItemVersions() (map[string]int, error)
	Template(itemType, linkMode string) (map[string]interface{}, error)
	WriteItems(batch []map[string]interface{}, version int) (client.WriteResult, error)
	AuthorizeUpload(itemKey string, req client.UploadRequest) (client.UploadAuthorization, error)
	UploadFile(auth client.UploadAuthorization, file io.Reader, size int64) error
	FinalizeUpload(itemKey, uploadKey string) error
}

// FailedRequest is one entry in the append-only failure log. For batch
// failures Data holds the serialized item data; for upload failures it
// holds the filename.
type FailedRequest struct {
	Message string
	Code    int
	Data    string
}

// Engine owns the pending-item queue and the upload registry for one
// library session.
type Engine struct {
	remote Remote

	mu             stdsync.Mutex
	queue          []*Item
	synchronized   []*Item
	failedRequests []FailedRequest
	version        int
	templates      map[string]map[string]interface{}

	uploadMu       stdsync.Mutex
	uploadDone     *stdsync.Cond
	pendingUploads map[string]*Attachment
}

// NewEngine returns an engine backed by the given remote
func NewEngine(remote Remote) *Engine {
	e := Engine{
		remote:         remote,
		templates:      map[string]map[string]interface{}{},
		pendingUploads: map[string]*Attachment{},
	}
	e.uploadDone = stdsync.NewCond(&e.uploadMu)

	return &e
}

// template returns the cached field template for the given type, fetching
// it from the remote template service on first use.
func (e *Engine) template(itemType, linkMode string) (map[string]interface{}, error) {
	cacheKey := itemType
	if linkMode != "" {
		cacheKey = itemType + "/" + linkMode
	}

	e.mu.Lock()
	if tmpl, ok := e.templates[cacheKey]; ok {
		e.mu.Unlock()
		return tmpl, nil
	}
	e.mu.Unlock()

	tmpl, err := e.remote.Template(itemType, linkMode)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching template for %s", cacheKey)
	}

	e.mu.Lock()
	e.templates[cacheKey] = tmpl
	e.mu.Unlock()

	return tmpl, nil
}

func (e *Engine) enqueue(i *Item) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queue = append(e.queue, i)
}

// QueueLength returns the number of items awaiting the next batch flush
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.queue)
}

// Version returns the last library version observed from a batch response
func (e *Engine) Version() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.version
}

// Synchronized returns all items successfully sent during this session, in
// drain-iteration order.
func (e *Engine) Synchronized() []*Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	ret := make([]*Item, len(e.synchronized))
	copy(ret, e.synchronized)

	return ret
}

// FailedRequests returns the accumulated failure log
func (e *Engine) FailedRequests() []FailedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	ret := make([]FailedRequest, len(e.failedRequests))
	copy(ret, e.failedRequests)

	return ret
}

func (e *Engine) recordFailure(message string, code int, data string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failedRequests = append(e.failedRequests, FailedRequest{
		Message: message,
		Code:    code,
		Data:    data,
	})
}

// Versions fetches the mapping from item key to version from the server
func (e *Engine) Versions() (map[string]int, error) {
	ret, err := e.remote.ItemVersions()
	if err != nil {
		return nil, errors.Wrap(err, "fetching item versions")
	}

	return ret, nil
}

// Reset clears the queue, the synchronized list, the failure log and the
// upload registry as a unit.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.queue = nil
	e.synchronized = nil
	e.failedRequests = nil
	e.version = 0
	e.mu.Unlock()

	e.uploadMu.Lock()
	e.pendingUploads = map[string]*Attachment{}
	e.uploadDone.Broadcast()
	e.uploadMu.Unlock()
}

func serializeData(data map[string]interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}

	return string(b)
}

// SendAll drains the queue to completion. Each iteration fetches the
// current library version, snapshots the queue, submits the snapshot as one
// conditional batch write and reconciles per-item outcomes. Items queued
// while a request is in flight are picked up by the next iteration.
//
// Per-item failures reported by the server are recorded into the failure
// log and the items stay unsaved. A transport-level failure rejects the
// whole batch: every snapshot item is recorded as failed, taken off the
// queue, and the error propagates.
//
// Returns the items successfully sent across all iterations, in order.
func (e *Engine) SendAll() ([]*Item, error) {
	var sent []*Item

	for {
		if e.QueueLength() == 0 {
			break
		}

		version, err := e.remote.LibraryVersion()
		if err != nil {
			// the queue is untouched; callers may retry the drain
			return sent, errors.Wrap(err, "fetching library version")
		}

		// point-in-time snapshot. Positional correspondence between the
		// snapshot and the request payload carries the success/failed
		// attribution in the response.
		e.mu.Lock()
		snapshot := make([]*Item, len(e.queue))
		copy(snapshot, e.queue)
		batch := make([]map[string]interface{}, len(snapshot))
		for idx, it := range snapshot {
			batch[idx] = it.data
		}
		e.mu.Unlock()

		log.Debug("sending batch of %d items at version %d\n", len(batch), version)

		res, err := e.remote.WriteItems(batch, version)
		if err != nil {
			e.mu.Lock()
			for idx := range snapshot {
				e.failedRequests = append(e.failedRequests, FailedRequest{
					Message: err.Error(),
					Code:    transportErrorCode(err),
					Data:    serializeData(batch[idx]),
				})
			}
			e.queue = e.queue[len(snapshot):]
			e.mu.Unlock()

			return sent, errors.Wrap(err, "writing batch")
		}

		var notify []*Item

		e.mu.Lock()
		for idx, it := range snapshot {
			if we, ok := res.Failed[idx]; ok {
				log.Debug("item at index %d failed: %d %s\n", idx, we.Code, we.Message)
				e.failedRequests = append(e.failedRequests, FailedRequest{
					Message: we.Message,
					Code:    we.Code,
					Data:    serializeData(batch[idx]),
				})
				continue
			}

			key, ok := res.Success[idx]
			if !ok {
				continue
			}

			it.data["key"] = key
			it.data["version"] = res.Version
			it.saved = true
			e.synchronized = append(e.synchronized, it)
			sent = append(sent, it)
			notify = append(notify, it)
		}
		e.queue = e.queue[len(snapshot):]
		e.version = res.Version
		e.mu.Unlock()

		// notifications run outside the lock: listeners re-enter the
		// engine to queue child items and to start uploads
		for _, it := range notify {
			it.fireSaved()
		}
	}

	return sent, nil
}

func transportErrorCode(err error) int {
	var httpErr *client.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}

	return 0
}

func (e *Engine) trackUpload(key string, a *Attachment) {
	e.uploadMu.Lock()
	defer e.uploadMu.Unlock()

	e.pendingUploads[key] = a
}

func (e *Engine) untrackUpload(key string) {
	e.uploadMu.Lock()
	defer e.uploadMu.Unlock()

	delete(e.pendingUploads, key)
	e.uploadDone.Broadcast()
}

// HasPendingUploads returns true if any attachment upload is still in
// flight.
func (e *Engine) HasPendingUploads() bool {
	e.uploadMu.Lock()
	defer e.uploadMu.Unlock()

	return len(e.pendingUploads) > 0
}

// WaitForPendingUploads blocks until every in-flight upload has completed
// or failed, including its cleanup. The wait is unbounded; a stalled
// network call stalls the barrier.
func (e *Engine) WaitForPendingUploads() {
	e.uploadMu.Lock()
	defer e.uploadMu.Unlock()

	for len(e.pendingUploads) > 0 {
		e.uploadDone.Wait()
	}
}
