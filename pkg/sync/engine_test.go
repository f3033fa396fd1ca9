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
	"strings"
	"testing"

	"github.com/refsync/refsync/pkg/assert"
	"github.com/refsync/refsync/pkg/client"
)

func mustNewItem(t *testing.T, eng *Engine, itemType string) *Item {
	t.Helper()

	it, err := NewItem(eng, itemType)
	if err != nil {
		t.Fatalf("creating %s item: %v", itemType, err)
	}

	return it
}

func mustSet(t *testing.T, it *Item, fields map[string]interface{}) {
	t.Helper()

	if _, err := it.Set(fields); err != nil {
		t.Fatalf("setting fields: %v", err)
	}
}

func mustSave(t *testing.T, it *Item, asBatch bool) *Item {
	t.Helper()

	ret, err := it.Save(asBatch)
	if err != nil {
		t.Fatalf("saving item: %v", err)
	}

	return ret
}

func TestSendAllReconciliation(t *testing.T) {
	remote := newFakeRemote()
	remote.writeFn = func(batch []map[string]interface{}, version int) (client.WriteResult, error) {
		return client.WriteResult{
			Success: map[int]string{0: "AAAA0001", 2: "AAAA0003"},
			Failed:  map[int]client.WriteError{1: {Message: "Conflict", Code: 412}},
			Version: 6,
		}, nil
	}
	eng := NewEngine(remote)

	items := make([]*Item, 3)
	for idx := range items {
		items[idx] = mustNewItem(t, eng, "book")
		mustSet(t, items[idx], map[string]interface{}{"title": strings.Repeat("x", idx+1)})
		mustSave(t, items[idx], true)
	}

	sent, err := eng.SendAll()
	if err != nil {
		t.Fatalf("draining queue: %v", err)
	}

	assert.Equal(t, len(sent), 2, "sent count mismatch")
	assert.Equal(t, sent[0], items[0], "first sent item mismatch")
	assert.Equal(t, sent[1], items[2], "second sent item mismatch")

	assert.Equal(t, items[0].Saved(), true, "item 0 should be saved")
	assert.Equal(t, items[0].Key(), "AAAA0001", "item 0 key mismatch")
	assert.Equal(t, items[0].Version(), 6, "item 0 version mismatch")
	assert.Equal(t, items[2].Saved(), true, "item 2 should be saved")
	assert.Equal(t, items[2].Key(), "AAAA0003", "item 2 key mismatch")

	assert.Equal(t, items[1].Saved(), false, "failed item should not be saved")
	assert.Equal(t, items[1].Key(), "", "failed item should have no key")

	synced := eng.Synchronized()
	assert.Equal(t, len(synced), 2, "synchronized count mismatch")

	failed := eng.FailedRequests()
	assert.Equal(t, len(failed), 1, "failed request count mismatch")
	assert.Equal(t, failed[0].Code, 412, "failure code mismatch")
	assert.Equal(t, failed[0].Message, "Conflict", "failure message mismatch")
	assert.Equal(t, strings.Contains(failed[0].Data, "xx"), true, "failure data should serialize the item")

	assert.Equal(t, eng.QueueLength(), 0, "queue should be empty")
	assert.Equal(t, eng.Version(), 6, "engine version mismatch")
	assert.Equal(t, remote.writeVersions[0], 5, "write precondition version mismatch")
}

func TestSaveImmediate(t *testing.T) {
	remote := newFakeRemote()
	eng := NewEngine(remote)

	it := mustNewItem(t, eng, "book")
	mustSet(t, it, map[string]interface{}{"title": "On Writing"})

	ret := mustSave(t, it, false)

	assert.Equal(t, ret, it, "save should return the item")
	assert.Equal(t, it.Saved(), true, "item should be saved")
	assert.NotEqual(t, it.Key(), "", "item should have a key")
	assert.Equal(t, eng.QueueLength(), 0, "queue should be empty")
	assert.Equal(t, remote.batchCount(), 1, "write count mismatch")
}

func TestSaveAlreadySaved(t *testing.T) {
	remote := newFakeRemote()
	eng := NewEngine(remote)

	it := mustNewItem(t, eng, "book")
	mustSave(t, it, false)

	ret := mustSave(t, it, false)

	assert.Equal(t, ret, it, "re-save should return the item")
	assert.Equal(t, remote.batchCount(), 1, "already-saved item must not be re-sent")

	synced := eng.Synchronized()
	assert.Equal(t, len(synced), 1, "item should appear in synchronized exactly once")
}

func TestSaveAsBatchDefers(t *testing.T) {
	remote := newFakeRemote()
	eng := NewEngine(remote)

	it := mustNewItem(t, eng, "book")
	ret := mustSave(t, it, true)

	if ret != nil {
		t.Fatalf("batch save should return nil, got %+v", ret)
	}
	assert.Equal(t, eng.QueueLength(), 1, "queue length mismatch")
	assert.Equal(t, remote.batchCount(), 0, "batch save must not send")
}

func TestSaveAsBatchTwiceEnqueuesTwice(t *testing.T) {
	remote := newFakeRemote()
	eng := NewEngine(remote)

	it := mustNewItem(t, eng, "book")
	mustSave(t, it, true)
	mustSave(t, it, true)

	// an unsaved item is not deduplicated; dequeueing is the caller's job
	assert.Equal(t, eng.QueueLength(), 2, "queue length mismatch")
}

func TestParentGating(t *testing.T) {
	remote := newFakeRemote()
	eng := NewEngine(remote)

	parent := mustNewItem(t, eng, "book")
	mustSet(t, parent, map[string]interface{}{"title": "parent"})

	child, err := NewNote(eng, "child note")
	if err != nil {
		t.Fatalf("creating note: %v", err)
	}
	if err := child.SetParent(parent); err != nil {
		t.Fatalf("setting parent: %v", err)
	}

	// a child queued before its unsaved parent must not enter any batch
	mustSave(t, &child.Item, true)
	assert.Equal(t, eng.QueueLength(), 0, "child must wait for the parent")

	mustSave(t, parent, true)
	assert.Equal(t, eng.QueueLength(), 1, "only the parent should be queued")

	sent, err := eng.SendAll()
	if err != nil {
		t.Fatalf("draining queue: %v", err)
	}

	assert.Equal(t, len(sent), 2, "both items should be sent")
	assert.Equal(t, sent[0], parent, "parent should be sent first")
	assert.Equal(t, sent[1], &child.Item, "child should be sent second")

	// the parent went alone in the first batch; the child followed with the
	// parent's key attached
	assert.Equal(t, remote.batchCount(), 2, "batch count mismatch")
	assert.Equal(t, len(remote.batches[0]), 1, "first batch size mismatch")
	assert.Equal(t, remote.batches[0][0]["itemType"], "book", "first batch content mismatch")
	assert.Equal(t, len(remote.batches[1]), 1, "second batch size mismatch")
	assert.Equal(t, remote.batches[1][0]["parentItem"], parent.Key(), "child parentItem mismatch")
}

func TestSaveWithSavedParent(t *testing.T) {
	remote := newFakeRemote()
	eng := NewEngine(remote)

	parent := mustNewItem(t, eng, "book")
	mustSave(t, parent, false)

	child, err := NewNote(eng, "note body")
	if err != nil {
		t.Fatalf("creating note: %v", err)
	}
	if err := child.SetParent(parent); err != nil {
		t.Fatalf("setting parent: %v", err)
	}

	mustSave(t, &child.Item, false)

	assert.Equal(t, child.Saved(), true, "child should be saved")
	assert.Equal(t, child.Data()["parentItem"], parent.Key(), "child parentItem mismatch")
}

func TestTransportFailureRecorded(t *testing.T) {
	remote := newFakeRemote()
	remote.writeFn = func(batch []map[string]interface{}, version int) (client.WriteResult, error) {
		return client.WriteResult{}, &client.HTTPError{StatusCode: 412, Message: "library version mismatch"}
	}
	eng := NewEngine(remote)

	first := mustNewItem(t, eng, "book")
	second := mustNewItem(t, eng, "book")
	mustSave(t, first, true)
	mustSave(t, second, true)

	_, err := eng.SendAll()
	if err == nil {
		t.Fatal("expected a transport error")
	}

	// the rejected snapshot stays off the queue but is recorded as failed
	assert.Equal(t, eng.QueueLength(), 0, "queue should be empty after transport failure")
	assert.Equal(t, first.Saved(), false, "item should not be saved")
	assert.Equal(t, second.Saved(), false, "item should not be saved")

	failed := eng.FailedRequests()
	assert.Equal(t, len(failed), 2, "every snapshot item should be recorded as failed")
	assert.Equal(t, failed[0].Code, 412, "failure code mismatch")
	assert.Equal(t, len(eng.Synchronized()), 0, "nothing should be synchronized")
}

func TestVersionFetchFailureKeepsQueue(t *testing.T) {
	remote := newFakeRemote()
	remote.versionErr = &client.HTTPError{StatusCode: 500, Message: "server error"}
	eng := NewEngine(remote)

	it := mustNewItem(t, eng, "book")
	mustSave(t, it, true)

	_, err := eng.SendAll()
	if err == nil {
		t.Fatal("expected a version fetch error")
	}

	assert.Equal(t, eng.QueueLength(), 1, "queue should be intact before any write")
	assert.Equal(t, remote.batchCount(), 0, "no write should have been attempted")
}

func TestItemsQueuedDuringDrain(t *testing.T) {
	remote := newFakeRemote()
	eng := NewEngine(remote)

	var late *Item
	remote.writeFn = func(batch []map[string]interface{}, version int) (client.WriteResult, error) {
		// simulate an enqueue that happens while the request is in flight
		if late == nil {
			late = mustNewItem(t, eng, "book")
			eng.enqueue(late)
		}

		res := client.WriteResult{
			Success: map[int]string{},
			Failed:  map[int]client.WriteError{},
			Version: version + 1,
		}
		for i := range batch {
			res.Success[i] = batch[i]["itemType"].(string) + "KEY"
		}
		remote.mu.Lock()
		remote.version = version + 1
		remote.mu.Unlock()

		return res, nil
	}

	it := mustNewItem(t, eng, "note")
	mustSave(t, it, true)

	sent, err := eng.SendAll()
	if err != nil {
		t.Fatalf("draining queue: %v", err)
	}

	// the late item belongs to the second iteration, not the first batch
	assert.Equal(t, len(sent), 2, "both items should be sent")
	assert.Equal(t, remote.batchCount(), 2, "batch count mismatch")
	assert.Equal(t, len(remote.batches[0]), 1, "first batch size mismatch")
	assert.Equal(t, late.Saved(), true, "late item should be saved")
}

func TestVersions(t *testing.T) {
	remote := newFakeRemote()
	remote.itemVersions = map[string]int{"AAAA0001": 3, "AAAA0002": 5}
	eng := NewEngine(remote)

	got, err := eng.Versions()
	if err != nil {
		t.Fatalf("fetching versions: %v", err)
	}

	assert.DeepEqual(t, got, map[string]int{"AAAA0001": 3, "AAAA0002": 5}, "versions mismatch")
}

func TestReset(t *testing.T) {
	remote := newFakeRemote()
	remote.writeFn = func(batch []map[string]interface{}, version int) (client.WriteResult, error) {
		return client.WriteResult{
			Success: map[int]string{0: "AAAA0001"},
			Failed:  map[int]client.WriteError{1: {Message: "Conflict", Code: 412}},
			Version: 6,
		}, nil
	}
	eng := NewEngine(remote)

	mustSave(t, mustNewItem(t, eng, "book"), true)
	mustSave(t, mustNewItem(t, eng, "book"), true)
	if _, err := eng.SendAll(); err != nil {
		t.Fatalf("draining queue: %v", err)
	}
	mustSave(t, mustNewItem(t, eng, "book"), true)

	eng.Reset()

	assert.Equal(t, eng.QueueLength(), 0, "queue should be cleared")
	assert.Equal(t, len(eng.Synchronized()), 0, "synchronized should be cleared")
	assert.Equal(t, len(eng.FailedRequests()), 0, "failure log should be cleared")
	assert.Equal(t, eng.Version(), 0, "version should be cleared")
	assert.Equal(t, eng.HasPendingUploads(), false, "upload registry should be cleared")
}
