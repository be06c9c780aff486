// Command storedemo exercises reactivestore end to end against an
// in-memory fake Source: it creates, edits, and destroys "task" records,
// commits them, renders a LocalQuery over the result, then drives a
// WindowedQuery through a paginated "activity" list including a
// preemptive edit reconciled against a contradicting server update.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/wbrown/reactivestore/query"
	"github.com/wbrown/reactivestore/runloop"
	"github.com/wbrown/reactivestore/store"
)

const (
	typeTask     store.TypeName = "task"
	typeActivity store.TypeName = "activity"
	account      store.AccountID = "acct-demo"
)

func main() {
	loop := runloop.New()
	s := store.New(loop, store.Options{})
	s.RegisterType(store.NewType(typeTask, []store.Attribute{
		{Key: "title"},
		{Key: "done", Default: false},
		{Key: "createdAt", NoSync: true},
	}))
	s.RegisterType(store.NewType(typeActivity, nil))
	s.SetPrimaryAccount(typeTask, account)
	s.SetPrimaryAccount(typeActivity, account)

	src := newFakeSource(s)
	s.SetSource(src)

	color.Cyan("== creating tasks ==")
	titles := []string{"write design doc", "review PR", "ship release", "triage bugs"}
	for _, title := range titles {
		rec := store.NewRecord(typeTask, account, map[string]any{"title": title})
		if err := rec.SaveToStore(s); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	loop.Flush()

	lq := query.NewLocal(s, account, typeTask, nil, func(a, b store.StoreKey) bool {
		return s.GetRecordFromStoreKey(a).Get("title").(string) < s.GetRecordFromStoreKey(b).Get("title").(string)
	})
	renderTasks(s, lq)

	color.Cyan("\n== marking one task done ==")
	first := lq.Fetch(false)[0]
	s.GetRecordFromStoreKey(first).Set("done", true)
	loop.Flush()
	renderTasks(s, lq)

	color.Cyan("\n== windowed activity feed ==")
	wq := query.NewWindowed(s, account, typeActivity, query.WindowedQueryOptions{
		WindowSize:         10,
		CanGetDeltaUpdates: true,
	})
	demoWindowed(s, loop, src, wq)

	hits, misses := s.Stats().Snapshot()
	fmt.Printf("\n%s store processed %s mutations across %s tasks (%s cache hits, %s misses)\n",
		color.GreenString("done —"),
		humanize.Comma(int64(src.mutationCount())),
		humanize.Comma(int64(len(titles))),
		humanize.Comma(hits),
		humanize.Comma(misses),
	)
}

func renderTasks(s *store.Store, lq *query.LocalQuery) {
	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.Header([]string{"title", "done", "status"})
	for _, sk := range lq.Fetch(false) {
		rec := s.GetRecordFromStoreKey(sk)
		tbl.Append([]string{
			fmt.Sprint(rec.Get("title")),
			fmt.Sprint(rec.Get("done")),
			rec.Status().String(),
		})
	}
	tbl.Render()
}

func demoWindowed(s *store.Store, loop *runloop.RunLoop, src *fakeSource, wq *query.WindowedQuery) {
	first := fetchRange(loop, wq, 0, 5)

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.Header([]string{"index", "activity id"})
	for i, sk := range first {
		tbl.Append([]string{strconv.Itoa(i), fmt.Sprint(s.GetIdFromStoreKey(sk))})
	}
	tbl.Render()

	color.Yellow("\n-- preemptive remove of index 1, then a contradicting server update --")
	victim := first[1]
	wq.ClientDidGenerateUpdate(query.PreemptiveUpdate{Removed: []store.StoreKey{victim}})
	src.sendContradictingUpdate(wq)
	flushUntil(loop, func() bool { return !wq.IsDirty() }, 2*time.Second)

	after := fetchRange(loop, wq, 0, wq.Length())
	tbl2 := tablewriter.NewWriter(os.Stdout)
	tbl2.Header([]string{"index", "activity id"})
	for i, sk := range after {
		tbl2.Append([]string{strconv.Itoa(i), fmt.Sprint(s.GetIdFromStoreKey(sk))})
	}
	tbl2.Render()
}

// fetchRange drives the run loop until a GetStoreKeysForObjectsInRange
// callback resolves, since the fake Source answers asynchronously from a
// goroutine and only Dispatch()es its result onto the loop.
func fetchRange(loop *runloop.RunLoop, wq *query.WindowedQuery, start, end int) []store.StoreKey {
	var out []store.StoreKey
	done := make(chan struct{})
	var once sync.Once
	wq.GetStoreKeysForObjectsInRange(start, end, func(sks []store.StoreKey) {
		out = sks
		once.Do(func() { close(done) })
	})
	flushUntil(loop, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second)
	return out
}

func flushUntil(loop *runloop.RunLoop, satisfied func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !satisfied() && time.Now().Before(deadline) {
		loop.Flush()
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeSource is an in-memory Source implementation. It answers
// FetchQuery by fanning the id-range parts of a single request out across
// goroutines with errgroup, joining before calling back — a real Source
// backed by network I/O would do the same to overlap latency across
// windows instead of fetching them serially. Record ranges are not
// answered.
type fakeSource struct {
	s *store.Store

	mu       sync.Mutex
	tasks    map[store.RecordID]map[string]any
	nextID   int
	mutCount atomic.Int64

	activity []string // ordered activity ids, index == position
}

func newFakeSource(s *store.Store) *fakeSource {
	fs := &fakeSource{s: s, tasks: make(map[store.RecordID]map[string]any)}
	for i := 0; i < 23; i++ {
		fs.activity = append(fs.activity, fmt.Sprintf("act-%02d", i))
	}
	return fs
}

func (fs *fakeSource) mutationCount() int64 { return fs.mutCount.Load() }

func (fs *fakeSource) FetchRecord(account store.AccountID, typ store.TypeName, id store.RecordID, done store.DoneFunc) {
	fs.s.Loop().Dispatch(func() {
		fs.s.SourceDidFetchRecords(account, typ, []store.FetchedRecord{}, "", false)
		done(nil)
	})
}

func (fs *fakeSource) RefreshRecord(account store.AccountID, typ store.TypeName, id store.RecordID, done store.DoneFunc) {
	fs.FetchRecord(account, typ, id, done)
}

// FetchAllRecords answers with every task currently known in account,
// marking the fetch isAll so the store destroys any that have since
// disappeared server-side (it never happens in this demo, but the
// callback contract still runs end to end).
func (fs *fakeSource) FetchAllRecords(account store.AccountID, typ store.TypeName, sinceState string, done store.DoneFunc) {
	fs.mu.Lock()
	var recs []store.FetchedRecord
	if typ == typeTask {
		for id, data := range fs.tasks {
			recs = append(recs, store.FetchedRecord{ID: id, Data: data})
		}
	}
	fs.mu.Unlock()

	fs.s.Loop().Dispatch(func() {
		fs.s.SourceDidFetchRecords(account, typ, recs, "v1", true)
		done(nil)
	})
}

// FetchQuery answers a WindowedQuery's WillFetch request. Each requested
// id-range is resolved concurrently via errgroup, then the id packets are
// delivered back to the query in one run-loop turn. Requested record
// ranges are ignored.
func (fs *fakeSource) FetchQuery(q store.FetchableQuery) {
	req, ok := q.WillFetch()
	if !ok {
		return
	}
	wq, isWindowed := q.(*query.WindowedQuery)
	if !isWindowed {
		return
	}

	go func() {
		var g errgroup.Group
		var idPackets []query.IDPacket

		for _, r := range req.IDs {
			r := r
			g.Go(func() error {
				packet := fs.buildIDPacket(req, r)
				fs.mu.Lock()
				idPackets = append(idPackets, packet)
				fs.mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		fs.s.Loop().Dispatch(func() {
			for _, p := range idPackets {
				wq.FetchedIDs(p)
			}
			if req.Done != nil {
				req.Done()
			}
		})
	}()
}

func (fs *fakeSource) buildIDPacket(req store.FetchRequest, r store.Range) query.IDPacket {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	end := r.Start + r.Count
	if end > len(fs.activity) {
		end = len(fs.activity)
	}
	var ids []store.RecordID
	for i := r.Start; i < end; i++ {
		ids = append(ids, store.RecordID(fs.activity[i]))
	}
	return query.IDPacket{
		QueryState: "v1",
		Position:   r.Start,
		IDs:        ids,
		Total:      len(fs.activity),
	}
}

// sendContradictingUpdate simulates the server reporting a delta that
// disagrees with a preemptive edit already applied: it removes a
// different activity and appends a brand new one, instead of matching
// whatever the client optimistically did.
func (fs *fakeSource) sendContradictingUpdate(wq *query.WindowedQuery) {
	fs.mu.Lock()
	removedID := store.RecordID(fs.activity[2])
	fs.activity = append(fs.activity[:2], fs.activity[3:]...)
	newIDStr := fmt.Sprintf("act-%02d", len(fs.activity)+1)
	newID := store.RecordID(newIDStr)
	fs.activity = append(fs.activity, newIDStr)
	fs.mu.Unlock()

	fs.s.Loop().Dispatch(func() {
		wq.FetchedUpdate(query.DeltaUpdate{
			OldQueryState: "v1",
			NewQueryState: "v2",
			Removed:       []store.RecordID{removedID},
			Added:         []query.AddedID{{Index: len(fs.activity) - 1, ID: newID}},
			Total:         len(fs.activity),
		})
	})
}

func (fs *fakeSource) CommitChanges(changes map[store.AccountType]*store.ChangeEntry, done func()) {
	fs.mutCount.Add(1)
	for at, entry := range changes {
		if entry.Create != nil {
			fs.commitCreate(at, entry.Create)
		}
		if entry.Update != nil {
			fs.commitUpdate(at, entry.Update)
		}
		if entry.Destroy != nil {
			fs.commitDestroy(at, entry.Destroy)
		}
	}
	fs.s.Loop().Dispatch(done)
}

func (fs *fakeSource) commitCreate(at store.AccountType, batch *store.CreateBatch) {
	sks := append([]store.StoreKey(nil), batch.StoreKeys...)
	sort.Slice(sks, func(i, j int) bool { return sks[i] < sks[j] })
	for _, sk := range sks {
		fs.mu.Lock()
		fs.nextID++
		id := store.RecordID(fmt.Sprintf("task-%03d", fs.nextID))
		fs.tasks[id] = batch.Records[sk]
		fs.mu.Unlock()
		fs.s.SourceDidCommitCreate(at.Account, at.Type, sk, id, nil)
	}
}

func (fs *fakeSource) commitUpdate(at store.AccountType, batch *store.UpdateBatch) {
	for _, sk := range batch.StoreKeys {
		fs.s.SourceDidCommitUpdate(at.Account, at.Type, sk, nil)
	}
}

func (fs *fakeSource) commitDestroy(at store.AccountType, batch *store.DestroyBatch) {
	for _, sk := range batch.StoreKeys {
		fs.s.SourceDidCommitDestroy(at.Account, at.Type, sk)
	}
}
