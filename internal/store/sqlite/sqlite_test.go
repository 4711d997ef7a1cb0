package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func defaultSettings() store.Settings {
	return store.Settings{
		DomainCrawlLimit:    store.Unlimited,
		InflightCrawlLimit:  store.Unlimited,
		InflightDomainLimit: store.Unlimited,
	}
}

func TestEnqueueDeduplicatesAndStripsFragment(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	added, reason, err := b.Enqueue(ctx, "https://example.com/a#section", defaultSettings(), store.EnqueueSettings{})
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v reason=%v err=%v", added, reason, err)
	}

	added, reason, err = b.Enqueue(ctx, "https://example.com/a", defaultSettings(), store.EnqueueSettings{})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if added {
		t.Fatalf("expected fragment-only variant to dedupe, got added with reason %v", reason)
	}
	if reason != store.SkipDuplicate {
		t.Errorf("expected SkipDuplicate, got %v", reason)
	}
}

func TestEnqueueWithForceAllowRequeuesCompletedTask(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	added, _, err := b.Enqueue(ctx, "https://example.com/a", defaultSettings(), store.EnqueueSettings{})
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	task, err := b.Dequeue(ctx, defaultSettings(), nil, nil)
	if err != nil || task == nil {
		t.Fatalf("dequeue: task=%v err=%v", task, err)
	}
	if err := b.MarkDone(ctx, task.ID, model.StatusCompleted); err != nil {
		t.Fatalf("mark_done: %v", err)
	}

	added, reason, err := b.Enqueue(ctx, "https://example.com/a", defaultSettings(), store.EnqueueSettings{})
	if err != nil {
		t.Fatalf("re-enqueue without force: %v", err)
	}
	if added || reason != store.SkipDuplicate {
		t.Fatalf("expected completed task to dedupe without ForceAllow, got added=%v reason=%v", added, reason)
	}

	added, _, err = b.Enqueue(ctx, "https://example.com/a", defaultSettings(), store.EnqueueSettings{ForceAllow: true})
	if err != nil || !added {
		t.Fatalf("force re-enqueue: added=%v err=%v", added, err)
	}
	reset, err := b.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if reset.Status != model.StatusQueued {
		t.Fatalf("expected task reset to Queued, got %v", reset.Status)
	}
}

func TestEnqueueRespectsBlockList(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	settings := defaultSettings()
	settings.BlockList = []string{"blocked.example.com"}

	added, reason, err := b.Enqueue(ctx, "https://blocked.example.com/x", settings, store.EnqueueSettings{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if added || reason != store.SkipBlocked {
		t.Fatalf("expected SkipBlocked, got added=%v reason=%v", added, reason)
	}

	added, _, err = b.Enqueue(ctx, "https://blocked.example.com/x", settings, store.EnqueueSettings{ForceAllow: true})
	if err != nil {
		t.Fatalf("force-allow enqueue: %v", err)
	}
	if !added {
		t.Fatalf("expected force_allow to bypass block list")
	}
}

func TestDequeueSkipsAlreadyProcessingAndRetriesFailures(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, _, err := b.Enqueue(ctx, "https://example.com/a", defaultSettings(), store.EnqueueSettings{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := b.Dequeue(ctx, defaultSettings(), nil, nil)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.Status != model.StatusProcessing {
		t.Errorf("expected Processing status, got %v", task.Status)
	}

	again, err := b.Dequeue(ctx, defaultSettings(), nil, nil)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no further tasks, got %+v", again)
	}

	if err := b.MarkDone(ctx, task.ID, model.StatusFailed); err != nil {
		t.Fatalf("mark_done: %v", err)
	}

	retried, err := b.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if retried.Status != model.StatusQueued {
		t.Errorf("expected task requeued after failure, got %v", retried.Status)
	}
	if retried.NumRetries != 1 {
		t.Errorf("expected num_retries=1, got %d", retried.NumRetries)
	}
}

func TestMarkDoneTerminatesAfterMaxRetries(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, _, err := b.Enqueue(ctx, "https://example.com/a", defaultSettings(), store.EnqueueSettings{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := b.Dequeue(ctx, defaultSettings(), nil, nil)
	if err != nil || task == nil {
		t.Fatalf("dequeue: task=%v err=%v", task, err)
	}

	for i := 0; i < model.MaxRetries; i++ {
		if err := b.MarkDone(ctx, task.ID, model.StatusFailed); err != nil {
			t.Fatalf("mark_done retry %d: %v", i, err)
		}
		if _, err := b.Dequeue(ctx, defaultSettings(), nil, nil); err != nil {
			t.Fatalf("redequeue %d: %v", i, err)
		}
	}

	if err := b.MarkDone(ctx, task.ID, model.StatusFailed); err != nil {
		t.Fatalf("final mark_done: %v", err)
	}
	final, err := b.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if final.Status != model.StatusFailed {
		t.Errorf("expected terminal Failed status, got %v", final.Status)
	}
}

func TestBootstrapTasksJumpQueue(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, _, err := b.Enqueue(ctx, "https://example.com/early", defaultSettings(), store.EnqueueSettings{}); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	if _, _, err := b.Enqueue(ctx, "https://example.com/late-bootstrap", defaultSettings(), store.EnqueueSettings{CrawlType: model.CrawlBootstrap}); err != nil {
		t.Fatalf("enqueue bootstrap: %v", err)
	}

	task, err := b.Dequeue(ctx, defaultSettings(), nil, nil)
	if err != nil || task == nil {
		t.Fatalf("dequeue: task=%v err=%v", task, err)
	}
	if task.URL != "https://example.com/late-bootstrap" {
		t.Errorf("expected bootstrap task to dequeue first, got %s", task.URL)
	}
}

func TestResetProcessing(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, _, err := b.Enqueue(ctx, "https://example.com/a", defaultSettings(), store.EnqueueSettings{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := b.Dequeue(ctx, defaultSettings(), nil, nil)
	if err != nil || task == nil {
		t.Fatalf("dequeue: task=%v err=%v", task, err)
	}

	if err := b.ResetProcessing(ctx); err != nil {
		t.Fatalf("reset_processing: %v", err)
	}
	reset, err := b.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if reset.Status != model.StatusQueued {
		t.Errorf("expected Queued after reset, got %v", reset.Status)
	}
}

func TestIndexedDocumentUpsertAndTagPrune(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	doc := &model.IndexedDocument{URL: "https://example.com/a", Domain: "example.com", DocID: "doc-1"}
	if err := b.UpsertIndexedDocument(ctx, doc); err != nil {
		t.Fatalf("upsert_indexed_document: %v", err)
	}
	if doc.ID == 0 {
		t.Fatal("expected doc ID to be populated")
	}

	tags := []model.Tag{{Label: model.TagLens, Value: "rust-docs"}, {Label: model.TagSource, Value: "web"}}
	if err := b.InsertTagsForDocs(ctx, []int64{doc.ID}, tags, false); err != nil {
		t.Fatalf("insert_tags: %v", err)
	}

	refs, err := b.FindByLens(ctx, "rust-docs")
	if err != nil {
		t.Fatalf("find_by_lens: %v", err)
	}
	if len(refs) != 1 || refs[0].DocID != "doc-1" {
		t.Fatalf("expected one matching ref, got %+v", refs)
	}

	if err := b.InsertTagsForDocs(ctx, []int64{doc.ID}, []model.Tag{{Label: model.TagSource, Value: "web"}}, true); err != nil {
		t.Fatalf("insert_tags with prune: %v", err)
	}

	refs, err = b.FindByLens(ctx, "rust-docs")
	if err != nil {
		t.Fatalf("find_by_lens after prune: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected lens tag removed after prune, got %+v", refs)
	}
}

func TestFindSoleLensDocsExcludesDocsTaggedWithOtherLenses(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	solo := &model.IndexedDocument{URL: "https://example.com/solo", Domain: "example.com", DocID: "doc-solo"}
	shared := &model.IndexedDocument{URL: "https://example.com/shared", Domain: "example.com", DocID: "doc-shared"}
	if err := b.UpsertIndexedDocument(ctx, solo); err != nil {
		t.Fatalf("upsert solo: %v", err)
	}
	if err := b.UpsertIndexedDocument(ctx, shared); err != nil {
		t.Fatalf("upsert shared: %v", err)
	}

	if err := b.InsertTagsForDocs(ctx, []int64{solo.ID}, []model.Tag{{Label: model.TagLens, Value: "rust-docs"}}, false); err != nil {
		t.Fatalf("insert_tags solo: %v", err)
	}
	if err := b.InsertTagsForDocs(ctx, []int64{shared.ID}, []model.Tag{
		{Label: model.TagLens, Value: "rust-docs"},
		{Label: model.TagLens, Value: "go-docs"},
	}, false); err != nil {
		t.Fatalf("insert_tags shared: %v", err)
	}

	refs, err := b.FindSoleLensDocs(ctx, "rust-docs")
	if err != nil {
		t.Fatalf("find_sole_lens_docs: %v", err)
	}
	if len(refs) != 1 || refs[0].DocID != "doc-solo" {
		t.Fatalf("expected only doc-solo, got %+v", refs)
	}
}

func TestFindURLsByDomainReturnsAllIndexedURLs(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	a := &model.IndexedDocument{URL: "https://example.com/a", Domain: "example.com", DocID: "doc-a"}
	bb := &model.IndexedDocument{URL: "https://example.com/b", Domain: "example.com", DocID: "doc-b"}
	other := &model.IndexedDocument{URL: "https://other.com/c", Domain: "other.com", DocID: "doc-c"}
	for _, doc := range []*model.IndexedDocument{a, bb, other} {
		if err := b.UpsertIndexedDocument(ctx, doc); err != nil {
			t.Fatalf("upsert %s: %v", doc.URL, err)
		}
	}

	urls, err := b.FindURLsByDomain(ctx, "example.com")
	if err != nil {
		t.Fatalf("find_urls_by_domain: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls under example.com, got %v", urls)
	}
}

func TestDeleteManyByURLRemovesTagsFirst(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	doc := &model.IndexedDocument{URL: "https://example.com/a", Domain: "example.com", DocID: "doc-1"}
	if err := b.UpsertIndexedDocument(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := b.InsertTagsForDocs(ctx, []int64{doc.ID}, []model.Tag{{Label: model.TagLens, Value: "rust-docs"}}, false); err != nil {
		t.Fatalf("insert_tags: %v", err)
	}

	if err := b.DeleteManyByURL(ctx, []string{doc.URL}); err != nil {
		t.Fatalf("delete_many_by_url: %v", err)
	}

	got, err := b.GetIndexedDocumentByURL(ctx, doc.URL)
	if err != nil {
		t.Fatalf("get_indexed_document: %v", err)
	}
	if got != nil {
		t.Fatalf("expected document deleted, got %+v", got)
	}
}

func TestResourceRulesStaleness(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, _, found, err := b.GetResourceRules(ctx, "example.com")
	if err != nil {
		t.Fatalf("get_resource_rules: %v", err)
	}
	if found {
		t.Fatal("expected no rules before upsert")
	}

	rules := []model.ResourceRule{{Domain: "example.com", Regex: "^/private.*", AllowCrawl: false}}
	if err := b.UpsertResourceRules(ctx, "example.com", rules); err != nil {
		t.Fatalf("upsert_resource_rules: %v", err)
	}

	got, lastFetched, found, err := b.GetResourceRules(ctx, "example.com")
	if err != nil {
		t.Fatalf("get_resource_rules: %v", err)
	}
	if !found || len(got) != 1 {
		t.Fatalf("expected one rule, got %+v", got)
	}
	if time.Since(lastFetched) > time.Minute {
		t.Errorf("expected recent last_fetched, got %v", lastFetched)
	}
}

func TestLensCRUD(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	lens := model.LensConfig{Name: "rust-docs", Trigger: "rust", URLs: []string{"https://doc.rust-lang.org/*"}, IsEnabled: true}
	isNew, err := b.UpsertLens(ctx, lens)
	if err != nil {
		t.Fatalf("upsert_lens: %v", err)
	}
	if !isNew {
		t.Error("expected first upsert to report new lens")
	}

	isNew, err = b.UpsertLens(ctx, lens)
	if err != nil {
		t.Fatalf("re-upsert_lens: %v", err)
	}
	if isNew {
		t.Error("expected re-upsert to report existing lens")
	}

	byTrigger, err := b.GetLensesByTrigger(ctx, "rust")
	if err != nil {
		t.Fatalf("get_lenses_by_trigger: %v", err)
	}
	if len(byTrigger) != 1 || len(byTrigger[0].URLs) != 1 {
		t.Fatalf("expected lens round-trip, got %+v", byTrigger)
	}

	if err := b.DeleteLens(ctx, "rust-docs"); err != nil {
		t.Fatalf("delete_lens: %v", err)
	}
	all, err := b.ListLenses(ctx)
	if err != nil {
		t.Fatalf("list_lenses: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no lenses after delete, got %+v", all)
	}
}

func TestConnectionCRUD(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	conn := model.Connection{APIID: "gdrive", Account: "user@example.com", IsSyncing: true, CredentialBlob: []byte("opaque")}
	if err := b.UpsertConnection(ctx, conn); err != nil {
		t.Fatalf("upsert_connection: %v", err)
	}

	got, err := b.GetConnection(ctx, "gdrive", "user@example.com")
	if err != nil {
		t.Fatalf("get_connection: %v", err)
	}
	if got == nil || string(got.CredentialBlob) != "opaque" {
		t.Fatalf("expected credential round-trip, got %+v", got)
	}

	if err := b.DeleteConnection(ctx, "gdrive", "user@example.com"); err != nil {
		t.Fatalf("delete_connection: %v", err)
	}
	got, err = b.GetConnection(ctx, "gdrive", "user@example.com")
	if err != nil {
		t.Fatalf("get_connection after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected connection deleted, got %+v", got)
	}
}
