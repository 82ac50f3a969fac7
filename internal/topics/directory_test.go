package topics

import (
	"context"
	"errors"
	"sync"
	"testing"

	"notibot/internal/transport"
	logx "notibot/pkg/logx"
)

type fakeCreator struct {
	mu    sync.Mutex
	next  int
	calls []string
	errs  map[string]error
}

func (f *fakeCreator) CreateThread(_ context.Context, _ int64, name string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return 0, err
	}
	f.next++
	return 100 + f.next, nil
}

func (f *fakeCreator) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeCreator) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestEnsureTopicsCreatesAllSections(t *testing.T) {
	t.Parallel()

	fc := &fakeCreator{}
	d := NewDirectory(nil, NewMemoryStore(), fc, logx.Nop())

	got, err := d.EnsureTopics(context.Background(), 1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(got) != len(DefaultSections()) {
		t.Fatalf("got %d sections, want %d", len(got), len(DefaultSections()))
	}
	if fc.total() != len(DefaultSections()) {
		t.Fatalf("creator called %d times, want %d", fc.total(), len(DefaultSections()))
	}

	// Second ensure finds everything in place.
	again, err := d.EnsureTopics(context.Background(), 1)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if fc.total() != len(DefaultSections()) {
		t.Fatalf("second ensure created threads: %d calls", fc.total())
	}
	for k, v := range got {
		if again[k] != v {
			t.Fatalf("mapping changed between ensures: %v vs %v", got, again)
		}
	}
}

func TestEnsureTopicsConcurrentSingleCreate(t *testing.T) {
	t.Parallel()

	fc := &fakeCreator{}
	d := NewDirectory(nil, NewMemoryStore(), fc, logx.Nop())

	const workers = 10
	var wg sync.WaitGroup
	results := make([]map[string]int, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			m, err := d.EnsureTopics(context.Background(), 42)
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			results[i] = m
		}()
	}
	wg.Wait()

	for _, s := range DefaultSections() {
		if n := fc.count(s.Name); n != 1 {
			t.Fatalf("section %q created %d times, want 1", s.Name, n)
		}
	}
	for i := 1; i < workers; i++ {
		for k, v := range results[0] {
			if results[i][k] != v {
				t.Fatalf("worker %d saw a different mapping: %v vs %v", i, results[i], results[0])
			}
		}
	}
}

func TestEnsureTopicsUnsupportedChat(t *testing.T) {
	t.Parallel()

	fc := &fakeCreator{errs: map[string]error{"Impulses": transport.ErrThreadsUnsupported}}
	d := NewDirectory(nil, NewMemoryStore(), fc, logx.Nop())

	got, err := d.EnsureTopics(context.Background(), 5)
	if err != nil {
		t.Fatalf("unsupported chat must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty mapping, got %v", got)
	}

	// No negative cache: a later ensure tries again.
	if _, err := d.EnsureTopics(context.Background(), 5); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if n := fc.count("Impulses"); n != 2 {
		t.Fatalf("expected retry on next ensure, creator called %d times", n)
	}
}

func TestEnsureTopicsPartialFailurePersists(t *testing.T) {
	t.Parallel()

	boom := errors.New("create failed")
	fc := &fakeCreator{errs: map[string]error{"Bablo": boom}}
	store := NewMemoryStore()
	d := NewDirectory(nil, store, fc, logx.Nop())

	got, err := d.EnsureTopics(context.Background(), 9)
	if !errors.Is(err, boom) {
		t.Fatalf("expected create error, got %v", err)
	}
	if _, ok := got[SectionImpulses]; !ok {
		t.Fatalf("first section should exist despite later failure: %v", got)
	}

	// Partial progress reached the store.
	persisted, err := store.Load(context.Background(), 9)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := persisted[SectionImpulses]; !ok {
		t.Fatalf("partial mapping not persisted: %v", persisted)
	}
}

func TestInvalidateThenReensure(t *testing.T) {
	t.Parallel()

	fc := &fakeCreator{}
	store := NewMemoryStore()
	d := NewDirectory(nil, store, fc, logx.Nop())
	ctx := context.Background()

	first, err := d.EnsureTopics(ctx, 7)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	old := first[SectionImpulses]

	if err := d.Invalidate(ctx, 7, SectionImpulses); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	// The next resolve recreates only the dropped section.
	fresh, ok := d.ThreadID(ctx, 7, SectionImpulses)
	if !ok {
		t.Fatal("invalidated section did not recreate on resolve")
	}
	if fresh == old {
		t.Fatalf("resolve returned the stale thread id %d", old)
	}
	if got := fc.total(); got != len(DefaultSections())+1 {
		t.Fatalf("creates = %d, want %d", got, len(DefaultSections())+1)
	}

	// A fresh directory over the same store sees the new mapping without
	// touching the transport again.
	d2 := NewDirectory(nil, store, fc, logx.Nop())
	id, ok := d2.ThreadID(ctx, 7, SectionImpulses)
	if !ok || id != fresh {
		t.Fatalf("restart lost mapping: id=%d ok=%v want %d", id, ok, fresh)
	}
	if got := fc.total(); got != len(DefaultSections())+1 {
		t.Fatalf("creates after restart = %d, want %d", got, len(DefaultSections())+1)
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	t.Parallel()

	d := NewDirectory(nil, NewMemoryStore(), &fakeCreator{}, logx.Nop())
	ctx := context.Background()

	if err := d.Invalidate(ctx, 3, SectionReports); err != nil {
		t.Fatalf("invalidate on missing entry: %v", err)
	}
	if err := d.Invalidate(ctx, 3, ""); err != nil {
		t.Fatalf("invalidate empty section: %v", err)
	}
}
