package lifetime

import (
	"sync"
	"testing"
	"time"
)

type fakeActor struct {
	mu        sync.Mutex
	mayDelete bool
	shutdowns int
	destroys  int
	destroyed chan struct{}
}

func newFakeActor(mayDelete bool) *fakeActor {
	return &fakeActor{mayDelete: mayDelete, destroyed: make(chan struct{})}
}

func (f *fakeActor) MayDelete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mayDelete
}

func (f *fakeActor) setMayDelete(v bool) {
	f.mu.Lock()
	f.mayDelete = v
	f.mu.Unlock()
}

func (f *fakeActor) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
}

func (f *fakeActor) Destroy() {
	f.mu.Lock()
	f.destroys++
	f.mu.Unlock()
	close(f.destroyed)
}

func (f *fakeActor) counts() (shutdowns, destroys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns, f.destroys
}

func waitDestroyed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Destroy")
	}
}

func TestDeleteDestroysImmediatelyWhenMayDeleteIsTrue(t *testing.T) {
	m := New()
	go m.Run()
	defer m.Close()

	actor := newFakeActor(true)
	ref := m.Register(actor)

	ref.Delete()
	waitDestroyed(t, actor.destroyed)

	shutdowns, destroys := actor.counts()
	if shutdowns != 1 || destroys != 1 {
		t.Errorf("shutdowns=%d destroys=%d, want 1,1", shutdowns, destroys)
	}
	if !ref.IsDeleted() {
		t.Error("expected ref to report deleted")
	}
}

func TestDeleteWaitsUntilMayDeleteBecomesTrue(t *testing.T) {
	m := New()
	go m.Run()
	defer m.Close()

	actor := newFakeActor(false)
	ref := m.Register(actor)

	ref.Delete()
	time.Sleep(50 * time.Millisecond)
	if ref.IsDeleted() {
		t.Fatal("ref should not be deleted while MayDelete is false")
	}
	shutdowns, destroys := actor.counts()
	if shutdowns != 1 || destroys != 0 {
		t.Errorf("shutdowns=%d destroys=%d, want 1,0 (shutdown runs up front)", shutdowns, destroys)
	}

	actor.setMayDelete(true)
	ref.Delete() // re-trigger evaluation now that the condition changed
	waitDestroyed(t, actor.destroyed)
}

func TestParentWaitsForChildToBeDestroyedFirst(t *testing.T) {
	m := New()
	go m.Run()
	defer m.Close()

	parentActor := newFakeActor(true)
	childActor := newFakeActor(false)

	parentRef := m.Register(parentActor)
	childRef := m.Register(childActor)
	childRef.DependsOn(parentRef)

	parentRef.Delete()
	time.Sleep(50 * time.Millisecond)
	if parentRef.IsDeleted() {
		t.Fatal("parent must not be destroyed while its child ref is still live")
	}
	_, destroys := parentActor.counts()
	if destroys != 0 {
		t.Errorf("parent destroys = %d, want 0", destroys)
	}

	childActor.setMayDelete(true)
	childRef.Delete()
	waitDestroyed(t, childActor.destroyed)

	// Destroying the child retries the parent automatically.
	waitDestroyed(t, parentActor.destroyed)
}
