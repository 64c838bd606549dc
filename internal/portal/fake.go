package portal

import (
	"context"
	"fmt"
	"sync"

	"caebridge/internal/autoerr"
	"caebridge/internal/matching"
)

// Fake is the scripted connector used when the uploader is configured as
// "fake". It never opens a browser: pending rows are seeded in memory and
// uploads mutate that state, so the full plan/apply pipeline can run against
// it deterministically.
type Fake struct {
	mu          sync.Mutex
	platformKey string
	loggedIn    bool
	navigated   bool
	pending     []matching.PendingRequirement
	uploaded    []UploadItem

	// failure injection, keyed by pending item key
	failUpload map[string]error
	loginErr   error
}

// NewFake builds an empty fake session for a platform.
func NewFake(platformKey string) *Fake {
	return &Fake{
		platformKey: platformKey,
		failUpload:  make(map[string]error),
	}
}

// Seed replaces the scripted pending grid.
func (f *Fake) Seed(rows ...matching.PendingRequirement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append([]matching.PendingRequirement(nil), rows...)
}

// FailUploadOf makes the next upload of the item fail with err.
func (f *Fake) FailUploadOf(item matching.PendingRequirement, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpload[item.ItemKey()] = err
}

// FailLogin makes Login return err.
func (f *Fake) FailLogin(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginErr = err
}

// Uploaded returns the items submitted so far.
func (f *Fake) Uploaded() []UploadItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UploadItem(nil), f.uploaded...)
}

func (f *Fake) Login(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return f.loginErr
	}
	f.loggedIn = true
	return nil
}

func (f *Fake) NavigateToPending(ctx context.Context, coordLabel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loggedIn {
		return fmt.Errorf("fake connector: not logged in")
	}
	f.navigated = true
	return nil
}

func (f *Fake) ExtractPending(ctx context.Context, maxPages int) ([]matching.PendingRequirement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.navigated {
		return nil, autoerr.Exec(autoerr.CodeExecGridNotReached, "fake connector: grid not reached")
	}
	return append([]matching.PendingRequirement(nil), f.pending...), nil
}

// UploadOne mimics the portal contract: the item must still be pending, and
// a successful upload removes it from the grid.
func (f *Fake) UploadOne(ctx context.Context, item UploadItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.navigated {
		return autoerr.Exec(autoerr.CodeExecGridNotReached, "fake connector: grid not reached")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := item.Pending.ItemKey()
	if err, injected := f.failUpload[key]; injected {
		delete(f.failUpload, key)
		return err
	}

	idx := -1
	for i, p := range f.pending {
		if p.ItemKey() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return autoerr.Exec(autoerr.CodeExecItemNotFound,
			fmt.Sprintf("fake connector: item %q not on the grid", key))
	}
	f.pending = append(f.pending[:idx], f.pending[idx+1:]...)
	f.uploaded = append(f.uploaded, item)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = false
	f.navigated = false
	return nil
}
