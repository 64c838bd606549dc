// Package portal abstracts CAE portals behind a small connector interface so
// the plan and apply layers never touch rod directly. The real connector
// drives a browser; the fake connector replays scripted portal state for
// development and tests.
package portal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"caebridge/internal/config"
	"caebridge/internal/evidence"
	"caebridge/internal/matching"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
)

// UploadItem is one gated upload handed to a connector.
type UploadItem struct {
	Pending  matching.PendingRequirement
	Rule     *rules.SubmissionRule
	FilePath string

	ValidFrom repository.Date
	ValidTo   repository.Date
	IssueDate repository.Date
}

// Connector is the portal session contract. Implementations own one
// authenticated session; they are not safe for concurrent use.
type Connector interface {
	// Login establishes the authenticated session.
	Login(ctx context.Context) error
	// NavigateToPending walks to the pending-documents grid for a coordination.
	NavigateToPending(ctx context.Context, coordLabel string) error
	// ExtractPending scrapes the grid across pages.
	ExtractPending(ctx context.Context, maxPages int) ([]matching.PendingRequirement, error)
	// UploadOne submits a single item and verifies the outcome.
	UploadOne(ctx context.Context, item UploadItem) error
	// Close releases the session and flushes state.
	Close() error
}

// Deps carries everything a connector factory may need. The credential stays
// in memory for the life of the session.
type Deps struct {
	Platform   config.Platform
	Credential config.Credential
	Browser    config.BrowserConfig

	StorageStatePath string
	Recorder         *evidence.Recorder
}

// Factory builds a connector for one platform.
type Factory func(deps Deps) (Connector, error)

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register binds a platform key to its connector factory.
func Register(platformKey string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[platformKey] = f
}

// Registered lists the known platform keys.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New builds the connector for a platform. The "fake" uploader overrides the
// registry for every platform so no real browser is ever started.
func New(deps Deps) (Connector, error) {
	if deps.Browser.Uploader == "fake" {
		return NewFake(deps.Platform.Key), nil
	}
	regMu.RLock()
	f, ok := registry[deps.Platform.Key]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for platform %q", deps.Platform.Key)
	}
	return f(deps)
}
