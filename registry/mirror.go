package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomyedwab/nonefly/storage"
)

const (
	DefaultAdaptersURL = "https://registry.nonebot.dev/adapters.json"
	DefaultPluginsURL  = "https://registry.nonebot.dev/plugins.json"
	defaultTimeout     = 30 * time.Second
	maxErrorBody       = 512
)

var (
	// ErrFetchFailed covers transport errors, non-2xx responses and bodies
	// that are not a JSON array.
	ErrFetchFailed = errors.New("failed to fetch registry")
	// ErrDecodeFailed means one element lacked a required field.
	ErrDecodeFailed = errors.New("failed to decode registry entry")
)

// EntryStore is the part of the storage layer the Mirror writes through.
type EntryStore interface {
	ReplaceRegistry(ctx context.Context, kind storage.RegistryKind, entries []storage.RegistryEntry) error
	LoadRegistry(ctx context.Context, kind storage.RegistryKind) ([]json.RawMessage, error)
}

// Config holds configuration options for the Mirror.
type Config struct {
	Store       EntryStore    // Required
	AdaptersURL string        // Optional, defaults to DefaultAdaptersURL
	PluginsURL  string        // Optional, defaults to DefaultPluginsURL
	Timeout     time.Duration // Optional, defaults to 30s
	Client      *http.Client  // Optional, overrides Timeout when set
	Logger      *slog.Logger  // Optional, defaults to slog.Default()
}

// Mirror keeps local copies of the NoneBot adapter and plugin registries.
type Mirror struct {
	store  EntryStore
	urls   map[storage.RegistryKind]string
	client *http.Client
	logger *slog.Logger
}

func NewMirror(config Config) (*Mirror, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("EntryStore is required")
	}

	client := config.Client
	if client == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	adaptersURL := config.AdaptersURL
	if adaptersURL == "" {
		adaptersURL = DefaultAdaptersURL
	}
	pluginsURL := config.PluginsURL
	if pluginsURL == "" {
		pluginsURL = DefaultPluginsURL
	}

	return &Mirror{
		store: config.Store,
		urls: map[storage.RegistryKind]string{
			storage.KindAdapter: adaptersURL,
			storage.KindPlugin:  pluginsURL,
		},
		client: client,
		logger: logger.With("component", "Mirror"),
	}, nil
}

// Refresh downloads the registry for kind and replaces the stored copy. The
// stored copy is only touched once every element has been fetched and
// decoded.
func (m *Mirror) Refresh(ctx context.Context, kind storage.RegistryKind) error {
	url, ok := m.urls[kind]
	if !ok {
		return fmt.Errorf("%w: %q", storage.ErrUnknownKind, string(kind))
	}
	logger := m.logger.With("kind", kind, "url", url)
	start := time.Now()

	elements, err := m.fetch(ctx, url)
	if err != nil {
		logger.Error("Registry fetch failed", "error", err)
		return err
	}

	entries, err := DecodeEntries(elements)
	if err != nil {
		logger.Error("Registry decode failed", "error", err)
		return err
	}

	if err := m.store.ReplaceRegistry(ctx, kind, entries); err != nil {
		return err
	}
	logger.Info("Registry refreshed", "entries", len(entries), "duration", time.Since(start))
	return nil
}

// RefreshAll refreshes adapters, then plugins, stopping at the first failure.
func (m *Mirror) RefreshAll(ctx context.Context) error {
	for _, kind := range []storage.RegistryKind{storage.KindAdapter, storage.KindPlugin} {
		if err := m.Refresh(ctx, kind); err != nil {
			return fmt.Errorf("refreshing %s registry: %w", kind, err)
		}
	}
	return nil
}

// Entries returns the stored payloads for kind.
func (m *Mirror) Entries(ctx context.Context, kind storage.RegistryKind) ([]json.RawMessage, error) {
	return m.store.LoadRegistry(ctx, kind)
}

func (m *Mirror) fetch(ctx context.Context, url string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		contents, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: GET %s returned %d: %s", ErrFetchFailed, url, resp.StatusCode, contents)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrFetchFailed, url, err)
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrFetchFailed, url, err)
	}
	if elements == nil {
		return nil, fmt.Errorf("%w: %s is not a JSON array", ErrFetchFailed, url)
	}
	return elements, nil
}

// DecodeEntries extracts the indexed fields from each element, keeping the
// element bytes as the payload. Keys must match exactly; one bad element
// fails the whole batch.
func DecodeEntries(elements []json.RawMessage) ([]storage.RegistryEntry, error) {
	entries := make([]storage.RegistryEntry, 0, len(elements))
	for i, element := range elements {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(element, &fields); err != nil {
			return nil, fmt.Errorf("%w: element %d: %w", ErrDecodeFailed, i, err)
		}
		packageName, err := stringField(fields, "project_link")
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %w", ErrDecodeFailed, i, err)
		}
		moduleName, err := stringField(fields, "module_name")
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %w", ErrDecodeFailed, i, err)
		}
		entries = append(entries, storage.RegistryEntry{
			PackageName: packageName,
			ModuleName:  moduleName,
			Payload:     append(json.RawMessage(nil), element...),
		})
	}
	return entries, nil
}

// stringField returns fields[key] as a string. The key lookup is
// case-sensitive, unlike struct decoding.
func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", fmt.Errorf("field %s is null", key)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("field %s: %w", key, err)
	}
	return value, nil
}
