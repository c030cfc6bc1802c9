package xrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrDidNotFound is returned for DIDs the directory does not know. Negative
// results are cached to prevent re-resolution storms.
var ErrDidNotFound = errors.New("did not found")

const (
	defaultPLCDirectory = "https://plc.directory"
	resolverCacheSize   = 100_000
)

// Identity is the resolved view of a DID.
type Identity struct {
	DID    string
	Handle string
	PDS    string
}

// Resolver resolves DIDs to their service URL and handle via the plc and
// web methods, with a bounded cache.
type Resolver struct {
	plcDirectory string
	httpClient   *http.Client

	// cache holds nil values for negative resolutions.
	cache *lru.Cache[string, *Identity]
}

// NewResolver creates a resolver against the default plc directory.
func NewResolver() *Resolver {
	return NewResolverWithDirectory(defaultPLCDirectory)
}

// NewResolverWithDirectory creates a resolver against a specific plc
// directory URL.
func NewResolverWithDirectory(plcDirectory string) *Resolver {
	cache, err := lru.New[string, *Identity](resolverCacheSize)
	if err != nil {
		panic("resolver cache: " + err.Error())
	}
	return &Resolver{
		plcDirectory: plcDirectory,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		cache: cache,
	}
}

// didDocument is the subset of a DID document we consume. ServiceEndpoint is
// left untyped so a non-string endpoint can be rejected explicitly.
type didDocument struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint any    `json:"serviceEndpoint"`
	} `json:"service"`
}

// Resolve returns the identity for a DID, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, did string) (*Identity, error) {
	if ident, ok := r.cache.Get(did); ok {
		if ident == nil {
			return nil, ErrDidNotFound
		}
		return ident, nil
	}

	ident, err := r.resolve(ctx, did)
	if errors.Is(err, ErrDidNotFound) {
		r.cache.Add(did, nil)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	r.cache.Add(did, ident)
	return ident, nil
}

func (r *Resolver) resolve(ctx context.Context, did string) (*Identity, error) {
	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcDirectory + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		docURL = "https://" + strings.TrimPrefix(did, "did:web:") + "/.well-known/did.json"
	default:
		return nil, fmt.Errorf("unsupported did method: %q", did)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch did document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrDidNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch did document (status %d): %s", resp.StatusCode, string(body))
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode did document: %w", err)
	}

	ident := &Identity{DID: did}
	for _, aka := range doc.AlsoKnownAs {
		if h, ok := strings.CutPrefix(aka, "at://"); ok {
			ident.Handle = h
			break
		}
	}
	for _, svc := range doc.Service {
		if !strings.HasSuffix(svc.ID, "#atproto_pds") && svc.Type != "AtprotoPersonalDataServer" {
			continue
		}
		endpoint, ok := svc.ServiceEndpoint.(string)
		if !ok {
			return nil, fmt.Errorf("did %s: service endpoint is not a string", did)
		}
		if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
			return nil, fmt.Errorf("did %s: invalid service endpoint %q", did, endpoint)
		}
		ident.PDS = endpoint
		break
	}
	if ident.PDS == "" {
		return nil, fmt.Errorf("did %s: no pds service in did document", did)
	}
	return ident, nil
}
