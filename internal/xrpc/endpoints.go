package xrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/blackmichael/pinakes/internal/domain"
)

// GetRepo downloads the full CAR archive of a repository from its PDS.
func (m *Manager) GetRepo(ctx context.Context, did string) ([]byte, error) {
	var data []byte
	err := m.QueryByDID(ctx, did, func(ctx context.Context, c *Client) error {
		params := url.Values{"did": {did}}
		var err error
		data, err = c.GetBytes(ctx, "com.atproto.sync.getRepo", params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetRecord fetches a single record from the owner's PDS. Returns
// ErrNotFound when the record does not exist.
func (m *Manager) GetRecord(ctx context.Context, uri domain.ATURI) (json.RawMessage, error) {
	var resp RecordResponse
	err := m.QueryByDID(ctx, uri.DID, func(ctx context.Context, c *Client) error {
		params := url.Values{
			"repo":       {uri.DID},
			"collection": {uri.Collection},
			"rkey":       {uri.RKey},
		}
		return c.Get(ctx, "com.atproto.repo.getRecord", params, &resp)
	})
	if err != nil {
		return nil, mapNotFound(err)
	}
	return resp.Value, nil
}

// GetPostThread fetches the thread view around a post from the appview.
// Returns ErrNotFound when the post does not exist.
func (m *Manager) GetPostThread(ctx context.Context, appview, uri string, depth, parentHeight int) (*ThreadNode, error) {
	var resp threadResponse
	err := m.Query(ctx, appview, func(ctx context.Context, c *Client) error {
		params := url.Values{
			"uri":          {uri},
			"depth":        {strconv.Itoa(depth)},
			"parentHeight": {strconv.Itoa(parentHeight)},
		}
		return c.Get(ctx, "app.bsky.feed.getPostThread", params, &resp)
	})
	if err != nil {
		return nil, mapNotFound(err)
	}
	if resp.Thread == nil || resp.Thread.Type == TypeNotFoundPost {
		return nil, ErrNotFound
	}
	return resp.Thread, nil
}

// GetProfile fetches an actor's profile from the appview.
func (m *Manager) GetProfile(ctx context.Context, appview, actor string) (*ProfileView, error) {
	var resp ProfileView
	err := m.Query(ctx, appview, func(ctx context.Context, c *Client) error {
		params := url.Values{"actor": {actor}}
		return c.Get(ctx, "app.bsky.actor.getProfile", params, &resp)
	})
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &resp, nil
}

// ResolveHandle resolves a handle to its DID via the appview.
func (m *Manager) ResolveHandle(ctx context.Context, appview, handle string) (string, error) {
	var resp resolveHandleResponse
	err := m.Query(ctx, appview, func(ctx context.Context, c *Client) error {
		params := url.Values{"handle": {handle}}
		return c.Get(ctx, "com.atproto.identity.resolveHandle", params, &resp)
	})
	if err != nil {
		return "", mapNotFound(err)
	}
	return resp.DID, nil
}

// mapNotFound converts service "not found" responses into ErrNotFound.
func mapNotFound(err error) error {
	var xe *Error
	if errors.As(err, &xe) {
		if xe.Code == "NotFound" || xe.Code == "RecordNotFound" || xe.Status == 404 {
			return ErrNotFound
		}
	}
	return err
}
