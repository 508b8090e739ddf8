package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

type idOnly struct {
	ID string `json:"id"`
}

// ResolveSite maps a site path (host:/sites/name) to its opaque id.
func (c *Client) ResolveSite(ctx context.Context, cred model.Credential, siteURL string) (string, error) {
	siteURL = strings.Trim(strings.TrimSpace(siteURL), "/")
	if siteURL == "" {
		return "", fmt.Errorf("resolve site: empty site url: %w", ErrNotFound)
	}

	var out idOnly
	if err := c.do(ctx, cred, http.MethodGet, c.baseURL+"/sites/"+siteURL, nil, nil, &out); err != nil {
		return "", fmt.Errorf("resolve site %s: %w", siteURL, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("resolve site %s: %w", siteURL, ErrNotFound)
	}
	return out.ID, nil
}

// ResolveList maps a list name on siteID to its opaque id.
func (c *Client) ResolveList(ctx context.Context, cred model.Credential, siteID, listName string) (string, error) {
	listName = strings.TrimSpace(listName)
	if siteID == "" || listName == "" {
		return "", fmt.Errorf("resolve list: empty site or list name: %w", ErrNotFound)
	}

	var out idOnly
	u := c.baseURL + "/sites/" + siteID + "/lists/" + url.PathEscape(listName)
	if err := c.do(ctx, cred, http.MethodGet, u, nil, nil, &out); err != nil {
		return "", fmt.Errorf("resolve list %s: %w", listName, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("resolve list %s: %w", listName, ErrNotFound)
	}
	return out.ID, nil
}

// Resolve runs both lookups in order.
func (c *Client) Resolve(ctx context.Context, cred model.Credential, siteURL, listName string) (model.ResourceHandle, error) {
	siteID, err := c.ResolveSite(ctx, cred, siteURL)
	if err != nil {
		return model.ResourceHandle{}, err
	}
	listID, err := c.ResolveList(ctx, cred, siteID, listName)
	if err != nil {
		return model.ResourceHandle{}, err
	}
	return model.ResourceHandle{SiteID: siteID, ListID: listID}, nil
}
