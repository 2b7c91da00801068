// Package drive lists recent files from a session's linked Google Drive
// through the Drive v3 REST API.
package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/cortex-agent/internal/httpkit"
	"github.com/nugget/cortex-agent/internal/result"
)

// DefaultPageSize is used when the caller gives no limit.
const DefaultPageSize = 10

// maxPageSize is the Drive API limit.
const maxPageSize = 1000

const fileFields = "files(id,name,mimeType,modifiedTime,webViewLink,owners(displayName,emailAddress))"

// Client lists files for an account.
type Client struct {
	baseURL string
	logger  *slog.Logger
}

// New returns a Client for the Drive API at baseURL, typically
// https://www.googleapis.com/drive/v3.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

type fileList struct {
	Files []struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		MimeType     string    `json:"mimeType"`
		ModifiedTime time.Time `json:"modifiedTime"`
		WebViewLink  string    `json:"webViewLink"`
		Owners       []struct {
			DisplayName  string `json:"displayName"`
			EmailAddress string `json:"emailAddress"`
		} `json:"owners"`
	} `json:"files"`
}

// Recent returns the most recently modified files, newest first. A
// non-empty query restricts the listing to names containing it.
func (c *Client) Recent(ctx context.Context, hc *http.Client, query string, limit int) ([]result.File, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, maxPageSize)

	q := "trashed = false"
	if query = strings.TrimSpace(query); query != "" {
		q += " and name contains '" + escapeQuery(query) + "'"
	}
	params := url.Values{
		"pageSize": {strconv.Itoa(limit)},
		"orderBy":  {"modifiedTime desc"},
		"fields":   {fileFields},
		"q":        {q},
	}

	var list fileList
	err := httpkit.GetJSON(ctx, hc, c.baseURL+"/files?"+params.Encode(), &list)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("list drive files: %w: %w", httpkit.ErrUpstream, err)
		}
		return nil, fmt.Errorf("list drive files: %w", err)
	}

	files := make([]result.File, 0, len(list.Files))
	for _, f := range list.Files {
		file := result.File{
			ID:       f.ID,
			Name:     f.Name,
			MimeType: f.MimeType,
			Modified: f.ModifiedTime,
			Link:     f.WebViewLink,
		}
		if len(f.Owners) > 0 {
			file.Owner = f.Owners[0].DisplayName
			if file.Owner == "" {
				file.Owner = f.Owners[0].EmailAddress
			}
		}
		files = append(files, file)
	}
	c.logger.Debug("drive listed", "files", len(files))
	return files, nil
}

// escapeQuery escapes a literal for the Drive query language.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
