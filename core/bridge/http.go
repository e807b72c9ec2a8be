package bridge

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"hpc-bridge/core/common"
)

const maxErrorBody = 300

func (c *ForgeClient) authHeader() string {
	if c.cfg.Platform == PlatformGitHub {
		return "Bearer " + c.cfg.Token
	}
	return "token " + c.cfg.Token
}

// request sends a JSON request and decodes the response into out.
// Transport failures, 429 and 5xx come back as BridgeTransient; 400, 401, 403 and 422 as DispatchRejected.
func (c *ForgeClient) request(ctx context.Context, method, endpoint string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", c.authHeader())
	}

	data, status, err := c.send(ctx, req)
	if err != nil {
		return status, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("invalid JSON from %s: %w", endpoint, err)
		}
	}
	return status, nil
}

func (c *ForgeClient) send(ctx context.Context, req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, common.NewError(common.KindBridgeTransient, "", err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, common.NewError(common.KindBridgeTransient, "", err, "reading response")
	}
	if err := classifyStatus(req, resp.StatusCode, data); err != nil {
		return data, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func classifyStatus(req *http.Request, status int, body []byte) error {
	if status < 300 {
		return nil
	}
	preview := strings.TrimSpace(string(body))
	if len(preview) > maxErrorBody {
		preview = preview[:maxErrorBody] + "..."
	}
	where := req.Method + " " + req.URL.Path

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", where, errNoSuchResource)
	case status == http.StatusRequestedRangeNotSatisfiable:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return common.NewError(common.KindBridgeTransient, "", nil, "%s: HTTP %d %s", where, status, preview)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return common.NewError(common.KindDispatchRejected, "", nil, "%s: authentication failed (HTTP %d)", where, status)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: HTTP 409 %s", where, preview)
	default:
		return common.NewError(common.KindDispatchRejected, "", nil, "%s: HTTP %d %s", where, status, preview)
	}
}

// rawFileURL locates a file on the given branch of the bridge repository
func (c *ForgeClient) rawFileURL(branch, file string) string {
	if c.cfg.Platform == PlatformGitHub {
		if c.cfg.Server == "" || c.cfg.Server == "https://github.com" {
			return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s", c.cfg.Repo, branch, file)
		}
		return fmt.Sprintf("%s/%s/%s/%s", strings.Replace(c.cfg.Server, "https://", "https://raw.", 1), c.cfg.Repo, branch, file)
	}
	return fmt.Sprintf("%s/api/v1/repos/%s/raw/%s/%s", c.cfg.Server, c.cfg.Repo, branch, file)
}

// rawLog fetches a log file from the logs branch, asking only for bytes past fromOffset.
// The second return reports whether the server honoured the range.
func (c *ForgeClient) rawLog(ctx context.Context, file string, fromOffset int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.rawFileURL(logsBranch, file), nil)
	if err != nil {
		return nil, false, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", c.authHeader())
	}
	if fromOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fromOffset))
	}

	data, status, err := c.send(ctx, req)
	if err != nil {
		return nil, false, err
	}
	switch status {
	case http.StatusPartialContent:
		return data, true, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, true, nil
	}
	return data, false, nil
}

type artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Expired            bool   `json:"expired"`
	ArchiveDownloadURL string `json:"archive_download_url"`
}

// artifactLog downloads the named run artifact and returns its output.log
func (c *ForgeClient) artifactLog(ctx context.Context, name string) ([]byte, error) {
	var list struct {
		Artifacts []artifact `json:"artifacts"`
	}
	if _, err := c.request(ctx, http.MethodGet, c.apiBase+"/artifacts?limit=100&per_page=100", nil, &list); err != nil {
		return nil, err
	}

	var found *artifact
	for i := range list.Artifacts {
		if list.Artifacts[i].Name == name && !list.Artifacts[i].Expired {
			found = &list.Artifacts[i]
			break
		}
	}
	if found == nil {
		return nil, errNoSuchResource
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/artifacts/%d/zip", c.apiBase, found.ID), nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", c.authHeader())
	}
	data, _, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return extractOutputLog(data)
}

// extractOutputLog finds output.log at any depth of a zip archive
func extractOutputLog(archive []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("artifact is not a zip archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "output.log" && !strings.HasSuffix(f.Name, "/output.log") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errors.New("artifact has no output.log")
}
