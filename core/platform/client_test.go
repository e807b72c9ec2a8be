package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetOutput(io.Discard)
}

type fakePlatform struct {
	logins    int
	validTok  string
	nodePages [][]Node
}

func (f *fakePlatform) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(authEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" || body["password"] != "secret" {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": CodeAuth, "message": "bad credentials"})
			return
		}
		f.logins++
		f.validTok = "tok-" + string(rune('0'+f.logins))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{"access_token": f.validTok, "expires_in": 3600},
		})
	})
	mux.HandleFunc(nodesEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.validTok {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{"code": CodeAuth, "message": "token expired"})
			return
		}
		var body struct {
			PageNum  int `json:"page_num"`
			PageSize int `json:"page_size"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		total := 0
		for _, p := range f.nodePages {
			total += len(p)
		}
		var nodes []Node
		if body.PageNum-1 < len(f.nodePages) {
			nodes = f.nodePages[body.PageNum-1]
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{"nodes": nodes, "total": total},
		})
	})
	return mux
}

func TestListAllNodesLogsInAndPages(t *testing.T) {
	page1 := make([]Node, maxNodesPageSize)
	for i := range page1 {
		page1[i] = Node{NodeID: "n", GPUCount: 8, LogicComputeGroupID: "lcg-1"}
	}
	fake := &fakePlatform{nodePages: [][]Node{page1, {{NodeID: "last", GPUCount: 8}}}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "alice", "secret", "", srv.Client())
	nodes, err := c.ListAllNodes(context.Background())
	if err != nil {
		t.Fatalf("ListAllNodes: %v", err)
	}
	if len(nodes) != maxNodesPageSize+1 || nodes[len(nodes)-1].NodeID != "last" {
		t.Errorf("got %d nodes", len(nodes))
	}
	if fake.logins != 1 {
		t.Errorf("logins = %d, want 1", fake.logins)
	}
}

func TestExpiredTokenIsRenewedOnce(t *testing.T) {
	fake := &fakePlatform{nodePages: [][]Node{{{NodeID: "a"}}}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "alice", "secret", "stale-token", srv.Client())
	nodes, _, err := c.ListClusterNodes(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("ListClusterNodes: %v", err)
	}
	if len(nodes) != 1 || fake.logins != 1 {
		t.Errorf("nodes = %d, logins = %d", len(nodes), fake.logins)
	}
}

func TestBadCredentials(t *testing.T) {
	fake := &fakePlatform{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "alice", "wrong", "", srv.Client())
	_, _, err := c.ListClusterNodes(context.Background(), 1, 10)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeAuth {
		t.Fatalf("err = %v, want auth APIError", err)
	}
	if apiErr.Temporary() {
		t.Error("auth failures are not temporary")
	}
}

func TestListClusterNodesValidatesPaging(t *testing.T) {
	c := NewClient("http://unused", "", "", "tok", nil)
	if _, _, err := c.ListClusterNodes(context.Background(), 0, 10); err == nil {
		t.Error("page 0 accepted")
	}
	if _, _, err := c.ListClusterNodes(context.Background(), 1, 5000); err == nil {
		t.Error("oversized page accepted")
	}
}
