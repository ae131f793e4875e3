package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchICEServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/turn-credentials" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`{"result":0,"msg":"ok","data":[
			{"url":"stun:stun.example.com:3478"},
			{"url":"turn:turn.example.com:3478","username":"u","credential":"p"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	servers, err := c.FetchICEServers(context.Background())
	if err != nil {
		t.Fatalf("FetchICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len = %d, want 2", len(servers))
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Errorf("turn server = %+v", servers[1])
	}
}

func TestFetchICEServersAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"result":401,"msg":"token expired","data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if _, err := c.FetchICEServers(context.Background()); err == nil {
		t.Fatal("expected error for non-zero result")
	}
}
