package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"postbot/internal/model"
	"postbot/internal/publish"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSessions struct {
	list     []model.ClientSession
	reset    []int64
	register []string
}

func (f *fakeSessions) List(context.Context) ([]model.ClientSession, error) { return f.list, nil }

func (f *fakeSessions) Register(_ context.Context, alias string, pool model.Pool, proxy string) (*model.ClientSession, error) {
	f.register = append(f.register, alias+"/"+string(pool))
	return &model.ClientSession{ID: 9, Alias: alias, Pool: pool, Proxy: proxy, Status: model.SessionNew}, nil
}

func (f *fakeSessions) Reset(_ context.Context, id int64) error {
	if id == 404 {
		return storage.ErrNotFound
	}
	f.reset = append(f.reset, id)
	return nil
}

func (f *fakeSessions) Check(_ context.Context, id int64) (*model.ClientSession, error) {
	return &model.ClientSession{ID: id, Status: model.SessionActive}, nil
}

type fakeEditor struct {
	payload kit.Payload
}

func (f *fakeEditor) PropagateEdit(_ context.Context, _ int64, p kit.Payload) (publish.EditReport, error) {
	f.payload = p
	return publish.EditReport{BackupEdited: true, Updated: 2, Failed: map[int64]error{7: errors.New("chat not found")}}, nil
}

func newTestService(token string, st storage.Store) (*Service, *fakeSessions, *fakeEditor) {
	fs := &fakeSessions{list: []model.ClientSession{{ID: 1, Alias: "a1", Pool: model.PoolInternal, Proxy: "socks5://u:p@h:1", Status: model.SessionActive}}}
	fe := &fakeEditor{}
	s := New(Config{Token: token}, Deps{
		Sessions: fs,
		Lives:    st,
		Editor:   fe,
		Status:   func() any { return gin.H{"ok": true} },
	}, logx.Nop())
	return s, fs, fe
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService("secret", storage.NewMemory())
	h := s.Handler()

	cases := []struct {
		path  string
		token string
		want  int
	}{
		{"/healthz", "", http.StatusOK},
		{"/status", "", http.StatusUnauthorized},
		{"/status", "wrong", http.StatusUnauthorized},
		{"/status", "secret", http.StatusOK},
		{"/debug/pprof/", "secret", http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := do(h, http.MethodGet, tc.path, tc.token, ""); w.Code != tc.want {
			t.Fatalf("GET %s token=%q: status %d, want %d", tc.path, tc.token, w.Code, tc.want)
		}
	}
}

func TestSessionsRoutes(t *testing.T) {
	t.Parallel()
	s, fs, _ := newTestService("", storage.NewMemory())
	h := s.Handler()

	w := do(h, http.MethodGet, "/sessions", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"proxy_set":true`) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "socks5://") {
		t.Fatalf("proxy credentials leaked: %s", w.Body.String())
	}

	w = do(h, http.MethodPost, "/sessions", "", `{"alias":"stats-1","pool":"external"}`)
	if w.Code != http.StatusCreated || len(fs.register) != 1 || fs.register[0] != "stats-1/external" {
		t.Fatalf("register: %d %s %v", w.Code, w.Body.String(), fs.register)
	}
	if w := do(h, http.MethodPost, "/sessions", "", `{"alias":"x","pool":"vip"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad pool accepted: %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/sessions", "", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing alias accepted: %d", w.Code)
	}

	if w := do(h, http.MethodPost, "/sessions/3/reset", "", ""); w.Code != http.StatusOK || len(fs.reset) != 1 {
		t.Fatalf("reset: %d %v", w.Code, fs.reset)
	}
	if w := do(h, http.MethodPost, "/sessions/404/reset", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("reset missing: %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/sessions/abc/check", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("check bad id: %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/sessions/5/check", "", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ACTIVE"`) {
		t.Fatalf("check: %d %s", w.Code, w.Body.String())
	}
}

func TestItemRoutes(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	if _, _, err := st.CreateLive(context.Background(), &model.LiveInstance{ItemID: 7, ChannelID: -1001, MessageID: 55, Status: model.LiveActive}); err != nil {
		t.Fatal(err)
	}
	s, _, fe := newTestService("", st)
	h := s.Handler()

	w := do(h, http.MethodGet, "/items/7/live", "", "")
	var got struct {
		Live []liveView `json:"live"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || len(got.Live) != 1 || got.Live[0].MessageID != 55 {
		t.Fatalf("live: %d %s", w.Code, w.Body.String())
	}

	if w := do(h, http.MethodPost, "/items/7/edit", "", `{"text":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty edit accepted: %d", w.Code)
	}
	w = do(h, http.MethodPost, "/items/7/edit", "", `{"text":"<b>New</b>","parse_mode":"HTML"}`)
	if w.Code != http.StatusOK || fe.payload.Text != "<b>New</b>" {
		t.Fatalf("edit: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"7":"chat not found"`) {
		t.Fatalf("edit failures not reported: %s", w.Body.String())
	}
}

func TestPprofRoutesWhenEnabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Pprof: true}, Deps{}, logx.Nop())
	if w := do(s.Handler(), http.MethodGet, "/debug/pprof/", "", ""); w.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", w.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:80":   true,
		"[::1]:8089":     true,
		"0.0.0.0:8089":   false,
		":8089":          false,
		"10.0.0.5:8089":  false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
