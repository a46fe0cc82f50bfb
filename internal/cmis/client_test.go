package cmis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/cmiscopy/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	return testClientWith(handler, func(*Config) {})
}

func testClientWith(handler http.Handler, configure func(*Config)) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		URL:      ts.URL + "/browser",
		Username: "admin",
		Password: "s3cret",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	}
	configure(&cfg)
	return New(cfg), ts
}

func succinct(props map[string]any) map[string]any {
	return map[string]any{"succinctProperties": props}
}

func docProps(name, objectID, label string) map[string]any {
	return map[string]any{
		PropName:            name,
		PropObjectID:        objectID,
		PropBaseTypeID:      "cmis:document",
		PropMimeType:        "text/plain",
		PropVersionLabel:    label,
		PropAlfrescoNodeRef: "workspace://SpacesStore/" + name,
	}
}

func TestConnect_SelectsRootFolder(t *testing.T) {
	var rootHits atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/browser":
			json.NewEncoder(w).Encode(map[string]any{
				"-default-": map[string]any{
					"repositoryId":  "-default-",
					"productName":   "Alfresco Community",
					"rootFolderUrl": "http://" + r.Host + "/browser/repo/root",
				},
			})
		case "/browser/repo/root":
			rootHits.Add(1)
			json.NewEncoder(w).Encode(succinct(docProps("a.txt", "id-a;1.0", "1.0")))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	info, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.ID != "-default-" {
		t.Errorf("expected repository -default-, got %q", info.ID)
	}

	if _, err := c.GetObject(context.Background(), "id-a"); err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if rootHits.Load() != 1 {
		t.Errorf("expected request against the selected root folder URL")
	}
}

func TestConnect_UnknownRepository(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"other": map[string]any{"repositoryId": "other"}})
	}))
	defer ts.Close()
	c.repositoryID = "-default-"

	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error for missing repository")
	}
}

func TestRequests_UseBasicAuth(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "hello")
	}))
	defer ts.Close()

	rc, err := c.FetchContent(context.Background(), "id-a")
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
}

func TestContentStreamURL(t *testing.T) {
	c := New(Config{URL: "http://repo/browser/"})
	got := c.ContentStreamURL("abc;1.0")
	want := "http://repo/browser/root?cmisselector=content&objectId=abc%3B1.0"
	if got != want {
		t.Errorf("ContentStreamURL = %q, want %q", got, want)
	}
}

func TestFetchContent_StatusError(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(errorResponse{Exception: "objectNotFound", Message: "gone"})
	}))
	defer ts.Close()

	_, err := c.FetchContent(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	se, ok := AsStatus(err)
	if !ok {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", se.Code)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should be true")
	}
	if !strings.Contains(err.Error(), "objectNotFound: gone") {
		t.Errorf("error message should carry the CMIS exception: %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("404 must not be retried, got %d attempts", attempts.Load())
	}
}

func TestFetchContent_ServerErrorRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer ts.Close()

	rc, err := c.FetchContent(context.Background(), "id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rc.Close()
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchContent_TransportError(t *testing.T) {
	c, ts := testClient(http.NotFoundHandler())
	ts.Close()

	_, err := c.FetchContent(context.Background(), "id")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if _, ok := AsStatus(err); ok {
		t.Errorf("transport failure must not be a StatusError: %v", err)
	}
}

func TestSetContentStream_Multipart(t *testing.T) {
	var gotAction, gotObject, gotOverwrite, gotMime, gotContent string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotAction = r.FormValue("cmisaction")
		gotObject = r.FormValue("objectId")
		gotOverwrite = r.FormValue("overwriteFlag")
		f, hdr, err := r.FormFile("content")
		if err != nil {
			t.Errorf("content part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotMime = hdr.Header.Get("Content-Type")
		data, _ := io.ReadAll(f)
		gotContent = string(data)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	err := c.SetContentStream(context.Background(), "id-a;1.0", []byte("new bytes"), true, "text/plain")
	if err != nil {
		t.Fatalf("SetContentStream: %v", err)
	}
	if gotAction != "setContent" {
		t.Errorf("cmisaction = %q", gotAction)
	}
	if gotObject != "id-a;1.0" {
		t.Errorf("objectId = %q", gotObject)
	}
	if gotOverwrite != "true" {
		t.Errorf("overwriteFlag = %q", gotOverwrite)
	}
	if gotMime != "text/plain" {
		t.Errorf("content type = %q", gotMime)
	}
	if gotContent != "new bytes" {
		t.Errorf("content = %q", gotContent)
	}
}

func TestSetContentStream_Conflict(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(errorResponse{Exception: "contentAlreadyExists", Message: "exists"})
	}))
	defer ts.Close()

	err := c.SetContentStream(context.Background(), "id", []byte("x"), false, "")
	se, ok := AsStatus(err)
	if !ok || se.Code != http.StatusConflict {
		t.Fatalf("expected 409 StatusError, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("409 must not be retried, got %d attempts", attempts.Load())
	}
}

func TestGetChildren_Paging(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cmisselector") != "children" {
			t.Errorf("unexpected selector %q", r.URL.Query().Get("cmisselector"))
		}
		var resp map[string]any
		switch r.URL.Query().Get("skipCount") {
		case "0":
			resp = map[string]any{
				"objects": []any{
					map[string]any{"object": succinct(docProps("a.txt", "id-a", "1.0"))},
					map[string]any{"object": succinct(docProps("b.txt", "id-b", "1.0"))},
				},
				"hasMoreItems": true,
			}
		case "2":
			resp = map[string]any{
				"objects": []any{
					map[string]any{"object": succinct(map[string]any{
						PropName: "sub", PropObjectID: "id-sub", PropBaseTypeID: "cmis:folder",
					})},
				},
				"hasMoreItems": false,
			}
		default:
			t.Errorf("unexpected skipCount %q", r.URL.Query().Get("skipCount"))
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()
	c.pageSize = 2

	children, err := c.GetChildren(context.Background(), "folder")
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	if !children[2].IsFolder() || children[2].Name() != "sub" {
		t.Errorf("expected folder sub, got %s %s", children[2].Type(), children[2].Name())
	}
}

func TestGetObjectByPath_EscapesSegments(t *testing.T) {
	var gotPath string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(succinct(map[string]any{
			PropName: "My Docs", PropObjectID: "id-f", PropBaseTypeID: "cmis:folder",
		}))
	}))
	defer ts.Close()

	d, err := c.GetObjectByPath(context.Background(), "/Sites/acme/My Docs/")
	if err != nil {
		t.Fatalf("GetObjectByPath: %v", err)
	}
	if gotPath != "/browser/root/Sites/acme/My%20Docs" {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if !d.IsFolder() {
		t.Error("expected folder")
	}
}

func TestLatestVersion(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("objectId"); got != "workspace://SpacesStore/a.txt" {
			t.Errorf("expected lookup by node id, got %q", got)
		}
		json.NewEncoder(w).Encode(succinct(docProps("a.txt", "id-a;1.1", "1.1")))
	}))
	defer ts.Close()

	d := NewDescriptor("a.txt", "id-a;1.0", "text/plain", "1.0", "workspace://SpacesStore/a.txt", TypeDocument)
	label, err := d.LatestVersion(context.Background(), c)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if label != "1.1" {
		t.Errorf("expected 1.1, got %q", label)
	}
	if d.Version() != "1.0" {
		t.Error("descriptor must not be mutated")
	}
}

func TestSetContentStream_ServerErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "write failed after commit", http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := c.SetContentStream(context.Background(), "id", []byte("x"), true, "")
	se, ok := AsStatus(err)
	if !ok || se.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 StatusError, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("setContent must not be repeated after a server error, got %d attempts", attempts.Load())
	}
}

func TestSetContentStream_DroppedConnectionNotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		io.Copy(io.Discard, r.Body)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer ts.Close()

	err := c.SetContentStream(context.Background(), "id", []byte("x"), true, "")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if _, ok := AsStatus(err); ok {
		t.Errorf("dropped connection must not be a StatusError: %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("request reached the server once, got %d attempts", attempts.Load())
	}
}

func TestSetContentStream_DialErrorRetried(t *testing.T) {
	var retries atomic.Int32
	c, ts := testClientWith(http.NotFoundHandler(), func(cfg *Config) {
		cfg.RetryConfig.OnRetry = func(int, error, time.Duration) { retries.Add(1) }
	})
	ts.Close()

	err := c.SetContentStream(context.Background(), "id", []byte("x"), true, "")
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !isDialError(err) {
		t.Errorf("expected a dial error, got %v", err)
	}
	if retries.Load() != 2 {
		t.Errorf("retries = %d, want 2", retries.Load())
	}
}

func TestFetchContent_TimeoutDoesNotLimitBody(t *testing.T) {
	c, ts := testClientWith(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first half, "))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte("second half"))
	}), func(cfg *Config) {
		cfg.Timeout = 50 * time.Millisecond
	})
	defer ts.Close()

	rc, err := c.FetchContent(context.Background(), "id")
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != "first half, second half" {
		t.Errorf("body = %q", data)
	}
}

func TestFetchContent_TimeoutWaitingForHeaders(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClientWith(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}), func(cfg *Config) {
		cfg.Timeout = 20 * time.Millisecond
	})
	defer ts.Close()

	_, err := c.FetchContent(context.Background(), "id")
	if err == nil {
		t.Fatal("expected header timeout")
	}
	if _, ok := AsStatus(err); ok {
		t.Errorf("timeout must not be a StatusError: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestNew_ZeroTimeoutWaits(t *testing.T) {
	c, ts := testClientWith(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("late"))
	}), func(cfg *Config) {
		cfg.Timeout = 0
	})
	defer ts.Close()

	if c.httpClient.Timeout != 0 {
		t.Errorf("client timeout = %v, want none", c.httpClient.Timeout)
	}
	rc, err := c.FetchContent(context.Background(), "id")
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "late" {
		t.Errorf("body = %q", data)
	}
}
