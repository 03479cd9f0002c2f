// Package remotetest provides an in-process fake of the list API for tests.
package remotetest

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Reply is one scripted response.
type Reply struct {
	Status int
	Body   string
}

var (
	OK           = Reply{Status: http.StatusOK, Body: "STATUS=OK\n"}
	NotReady     = Reply{Status: http.StatusOK, Body: "ID=12\nSTATUS=CHECK\n"}
	RateLimited  = Reply{Status: http.StatusBadRequest, Body: "ERROR=アクセス間隔が短すぎます。時間を置いて再度実行してください\n"}
	LoginFailure = Reply{Status: http.StatusBadRequest, Body: "ERROR=ログインIDまたはパスワードが違います\n"}
)

// Request is what the fake received.
type Request struct {
	Endpoint    string
	Path        string
	ContentType string
	Raw         []byte
	Form        url.Values
	FileField   string
	FileName    string
	File        []byte
}

// Server answers each endpoint (e.g. "upload.php") from its script, then with OK.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	scripts  map[string][]Reply
	requests []Request
}

func NewServer() *Server {
	s := &Server{scripts: map[string][]Reply{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Script queues replies for an endpoint.
func (s *Server) Script(endpoint string, replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[endpoint] = append(s.scripts[endpoint], replies...)
}

// BaseURL is the client base URL for siteID.
func (s *Server) BaseURL(siteID string) string {
	return s.URL + "/" + siteID + "/"
}

// Requests returns the requests received by endpoint, or all when endpoint is empty.
func (s *Server) Requests(endpoint string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if endpoint == "" || r.Endpoint == endpoint {
			out = append(out, r)
		}
	}
	return out
}

// Endpoints lists endpoints in the order they were called.
func (s *Server) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Endpoint
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil || r.Method != http.MethodPost {
		http.Error(w, "bad request", http.StatusMethodNotAllowed)
		return
	}
	req := Request{
		Endpoint:    path.Base(r.URL.Path),
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Raw:         raw,
	}
	if err := parseBody(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	reply := OK
	if queue := s.scripts[req.Endpoint]; len(queue) > 0 {
		reply = queue[0]
		s.scripts[req.Endpoint] = queue[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(reply.Status)
	_, _ = io.WriteString(w, reply.Body)
}

func parseBody(req *Request) error {
	mediaType, params, err := mime.ParseMediaType(req.ContentType)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		req.Form, err = url.ParseQuery(string(req.Raw))
		return err
	}

	form, err := multipart.NewReader(bytes.NewReader(req.Raw), params["boundary"]).ReadForm(32 << 20)
	if err != nil {
		return err
	}
	defer func() { _ = form.RemoveAll() }()
	req.Form = url.Values(form.Value)
	for field, headers := range form.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return err
			}
			req.File, err = io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			req.FileField = field
			req.FileName = fh.Filename
		}
	}
	return nil
}
