package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// FakeBackend is an in-memory ComfyUI-style backend: /upload/image, /prompt,
// /history/{id}, /view, /system_stats and the /ws event stream.
//
// Every event-stream client first receives a status frame carrying its sid,
// as the real backend does.
type FakeBackend struct {
	Server *httptest.Server

	mu          sync.Mutex
	uploadName  string
	promptID    string
	uploads     [][]byte
	prompts     []json.RawMessage
	history     map[string]map[string][]imageRef // job id -> node id -> images
	images      map[string][]byte
	failPaths   map[string]int
	failViews   map[string]bool
	dropViews   map[string]bool
	clients     map[string][]*websocket.Conn
	submitCount atomic.Int64
	connects    atomic.Int64
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

var fakeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewFakeBackend starts a fake backend that is closed with the test.
func NewFakeBackend(tb testing.TB) *FakeBackend {
	tb.Helper()
	f := &FakeBackend{
		uploadName: "img_1.png",
		promptID:   "job-42",
		history:    make(map[string]map[string][]imageRef),
		images:     make(map[string][]byte),
		failPaths:  make(map[string]int),
		failViews:  make(map[string]bool),
		dropViews:  make(map[string]bool),
		clients:    make(map[string][]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/image", f.handleUpload)
	mux.HandleFunc("POST /prompt", f.handlePrompt)
	mux.HandleFunc("GET /history/{id}", f.handleHistory)
	mux.HandleFunc("GET /view", f.handleView)
	mux.HandleFunc("GET /system_stats", f.handleStats)
	mux.HandleFunc("GET /ws", f.handleWS)

	f.Server = httptest.NewServer(mux)
	tb.Cleanup(func() {
		f.DropClients()
		f.Server.Close()
	})
	return f
}

// URL is the HTTP base URL.
func (f *FakeBackend) URL() string {
	return f.Server.URL
}

// EventStreamURL is the event-stream prefix; the client id is appended.
func (f *FakeBackend) EventStreamURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + "/ws?clientId="
}

// SetUploadName sets the name returned by the next uploads.
func (f *FakeBackend) SetUploadName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadName = name
}

// SetPromptID sets the job id returned by the next submissions.
func (f *FakeBackend) SetPromptID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptID = id
}

// AddOutput records an output image for a job and serves its bytes via /view.
func (f *FakeBackend) AddOutput(jobID, nodeID, filename string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.history[jobID] == nil {
		f.history[jobID] = make(map[string][]imageRef)
	}
	f.history[jobID][nodeID] = append(f.history[jobID][nodeID], imageRef{Filename: filename, Type: "output"})
	f.images[filename] = data
}

// FailPath makes every request to path answer with status.
func (f *FakeBackend) FailPath(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPaths[path] = status
}

// FailView makes /view fail for filename.
func (f *FakeBackend) FailView(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failViews[filename] = true
}

// DropView makes /view close the connection without a response for filename.
func (f *FakeBackend) DropView(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropViews[filename] = true
}

// Uploads returns the bodies of the uploaded image parts.
func (f *FakeBackend) Uploads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.uploads...)
}

// Prompts returns the submitted job descriptions.
func (f *FakeBackend) Prompts() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.prompts...)
}

// Submissions returns the number of accepted submissions.
func (f *FakeBackend) Submissions() int64 {
	return f.submitCount.Load()
}

// Connects returns the number of event-stream connections accepted so far.
func (f *FakeBackend) Connects() int64 {
	return f.connects.Load()
}

// Connected reports whether clientID currently has an event-stream connection.
func (f *FakeBackend) Connected(clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[clientID]) > 0
}

// ClientIDs returns the ids of the connected event-stream clients.
func (f *FakeBackend) ClientIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.clients))
	for id := range f.clients {
		ids = append(ids, id)
	}
	return ids
}

// SendStatus sends a status frame to clientID. withSID includes the sid
// field the backend only sets on the greeting frame.
func (f *FakeBackend) SendStatus(clientID string, queueRemaining int, withSID bool) error {
	return f.SendText(clientID, statusFrame(clientID, queueRemaining, withSID))
}

// SendText sends a raw text frame to clientID.
func (f *FakeBackend) SendText(clientID, frame string) error {
	return f.send(clientID, websocket.TextMessage, []byte(frame))
}

// SendBinary sends a binary frame (e.g. a preview image) to clientID.
func (f *FakeBackend) SendBinary(clientID string, data []byte) error {
	return f.send(clientID, websocket.BinaryMessage, data)
}

func (f *FakeBackend) send(clientID string, messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.clients[clientID]
	if len(conns) == 0 {
		return fmt.Errorf("client %s not connected", clientID)
	}
	for _, c := range conns {
		if err := c.WriteMessage(messageType, data); err != nil {
			return err
		}
	}
	return nil
}

// DropClients closes every event-stream connection.
func (f *FakeBackend) DropClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, conns := range f.clients {
		for _, c := range conns {
			c.Close()
		}
		delete(f.clients, id)
	}
}

func (f *FakeBackend) failed(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	status, ok := f.failPaths[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		return false
	}
	http.Error(w, "injected failure", status)
	return true
}

func (f *FakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if f.failed(w, r) {
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	f.mu.Lock()
	f.uploads = append(f.uploads, data)
	name := f.uploadName
	f.mu.Unlock()

	writeJSON(w, map[string]string{"name": name, "subfolder": "", "type": "input"})
}

func (f *FakeBackend) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if f.failed(w, r) {
		return
	}
	var body struct {
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Prompt) == 0 {
		http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, body.Prompt)
	id := f.promptID
	f.mu.Unlock()
	n := f.submitCount.Add(1)

	writeJSON(w, map[string]any{"prompt_id": id, "number": n, "node_errors": map[string]any{}})
}

// Broadcast sends a sid-less status frame to every event-stream client, as
// the backend does whenever its queue changes.
func (f *FakeBackend) Broadcast(queueRemaining int) {
	frame := []byte(statusFrame("", queueRemaining, false))
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conns := range f.clients {
		for _, c := range conns {
			c.WriteMessage(websocket.TextMessage, frame)
		}
	}
}

func (f *FakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	if f.failed(w, r) {
		return
	}
	id := r.PathValue("id")

	f.mu.Lock()
	nodes, ok := f.history[id]
	resp := map[string]any{}
	if ok {
		outputs := map[string]any{}
		for nodeID, images := range nodes {
			outputs[nodeID] = map[string]any{"images": images}
		}
		resp[id] = map[string]any{"outputs": outputs, "status": map[string]any{"completed": true}}
	}
	f.mu.Unlock()

	writeJSON(w, resp)
}

func (f *FakeBackend) handleView(w http.ResponseWriter, r *http.Request) {
	if f.failed(w, r) {
		return
	}
	name := r.URL.Query().Get("filename")

	f.mu.Lock()
	data, ok := f.images[name]
	fail := f.failViews[name]
	drop := f.dropViews[name]
	f.mu.Unlock()

	switch {
	case drop:
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijack unsupported", http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		conn.Close()
	case fail:
		http.Error(w, "view failed", http.StatusInternalServerError)
	case !ok:
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func (f *FakeBackend) handleStats(w http.ResponseWriter, r *http.Request) {
	if f.failed(w, r) {
		return
	}
	writeJSON(w, map[string]any{"system": map[string]any{"os": "fake"}, "devices": []any{}})
}

func (f *FakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := fakeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.connects.Add(1)

	f.mu.Lock()
	conn.WriteMessage(websocket.TextMessage, []byte(statusFrame(clientID, 0, true)))
	f.clients[clientID] = append(f.clients[clientID], conn)
	f.mu.Unlock()

	// drain until the peer goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	f.mu.Lock()
	conns := f.clients[clientID]
	for i, c := range conns {
		if c == conn {
			f.clients[clientID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(f.clients[clientID]) == 0 {
		delete(f.clients, clientID)
	}
	f.mu.Unlock()
	conn.Close()
}

func statusFrame(clientID string, queueRemaining int, withSID bool) string {
	data := map[string]any{
		"status": map[string]any{
			"exec_info": map[string]any{"queue_remaining": queueRemaining},
		},
	}
	if withSID {
		data["sid"] = clientID
	}
	frame, _ := json.Marshal(map[string]any{"type": "status", "data": data})
	return string(frame)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
