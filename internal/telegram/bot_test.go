package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/events"
)

type apiCall struct {
	path    string
	chatID  string
	text    string
	caption string
	photo   []byte
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	fail  bool
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := apiCall{path: r.URL.Path}
		if r.Header.Get("Content-Type") == "application/json" {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			call.chatID, call.text = body["chat_id"], body["text"]
		} else {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			call.chatID = r.FormValue("chat_id")
			call.caption = r.FormValue("caption")
			file, _, err := r.FormFile("photo")
			require.NoError(t, err)
			call.photo, _ = io.ReadAll(file)
			file.Close()
		}

		f.mu.Lock()
		f.calls = append(f.calls, call)
		fail := f.fail
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newTestBot(t *testing.T, cfg Config) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	cfg.BotToken = "123:abc"
	cfg.ChatID = "42"
	cfg.APIURL = srv.URL
	bot, err := New(cfg, nil)
	require.NoError(t, err)
	return bot, api
}

func cameraEvent(class string) *events.Event {
	e := events.New(class, "objectDetection", 0.87)
	id := int64(3)
	e.CameraID = &id
	e.CameraName = "front door"
	return e
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{ChatID: "42"}, nil)
	assert.Error(t, err)
	_, err = New(Config{BotToken: "t"}, nil)
	assert.Error(t, err)
}

func TestPersistSendsPhoto(t *testing.T) {
	bot, api := newTestBot(t, Config{})

	e := cameraEvent("person")
	e.Frame = []byte{0xff, 0xd8, 0xff, 0xd9}
	require.NoError(t, bot.Persist(context.Background(), e))

	calls := api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/bot123:abc/sendPhoto", calls[0].path)
	assert.Equal(t, "42", calls[0].chatID)
	assert.Equal(t, e.Frame, calls[0].photo)
	assert.Contains(t, calls[0].caption, "front door")
	assert.Contains(t, calls[0].caption, "person (87%)")
}

func TestPersistWithoutFrameSendsMessage(t *testing.T) {
	bot, api := newTestBot(t, Config{})

	e := events.New("car", "objectDetection", 0.5)
	e.JobID = "job-1"
	require.NoError(t, bot.Persist(context.Background(), e))

	calls := api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/bot123:abc/sendMessage", calls[0].path)
	assert.Contains(t, calls[0].text, "video job-1")
}

func TestPersistCooldownPerResourceAndClass(t *testing.T) {
	bot, api := newTestBot(t, Config{Cooldown: time.Minute})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bot.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, bot.Persist(ctx, cameraEvent("person")))
	require.NoError(t, bot.Persist(ctx, cameraEvent("person")))
	require.NoError(t, bot.Persist(ctx, cameraEvent("dog")))
	assert.Len(t, api.Calls(), 2)

	now = now.Add(time.Minute)
	require.NoError(t, bot.Persist(ctx, cameraEvent("person")))
	assert.Len(t, api.Calls(), 3)
}

func TestPersistClassFilter(t *testing.T) {
	bot, api := newTestBot(t, Config{Classes: []string{"person", " "}})

	require.NoError(t, bot.Persist(context.Background(), cameraEvent("cat")))
	assert.Empty(t, api.Calls())
	require.NoError(t, bot.Persist(context.Background(), cameraEvent("person")))
	assert.Len(t, api.Calls(), 1)
}

func TestPersistAPIErrorReleasesCooldown(t *testing.T) {
	bot, api := newTestBot(t, Config{Cooldown: time.Hour})
	api.mu.Lock()
	api.fail = true
	api.mu.Unlock()

	err := bot.Persist(context.Background(), cameraEvent("person"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	api.mu.Lock()
	api.fail = false
	api.mu.Unlock()
	require.NoError(t, bot.Persist(context.Background(), cameraEvent("person")))
	assert.Len(t, api.Calls(), 2)
}

func TestSendTestMessage(t *testing.T) {
	bot, api := newTestBot(t, Config{})
	require.NoError(t, bot.SendTestMessage(context.Background()))
	calls := api.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].text, "test message")
}

func TestAlertTextEscapesHTML(t *testing.T) {
	e := cameraEvent("<b>")
	e.CameraName = "a&b"
	text := alertText(e)
	assert.Contains(t, text, "a&amp;b")
	assert.Contains(t, text, "&lt;b&gt;")
}
