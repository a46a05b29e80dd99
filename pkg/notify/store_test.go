package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func staticCredential(token string) CredentialSource {
	return func() string { return token }
}

func envelopeJSON(data interface{}) []byte {
	buf, _ := json.Marshal(map[string]interface{}{"success": true, "data": data})
	return buf
}

func TestRESTStoreFailsFastWithoutCredential(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	store := NewRESTStore(srv.URL, staticCredential(""), nil)
	_, err := store.List(context.Background(), 0, 50)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
	if requests != 0 {
		t.Errorf("%d requests issued without a credential, want 0", requests)
	}
}

func TestRESTStoreList(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("limit") != "50" || r.URL.Query().Get("offset") != "0" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write(envelopeJSON([]Notification{
			{ID: "n1", Kind: KindCommentAdded, Title: "t", CreatedAt: now},
		}))
	}))
	defer srv.Close()

	store := NewRESTStore(srv.URL, staticCredential("tok"), nil)
	notifs, err := store.List(context.Background(), 0, 50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notifs) != 1 || notifs[0].ID != "n1" {
		t.Fatalf("notifs = %+v", notifs)
	}
	if !notifs[0].CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", notifs[0].CreatedAt, now)
	}
}

func TestRESTStoreMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/notifications/n1/read" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.Write(envelopeJSON(map[string]bool{"marked": true}))
	}))
	defer srv.Close()

	store := NewRESTStore(srv.URL, staticCredential("tok"), nil)
	marked, err := store.MarkRead(context.Background(), "n1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !marked {
		t.Error("marked = false, want true")
	}
}

// A record pruned server-side between the list pull and the mark click
// reports benign success, not an error.
func TestRESTStoreMarkReadPrunedRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewRESTStore(srv.URL, staticCredential("tok"), nil)
	marked, err := store.MarkRead(context.Background(), "n1")
	if err != nil {
		t.Fatalf("MarkRead: %v, want benign success", err)
	}
	if marked {
		t.Error("marked = true, want false for a pruned record")
	}
}

func TestRESTStoreMarkAllRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications/read-all" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write(envelopeJSON(map[string]int64{"marked": 7}))
	}))
	defer srv.Close()

	store := NewRESTStore(srv.URL, staticCredential("tok"), nil)
	count, err := store.MarkAllRead(context.Background())
	if err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}

func TestRESTStoreUnreadCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelopeJSON(map[string]int64{"unread": 3}))
	}))
	defer srv.Close()

	store := NewRESTStore(srv.URL, staticCredential("tok"), nil)
	count, err := store.UnreadCount(context.Background())
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestRESTStoreErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"unavailable", http.StatusServiceUnavailable, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			store := NewRESTStore(srv.URL, staticCredential("tok"), nil)
			_, err := store.List(context.Background(), 0, 50)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRESTStoreUnreachableServer(t *testing.T) {
	store := NewRESTStore("http://127.0.0.1:1", staticCredential("tok"),
		&http.Client{Timeout: time.Second})
	_, err := store.UnreadCount(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable (distinct from zero)", err)
	}
}
