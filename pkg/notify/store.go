package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrNoCredential means no usable session credential is held; the
	// call is refused locally instead of issuing a doomed request.
	ErrNoCredential = errors.New("no session credential")
	// ErrUnauthorized means the credential was rejected by the server.
	// The surrounding session layer reacts; the core does not retry.
	ErrUnauthorized = errors.New("credential rejected")
	// ErrNotFound means the notification does not belong to this user.
	ErrNotFound = errors.New("notification not found")
	// ErrUnavailable is a transient backing-store failure.
	ErrUnavailable = errors.New("notification store unavailable")
)

// CredentialSource returns the currently held session credential, or ""
// when the session has ended. Re-checked on every call because
// authentication can end asynchronously at any time.
type CredentialSource func() string

// Store is the authoritative persistence layer for notifications, seen
// from the client.
type Store interface {
	// List returns the user's notifications newest-first. Safe to call
	// repeatedly.
	List(ctx context.Context, offset, limit int) ([]Notification, error)
	// MarkRead marks one notification read. The returned bool is false
	// when the record was already read or already pruned server-side;
	// all three cases are success.
	MarkRead(ctx context.Context, id string) (bool, error)
	// MarkAllRead returns the count of records transitioned; a second
	// call returns 0 without error.
	MarkAllRead(ctx context.Context) (int64, error)
	// UnreadCount is a cheap aggregate. A failure is ErrUnavailable,
	// distinct from a genuine zero.
	UnreadCount(ctx context.Context) (int64, error)
}

// RESTStore implements Store over the backend's notification API.
type RESTStore struct {
	baseURL    string
	httpClient *http.Client
	credential CredentialSource
}

// NewRESTStore creates a Store talking to baseURL (e.g.
// "https://api.example.com/api/v1"). httpClient may be nil; a client with
// a sane timeout is used then.
func NewRESTStore(baseURL string, credential CredentialSource, httpClient *http.Client) *RESTStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTStore{
		baseURL:    baseURL,
		httpClient: httpClient,
		credential: credential,
	}
}

// envelope mirrors the backend's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *RESTStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	token := s.credential()
	if token == "" {
		return ErrNoCredential
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("request failed: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("request failed: %s", env.Error.Message)
		}
		return errors.New("request failed")
	}
	return json.Unmarshal(env.Data, out)
}

func (s *RESTStore) List(ctx context.Context, offset, limit int) ([]Notification, error) {
	path := "/notifications?offset=" + strconv.Itoa(offset) + "&limit=" + strconv.Itoa(limit)
	var notifs []Notification
	if err := s.do(ctx, http.MethodGet, path, nil, &notifs); err != nil {
		return nil, err
	}
	return notifs, nil
}

func (s *RESTStore) MarkRead(ctx context.Context, id string) (bool, error) {
	var out struct {
		Marked bool `json:"marked"`
	}
	if err := s.do(ctx, http.MethodPost, "/notifications/"+id+"/read", nil, &out); err != nil {
		// A 404 here means the record was pruned between the list pull
		// and the click. Nothing is left to transition; same outcome as
		// already-read.
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return out.Marked, nil
}

func (s *RESTStore) MarkAllRead(ctx context.Context) (int64, error) {
	var out struct {
		Marked int64 `json:"marked"`
	}
	if err := s.do(ctx, http.MethodPost, "/notifications/read-all", nil, &out); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

func (s *RESTStore) UnreadCount(ctx context.Context) (int64, error) {
	var out struct {
		Unread int64 `json:"unread"`
	}
	if err := s.do(ctx, http.MethodGet, "/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}
