package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/narrowlink/gateway/notify"
)

func TestNewNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	testCases := []struct {
		name        string
		opts        Options
		logger      *slog.Logger
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid options",
			opts:        Options{WebhookURL: "http://test.com"},
			logger:      logger,
			expectError: false,
		},
		{
			name:        "missing webhook URL",
			opts:        Options{},
			logger:      logger,
			expectError: true,
			errorMsg:    "discord: WebhookURL is required",
		},
		{
			name:        "missing logger",
			opts:        Options{WebhookURL: "http://test.com"},
			logger:      nil,
			expectError: true,
			errorMsg:    "discord: logger is required",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			notifier, err := New(tc.opts, tc.logger)

			if tc.expectError {
				if err == nil {
					t.Fatalf("expected an error, got nil")
				}
				if err.Error() != tc.errorMsg {
					t.Errorf("expected error %q, got %q", tc.errorMsg, err.Error())
				}
				if notifier != nil {
					t.Error("expected notifier to be nil on error")
				}
			} else {
				if err != nil {
					t.Fatalf("did not expect an error, got: %v", err)
				}
				if notifier == nil {
					t.Fatal("expected a notifier, got nil")
				}
				if notifier.opts.WebhookURL != tc.opts.WebhookURL {
					t.Errorf("expected webhook URL %q, got %q", tc.opts.WebhookURL, notifier.opts.WebhookURL)
				}
			}
		})
	}
}

func TestNotifierSend(t *testing.T) {
	testCases := []struct {
		name             string
		notification     notify.Notification
		handlerStatus    int
		expectRequest    bool
		expectedLogParts []string
	}{
		{
			name: "successful send with fields",
			notification: notify.Notification{
				Type:    notify.Alarm,
				Source:  "test-source",
				Message: "this is a test",
				Fields: map[string]interface{}{
					"uid":        "t1",
					"agent_name": "a1",
					"domains":    "example.com",
					"error":      "order rejected",
				},
			},
			handlerStatus: http.StatusNoContent,
			expectRequest: true,
		},
		{
			name: "server error",
			notification: notify.Notification{
				Type:    notify.Alarm,
				Source:  "test-source",
				Message: "server error test",
			},
			handlerStatus:    http.StatusInternalServerError,
			expectRequest:    true,
			expectedLogParts: []string{"level=ERROR", "received non-2xx status"},
		},
		{
			name: "rate limit error",
			notification: notify.Notification{
				Type:    notify.Alarm,
				Source:  "test-source",
				Message: "rate limit test",
			},
			handlerStatus:    http.StatusTooManyRequests,
			expectRequest:    true,
			expectedLogParts: []string{"level=ERROR", "level=WARN", "Too Many Requests"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logBuf, nil))

			requestChan := make(chan []byte, 1)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("failed to read request body: %v", err)
				}
				w.WriteHeader(tc.handlerStatus)
				if tc.expectRequest {
					requestChan <- body
				}
			}))
			defer server.Close()

			notifier, err := New(Options{WebhookURL: server.URL}, logger)
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}

			if err := notifier.Send(context.Background(), tc.notification); err != nil {
				t.Fatalf("Send() returned an error: %v", err)
			}

			if !tc.expectRequest {
				return
			}

			select {
			case reqBody := <-requestChan:
				var p payload
				if err := json.Unmarshal(reqBody, &p); err != nil {
					t.Fatalf("failed to unmarshal request body: %v", err)
				}
				if !strings.Contains(p.Content, tc.notification.Source) {
					t.Errorf("expected payload to contain source %q, got: %q", tc.notification.Source, p.Content)
				}
				if !strings.Contains(p.Content, tc.notification.Message) {
					t.Errorf("expected payload to contain message %q, got: %q", tc.notification.Message, p.Content)
				}
				if tc.notification.Fields != nil {
					// Fields must render sorted by key so repeated alerts
					// for the same tenancy are textually identical.
					keys := make([]string, 0, len(tc.notification.Fields))
					for k := range tc.notification.Fields {
						keys = append(keys, k)
					}
					sort.Strings(keys)

					prev := -1
					for _, k := range keys {
						line := fmt.Sprintf("> %s: `%v`", k, tc.notification.Fields[k])
						idx := strings.Index(p.Content, line)
						if idx < 0 {
							t.Errorf("expected payload to contain field line %q, got: %q", line, p.Content)
							continue
						}
						if idx < prev {
							t.Errorf("field %q rendered out of sorted order in: %q", k, p.Content)
						}
						prev = idx
					}
				}
			case <-time.After(100 * time.Millisecond):
				t.Fatal("timed out waiting for request")
			}

			time.Sleep(10 * time.Millisecond)
			logOutput := logBuf.String()
			for _, part := range tc.expectedLogParts {
				if !strings.Contains(logOutput, part) {
					t.Errorf("expected log to contain %q, got: %s", part, logOutput)
				}
			}
		})
	}
}
