package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"genplane/internal/events"
	"genplane/internal/pipeline"
	"genplane/internal/progress"
	"genplane/pkg/api"
)

func TestGenerateImageToVideo_Rejections(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		withUser       bool
		balance        int64
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "Unauthorized",
			body:           `{"prompt": "a cat"}`,
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "401",
		},
		{
			name:           "Missing Prompt",
			body:           `{"aspect_ratio": "16:9"}`,
			withUser:       true,
			balance:        500,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   api.CodeInvalidRequest,
		},
		{
			name:           "Unknown Field",
			body:           `{"prompt": "a cat", "model": "other"}`,
			withUser:       true,
			balance:        500,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   api.CodeInvalidRequest,
		},
		{
			name:           "Bad Aspect Ratio",
			body:           `{"prompt": "a cat", "aspect_ratio": "4:3"}`,
			withUser:       true,
			balance:        500,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   api.CodeInvalidRequest,
		},
		{
			name:           "Malformed JSON",
			body:           `{"prompt":`,
			withUser:       true,
			balance:        500,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   api.CodeInvalidRequest,
		},
		{
			name:           "Insufficient Credits",
			body:           `{"prompt": "a cat"}`,
			withUser:       true,
			balance:        159,
			expectedStatus: http.StatusPaymentRequired,
			expectedCode:   api.CodeInsufficientCredits,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(false)
			ctx := context.Background()
			if tt.withUser {
				ctx = env.userContext(ctx)
				if _, err := env.ledger.SetBalance(ctx, env.user.ID, tt.balance, 0, "seed"); err != nil {
					t.Fatalf("seed balance: %v", err)
				}
			}

			req := httptest.NewRequest(http.MethodPost, "/generate/image-to-video", bytes.NewBufferString(tt.body)).WithContext(ctx)
			rr := httptest.NewRecorder()

			env.h.GenerateImageToVideo(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Fatalf("got status %d, want %d: %s", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			var resp api.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if resp.Code != tt.expectedCode {
				t.Errorf("got code %q, want %q", resp.Code, tt.expectedCode)
			}
			if env.jobs.gotReq.Prompt != "" {
				t.Error("job must not run for a rejected request")
			}
		})
	}
}

func TestGenerateImageToVideo_StreamsAndDispatches(t *testing.T) {
	env := newTestEnv(false)
	ctx := env.userContext(context.Background())
	if _, err := env.ledger.SetBalance(ctx, env.user.ID, 160, 0, "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	env.jobs.events = []progress.Recorded{
		{Event: api.EventProgress, Payload: api.ProgressEvent{Step: 1, Message: "Generating image"}},
		{Event: api.EventImage, Payload: api.ImageEvent{ImageBase64: "aW1n", MimeType: "image/png"}},
		{Event: api.EventProgress, Payload: api.ProgressEvent{Step: 2, Message: "Generating video"}},
		{Event: api.EventVideo, Payload: api.VideoEvent{VideoURL: "/blobs/v.mp4"}},
		{Event: api.EventComplete, Payload: api.CompleteEvent{Success: true, CreditsUsed: 160, JobID: "job-1"}},
	}
	env.jobs.result = pipeline.Result{
		Job: &pipeline.Job{ID: "job-1", Stage: pipeline.StageComplete},
		Events: []events.Event{
			{Type: events.TypeXPAwarded, JobID: "job-1"},
			{Type: events.TypeActivityLogged, JobID: "job-1"},
		},
	}

	body := `{"prompt": "a cat surfing", "aspect_ratio": "9:16", "duration_seconds": 8}`
	req := httptest.NewRequest(http.MethodPost, "/generate/image-to-video", bytes.NewBufferString(body)).WithContext(ctx)
	rr := httptest.NewRecorder()

	env.h.GenerateImageToVideo(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("got content type %q", ct)
	}
	if env.jobs.gotUser != env.user.ID {
		t.Error("job ran for the wrong user")
	}
	if env.jobs.gotReq.AspectRatio != "9:16" || env.jobs.gotReq.DurationSeconds != 8 {
		t.Errorf("request not decoded: %+v", env.jobs.gotReq)
	}

	reader := progress.NewReader(strings.NewReader(rr.Body.String()))
	var names []string
	for {
		ev, err := reader.Next()
		if err != nil {
			break
		}
		names = append(names, ev.Name)
	}
	want := []string{"progress", "image", "progress", "video", "complete"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("got events %v, want %v", names, want)
	}

	if len(env.notifier.dispatched) != 2 {
		t.Errorf("got %d dispatched events, want 2", len(env.notifier.dispatched))
	}
}
